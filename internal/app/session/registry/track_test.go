package registry

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackRegistry_AddAndGet(t *testing.T) {
	r := NewTrackRegistry()

	added := r.Add("Drums")
	assert.NotEmpty(t, added.ID)
	assert.Equal(t, "Drums", added.Name)
	assert.True(t, r.HasTrack(added.ID))
	assert.Equal(t, 1, r.Count())

	got, err := r.Get(added.ID)
	require.NoError(t, err)
	assert.Equal(t, added, got)
}

func TestTrackRegistry_GetUnknown(t *testing.T) {
	r := NewTrackRegistry()

	_, err := r.Get("missing")
	assert.True(t, errors.Is(err, ErrTrackNotFound))
	assert.False(t, r.HasTrack("missing"))
}

func TestTrackRegistry_Rename(t *testing.T) {
	r := NewTrackRegistry()
	added := r.Add("Drums")

	renamed, err := r.Rename(added.ID, "  Bass ")
	require.NoError(t, err)
	assert.Equal(t, "Bass", renamed.Name)

	_, err = r.Rename(added.ID, "   ")
	assert.Error(t, err)

	got, _ := r.Get(added.ID)
	assert.Equal(t, "Bass", got.Name)

	_, err = r.Rename("missing", "x")
	assert.True(t, errors.Is(err, ErrTrackNotFound))
}

func TestTrackRegistry_Remove(t *testing.T) {
	r := NewTrackRegistry()
	added := r.Add("Drums")

	require.NoError(t, r.Remove(added.ID))
	assert.False(t, r.HasTrack(added.ID))
	assert.Equal(t, 0, r.Count())

	err := r.Remove(added.ID)
	assert.True(t, errors.Is(err, ErrTrackNotFound))
}

func TestTrackRegistry_AllInCreationOrder(t *testing.T) {
	r := NewTrackRegistry()
	a := r.Add("A")
	b := r.Add("B")
	c := r.Add("C")

	all := r.All()
	require.Len(t, all, 3)

	assert.Equal(t, []string{a.ID, b.ID, c.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

	require.NoError(t, r.Remove(b.ID))
	d := r.Add("D")
	all = r.All()
	require.Len(t, all, 3)
	assert.Equal(t, []string{a.ID, c.ID, d.ID}, []string{all[0].ID, all[1].ID, all[2].ID})
}

func TestTrackRegistry_ReturnsCopies(t *testing.T) {
	r := NewTrackRegistry()
	added := r.Add("A")
	added.Name = "mutated"

	got, _ := r.Get(added.ID)
	assert.Equal(t, "A", got.Name)
}
