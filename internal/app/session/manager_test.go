package session

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/trackline/internal/app/notification"
	"github.com/osa030/trackline/internal/app/placement"
	"github.com/osa030/trackline/internal/app/playback"
	"github.com/osa030/trackline/internal/app/session/registry"
	"github.com/osa030/trackline/internal/app/upload"
	"github.com/osa030/trackline/internal/domain/segment"
	"github.com/osa030/trackline/internal/infra/config"
)

type fakeResource time.Duration

func (r fakeResource) Duration() time.Duration { return time.Duration(r) }

// msDecoder decodes the payload as a number of milliseconds.
type msDecoder struct{}

func (msDecoder) Decode(_ context.Context, data []byte) (segment.Resource, error) {
	ms, err := strconv.Atoi(string(data))
	if err != nil {
		return nil, errors.New("unrecognized stream")
	}
	return fakeResource(time.Duration(ms) * time.Millisecond), nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Duration
}

func (c *fakeClock) Now() (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now, nil
}

type recordingStream struct {
	mu    sync.Mutex
	items []*notification.Notification
}

func (s *recordingStream) Send(n *notification.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, n)
	return nil
}

func (s *recordingStream) kinds() []notification.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]notification.Kind, 0, len(s.items))
	for _, n := range s.items {
		kinds = append(kinds, n.Kind)
	}
	return kinds
}

func (s *recordingStream) has(kind notification.Kind) bool {
	for _, k := range s.kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

func testConfig() *config.Config {
	return &config.Config{
		Control: config.ControlConfig{Token: "secret"},
		Audio:   config.AudioConfig{SampleRate: 44100, BufferMs: 100, Output: "headless", Volume: 1},
		Playback: config.PlaybackConfig{
			TrackerIntervalMs: 5,
			DefaultRate:       1,
			PositionEventMs:   10,
		},
		Session: config.SessionConfig{InitialTracks: 1},
		Upload:  config.UploadConfig{MaxParallelDecodes: 2, MaxBytes: 1024},
	}
}

func newManager(t *testing.T, cfg *config.Config) *Manager {
	t.Helper()
	m, err := NewManager(cfg, nil, &fakeClock{}, msDecoder{})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func firstTrack(t *testing.T, m *Manager) string {
	t.Helper()
	tracks := m.ListTracks()
	require.NotEmpty(t, tracks)
	return tracks[0].ID
}

func TestNewManager_InitialTracks(t *testing.T) {
	cfg := testConfig()
	cfg.Session.InitialTracks = 2
	m := newManager(t, cfg)

	tracks := m.ListTracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, "Track 1", tracks[0].Name)
	assert.Equal(t, "Track 2", tracks[1].Name)
	assert.Empty(t, tracks[0].Segments)
}

func TestNewManager_UnknownRule(t *testing.T) {
	cfg := testConfig()
	cfg.Placement = map[string]config.RuleConfig{"no_such_rule": {Enabled: true}}

	_, err := NewManager(cfg, nil, &fakeClock{}, msDecoder{})
	assert.Error(t, err)
}

func TestManager_UploadAndList(t *testing.T) {
	m := newManager(t, testConfig())
	trackID := firstTrack(t, m)

	first, err := m.Upload(context.Background(), trackID, upload.File{Name: "a.wav", Data: []byte("1000")})
	require.NoError(t, err)
	second, err := m.Upload(context.Background(), trackID, upload.File{Name: "b.wav", Data: []byte("500")})
	require.NoError(t, err)
	assert.Equal(t, time.Second, second.StartTime)

	tracks := m.ListTracks()
	require.Len(t, tracks[0].Segments, 2)
	assert.Equal(t, first.ID, tracks[0].Segments[0].ID)

	status := m.GetStatus()
	assert.Equal(t, 1500*time.Millisecond, status.Playback.Duration)
	assert.Len(t, status.Tracks, 1)
}

func TestManager_UploadBatch(t *testing.T) {
	m := newManager(t, testConfig())
	trackID := firstTrack(t, m)

	result, err := m.UploadBatch(context.Background(), trackID, []upload.File{
		{Name: "a", Data: []byte("1000")},
		{Name: "b", Data: []byte("nope")},
		{Name: "c", Data: []byte("1000")},
	}, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, result.Segments, 2)
	assert.Equal(t, 2*time.Second, result.Segments[0].StartTime)
	assert.Equal(t, 3*time.Second, result.Segments[1].StartTime)
	assert.Len(t, result.Failures, 1)
}

func TestManager_UploadUnknownTrack(t *testing.T) {
	m := newManager(t, testConfig())

	_, err := m.Upload(context.Background(), "missing", upload.File{Name: "a", Data: []byte("10")})
	assert.True(t, errors.Is(err, upload.ErrUnknownTrack))
}

func TestManager_PlacementRuleFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Placement = map[string]config.RuleConfig{
		"timeline_limit": {Enabled: true, Settings: map[string]any{"max_seconds": 1}},
	}
	m := newManager(t, cfg)

	_, err := m.Upload(context.Background(), firstTrack(t, m), upload.File{Name: "long", Data: []byte("2000")})
	assert.True(t, errors.Is(err, placement.ErrRejected))
	assert.Empty(t, m.GetStatus().Playback.Segments)
}

func TestManager_Tracks(t *testing.T) {
	m := newManager(t, testConfig())
	keep := firstTrack(t, m)

	added, err := m.AddTrack("")
	require.NoError(t, err)
	assert.Equal(t, "Track 2", added.Name)

	renamed, err := m.RenameTrack(added.ID, "Vocals")
	require.NoError(t, err)
	assert.Equal(t, "Vocals", renamed.Name)

	_, err = m.Upload(context.Background(), keep, upload.File{Name: "a", Data: []byte("1000")})
	require.NoError(t, err)
	_, err = m.Upload(context.Background(), added.ID, upload.File{Name: "b", Data: []byte("3000")})
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, m.GetStatus().Playback.Duration)

	removed, err := m.RemoveTrack(added.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, time.Second, m.GetStatus().Playback.Duration)
	assert.Len(t, m.ListTracks(), 1)

	_, err = m.RemoveTrack(added.ID)
	assert.True(t, errors.Is(err, registry.ErrTrackNotFound))
}

func TestManager_ClearTrack(t *testing.T) {
	m := newManager(t, testConfig())
	trackID := firstTrack(t, m)

	for _, ms := range []string{"1000", "2000"} {
		_, err := m.Upload(context.Background(), trackID, upload.File{Name: "a", Data: []byte(ms)})
		require.NoError(t, err)
	}

	removed, err := m.ClearTrack(trackID)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, time.Duration(0), m.GetStatus().Playback.Duration)
	assert.Len(t, m.ListTracks(), 1, "track stays registered")

	_, err = m.ClearTrack("missing")
	assert.True(t, errors.Is(err, registry.ErrTrackNotFound))
}

func TestManager_MoveSegmentToTrack(t *testing.T) {
	m := newManager(t, testConfig())
	src := firstTrack(t, m)
	dst, err := m.AddTrack("B")
	require.NoError(t, err)

	info, err := m.Upload(context.Background(), src, upload.File{Name: "a", Data: []byte("1000")})
	require.NoError(t, err)

	_, err = m.MoveSegmentToTrack(info.ID, "missing", 0)
	assert.True(t, errors.Is(err, registry.ErrTrackNotFound))

	ok, err := m.MoveSegmentToTrack(info.ID, dst.ID, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	tracks := m.ListTracks()
	assert.Empty(t, tracks[0].Segments)
	require.Len(t, tracks[1].Segments, 1)
	assert.Equal(t, 5*time.Second, tracks[1].Segments[0].StartTime)

	assert.True(t, m.MoveSegment(info.ID, time.Second))

	_, err = m.RemoveTrack(src)
	require.NoError(t, err)
	_, err = m.MoveSegmentToTrack(info.ID, src, 0)
	assert.True(t, errors.Is(err, registry.ErrTrackNotFound))
	require.Len(t, m.ListTracks(), 1)
	assert.Equal(t, dst.ID, m.ListTracks()[0].Segments[0].TrackID)

	assert.True(t, m.RemoveSegment(info.ID))
	assert.False(t, m.RemoveSegment(info.ID))
}

func TestManager_ForwardsEvents(t *testing.T) {
	m := newManager(t, testConfig())
	stream := &recordingStream{}
	m.GetNotificationManager().Subscribe(stream)
	require.NoError(t, m.Start(context.Background()))

	_, err := m.Upload(context.Background(), firstTrack(t, m), upload.File{Name: "a", Data: []byte("1000")})
	require.NoError(t, err)
	require.NoError(t, m.Play())

	assert.Eventually(t, func() bool {
		return stream.has(notification.KindSegments) && stream.has(notification.KindState)
	}, time.Second, 5*time.Millisecond)

	_, err = m.AddTrack("B")
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return stream.has(notification.KindTracks)
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, playback.StatePlaying, m.GetStatus().Playback.State)
	require.NoError(t, m.Stop())
}

func TestManager_PlayEmptyTimeline(t *testing.T) {
	m := newManager(t, testConfig())
	assert.True(t, errors.Is(m.Play(), playback.ErrEmptyTimeline))
}

func TestManager_Close(t *testing.T) {
	m := newManager(t, testConfig())
	require.NoError(t, m.Start(context.Background()))

	m.Close()
	m.Close()

	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not shut down")
	}

	_, err := m.Upload(context.Background(), firstTrack(t, m), upload.File{Name: "a", Data: []byte("10")})
	assert.True(t, errors.Is(err, ErrSessionClosed))
	_, err = m.AddTrack("late")
	assert.True(t, errors.Is(err, ErrSessionClosed))
	assert.True(t, errors.Is(m.Start(context.Background()), ErrSessionClosed))
}

func TestManager_CloseWithoutStart(t *testing.T) {
	m := newManager(t, testConfig())
	m.Close()

	select {
	case <-m.Done():
	default:
		t.Fatal("done should be closed")
	}
}
