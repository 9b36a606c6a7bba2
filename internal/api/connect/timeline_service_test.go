package connect

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/osa030/trackline/internal/app/notification"
	"github.com/osa030/trackline/internal/app/session"
	"github.com/osa030/trackline/internal/domain/segment"
	"github.com/osa030/trackline/internal/infra/config"
)

const testToken = "secret"

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

type stoppedClock struct{}

func (stoppedClock) Now() (time.Duration, error) { return 0, nil }

type harness struct {
	session *session.Manager
	client  *TimelineClient
	anon    *TimelineClient
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := &config.Config{
		Control:  config.ControlConfig{Token: testToken},
		Playback: config.PlaybackConfig{TrackerIntervalMs: 5, DefaultRate: 1, PositionEventMs: 50},
		Audio:    config.AudioConfig{Volume: 1},
		Session:  config.SessionConfig{InitialTracks: 1},
		Upload:   config.UploadConfig{MaxParallelDecodes: 2, MaxBytes: 1 << 20},
	}
	sess, err := session.NewManager(cfg, nil, stoppedClock{}, msDecoder{})
	require.NoError(t, err)
	require.NoError(t, sess.Start(context.Background()))

	path, handler := NewTimelineServiceHandler(
		NewTimelineService(sess),
		connect.WithInterceptors(NewControlAuthInterceptor(cfg)),
	)
	mux := http.NewServeMux()
	mux.Handle(path, handler)
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		sess.Close()
		server.Close()
	})

	return &harness{
		session: sess,
		client:  NewTimelineClient(server.Client(), server.URL, connect.WithInterceptors(NewControlTokenClientInterceptor(testToken))),
		anon:    NewTimelineClient(server.Client(), server.URL),
	}
}

func (h *harness) call(t *testing.T, procedure string, params map[string]any) map[string]any {
	t.Helper()
	resp, err := h.client.Call(context.Background(), procedure, params)
	require.NoError(t, err, procedure)
	return resp
}

func (h *harness) firstTrack(t *testing.T) string {
	t.Helper()
	resp := h.call(t, ListTracksProcedure, nil)
	tracks := resp["tracks"].([]any)
	require.NotEmpty(t, tracks)
	return tracks[0].(map[string]any)["id"].(string)
}

func TestControlAuth(t *testing.T) {
	h := newHarness(t)

	_, err := h.anon.Call(context.Background(), GetStateProcedure, nil)
	require.NoError(t, err, "read-only procedures are open")

	_, err = h.anon.Call(context.Background(), AddTrackProcedure, map[string]any{"name": "x"})
	assert.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(err))

	wrong := NewTimelineClient(h.anon.httpClient, h.anon.baseURL, connect.WithInterceptors(NewControlTokenClientInterceptor("nope")))
	_, err = wrong.Call(context.Background(), PlayProcedure, nil)
	assert.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(err))
}

func TestUploadAndState(t *testing.T) {
	h := newHarness(t)
	trackID := h.firstTrack(t)

	seg := h.call(t, UploadProcedure, map[string]any{
		"track_id": trackID,
		"name":     "clip.wav",
		"data":     []byte("1500"),
	})
	assert.Equal(t, 0.0, seg["start_time"])
	assert.Equal(t, 1.5, seg["duration"])
	assert.Equal(t, trackID, seg["track_id"])
	assert.Equal(t, "clip.wav", seg["name"])

	state := h.call(t, GetStateProcedure, nil)
	assert.Equal(t, "stopped", state["state"])
	assert.Equal(t, 1.5, state["duration"])
	require.Len(t, state["segments"], 1)
	assert.Equal(t, "clip.wav", state["segments"].([]any)[0].(map[string]any)["name"])
	assert.Len(t, state["tracks"], 1)
}

func TestUploadBatch(t *testing.T) {
	h := newHarness(t)
	trackID := h.firstTrack(t)

	resp := h.call(t, UploadBatchProcedure, map[string]any{
		"track_id": trackID,
		"start":    1.0,
		"files": []any{
			map[string]any{"name": "a", "data": []byte("1000")},
			map[string]any{"name": "b", "data": []byte("broken")},
			map[string]any{"name": "c", "data": []byte("500")},
		},
	})

	segs := resp["segments"].([]any)
	require.Len(t, segs, 2)
	assert.Equal(t, 1.0, segs[0].(map[string]any)["start_time"])
	assert.Equal(t, 2.0, segs[1].(map[string]any)["start_time"])
	assert.Equal(t, "c", segs[1].(map[string]any)["name"])

	failures := resp["failures"].([]any)
	require.Len(t, failures, 1)
	assert.Equal(t, "b", failures[0].(map[string]any)["name"])
}

func TestMoveSegment(t *testing.T) {
	h := newHarness(t)
	trackID := h.firstTrack(t)

	a := h.call(t, UploadProcedure, map[string]any{"track_id": trackID, "data": []byte("1000")})
	h.call(t, UploadProcedure, map[string]any{"track_id": trackID, "data": []byte("1000")})

	resp := h.call(t, MoveSegmentProcedure, map[string]any{"segment_id": a["id"], "start": 1.5})
	assert.Equal(t, false, resp["accepted"], "overlaps the second segment")

	resp = h.call(t, MoveSegmentProcedure, map[string]any{"segment_id": a["id"], "start": 2.0})
	assert.Equal(t, true, resp["accepted"], "touching is allowed")

	other := h.call(t, AddTrackProcedure, map[string]any{"name": "B"})
	resp = h.call(t, MoveSegmentToTrackProcedure, map[string]any{"segment_id": a["id"], "track_id": other["id"], "start": 0.0})
	assert.Equal(t, true, resp["accepted"])

	_, err := h.client.Call(context.Background(), MoveSegmentToTrackProcedure, map[string]any{"segment_id": a["id"], "track_id": "missing"})
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))

	resp = h.call(t, RemoveSegmentProcedure, map[string]any{"segment_id": a["id"]})
	assert.Equal(t, true, resp["removed"])
}

func TestPlaybackProcedures(t *testing.T) {
	h := newHarness(t)
	trackID := h.firstTrack(t)

	_, err := h.client.Call(context.Background(), PlayProcedure, nil)
	assert.Equal(t, connect.CodeFailedPrecondition, connect.CodeOf(err), "empty timeline")

	h.call(t, UploadProcedure, map[string]any{"track_id": trackID, "data": []byte("4000")})

	state := h.call(t, PlayProcedure, map[string]any{"at": 1.0})
	assert.Equal(t, "playing", state["state"])
	assert.Equal(t, true, state["is_playing"])

	state = h.call(t, PauseProcedure, nil)
	assert.Equal(t, "paused", state["state"])

	state = h.call(t, SeekProcedure, map[string]any{"time": 3.0})
	assert.Equal(t, 3.0, state["current_time"])

	state = h.call(t, SetRateProcedure, map[string]any{"rate": 2.0})
	assert.Equal(t, 2.0, state["playback_rate"])

	resp := h.call(t, SetVolumeProcedure, map[string]any{"level": 0.5})
	assert.Equal(t, 0.5, resp["volume"])

	active := h.call(t, ActiveSegmentsProcedure, nil)
	assert.Equal(t, 3.0, active["time"])
	assert.Len(t, active["segments"], 1)

	active = h.call(t, ActiveSegmentsProcedure, map[string]any{"time": 5.0})
	assert.Empty(t, active["segments"])

	state = h.call(t, StopProcedure, nil)
	assert.Equal(t, "stopped", state["state"])
	assert.Equal(t, 0.0, state["current_time"])
}

func TestTrackProcedures(t *testing.T) {
	h := newHarness(t)

	added := h.call(t, AddTrackProcedure, map[string]any{"name": "Drums"})
	id := added["id"].(string)
	assert.Equal(t, "Drums", added["name"])

	renamed := h.call(t, RenameTrackProcedure, map[string]any{"track_id": id, "name": "Bass"})
	assert.Equal(t, "Bass", renamed["name"])

	h.call(t, UploadProcedure, map[string]any{"track_id": id, "data": []byte("1000")})
	cleared := h.call(t, ClearTrackProcedure, map[string]any{"track_id": id})
	assert.Equal(t, 1.0, cleared["removed_segments"])

	h.call(t, UploadProcedure, map[string]any{"track_id": id, "data": []byte("1000")})
	removed := h.call(t, RemoveTrackProcedure, map[string]any{"track_id": id})
	assert.Equal(t, 1.0, removed["removed_segments"])

	tracks := h.call(t, ListTracksProcedure, nil)["tracks"].([]any)
	assert.Len(t, tracks, 1)
}

func TestErrorCodes(t *testing.T) {
	h := newHarness(t)
	trackID := h.firstTrack(t)

	tests := []struct {
		name      string
		procedure string
		params    map[string]any
		want      connect.Code
	}{
		{"missing track id", UploadProcedure, map[string]any{"data": []byte("1")}, connect.CodeInvalidArgument},
		{"bad base64", UploadProcedure, map[string]any{"track_id": trackID, "data": "%%%"}, connect.CodeInvalidArgument},
		{"undecodable audio", UploadProcedure, map[string]any{"track_id": trackID, "data": []byte("xx")}, connect.CodeInvalidArgument},
		{"unknown track", UploadProcedure, map[string]any{"track_id": "missing", "data": []byte("1")}, connect.CodeNotFound},
		{"zero rate", SetRateProcedure, map[string]any{"rate": 0.0}, connect.CodeInvalidArgument},
		{"negative seek", SeekProcedure, map[string]any{"time": -1.0}, connect.CodeInvalidArgument},
		{"volume too high", SetVolumeProcedure, map[string]any{"level": 2.0}, connect.CodeInvalidArgument},
		{"remove unknown track", RemoveTrackProcedure, map[string]any{"track_id": "missing"}, connect.CodeNotFound},
		{"empty batch", UploadBatchProcedure, map[string]any{"track_id": trackID}, connect.CodeInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.client.Call(context.Background(), tt.procedure, tt.params)
			require.Error(t, err)
			assert.Equal(t, tt.want, connect.CodeOf(err), err.Error())
		})
	}
}

func TestSubscribe(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := h.anon.Subscribe(ctx)
	require.NoError(t, err)
	defer stream.Close()

	require.True(t, stream.Receive(), "initial state")
	first := stream.Msg().AsMap()
	assert.Equal(t, "initial", first["kind"])
	assert.Equal(t, "stopped", first["state"])

	assert.Equal(t, 1, h.session.GetNotificationManager().SubscriberCount())

	h.call(t, AddTrackProcedure, map[string]any{"name": "B"})

	require.True(t, stream.Receive())
	next := stream.Msg().AsMap()
	assert.Equal(t, "tracks", next["kind"])
	assert.NotEmpty(t, next["track_id"])
	assert.Greater(t, next["sequence_no"], first["sequence_no"])
}

type recordingSender struct {
	sent []*structpb.Struct
}

func (r *recordingSender) Send(msg *structpb.Struct) error {
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingSender) sequence() []float64 {
	seqs := make([]float64, 0, len(r.sent))
	for _, msg := range r.sent {
		seqs = append(seqs, msg.AsMap()["sequence_no"].(float64))
	}
	return seqs
}

func TestNotificationStreamAdapter_HoldsUntilInitialState(t *testing.T) {
	sender := &recordingSender{}
	adapter := &notificationStreamAdapter{stream: sender}

	// Broadcast while the initial state is being prepared
	require.NoError(t, adapter.Send(&notification.Notification{SequenceNo: 4, Kind: notification.KindState}))
	require.NoError(t, adapter.Send(&notification.Notification{SequenceNo: 6, Kind: notification.KindSegments}))
	assert.Empty(t, sender.sent)

	require.NoError(t, adapter.start(&notification.Notification{SequenceNo: 5, Kind: notification.KindInitial}))
	assert.Equal(t, []float64{5, 6}, sender.sequence(), "older notification is covered by the initial state")

	require.NoError(t, adapter.Send(&notification.Notification{SequenceNo: 3, Kind: notification.KindPosition}))
	require.NoError(t, adapter.Send(&notification.Notification{SequenceNo: 7, Kind: notification.KindTracks}))
	assert.Equal(t, []float64{5, 6, 7}, sender.sequence())

	adapter.close()
	assert.True(t, errors.Is(adapter.Send(&notification.Notification{SequenceNo: 8}), errStreamClosed))
}
