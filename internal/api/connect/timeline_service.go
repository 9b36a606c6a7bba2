package connect

import (
	"context"
	"sync"

	"connectrpc.com/connect"
	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/osa030/trackline/internal/app/notification"
	"github.com/osa030/trackline/internal/app/session"
	"github.com/osa030/trackline/internal/app/upload"
)

var errStreamClosed = errors.New("notification stream closed")

// Request is the request type shared by every procedure.
type Request = connect.Request[structpb.Struct]

// Response is the response type shared by every procedure.
type Response = connect.Response[structpb.Struct]

// TimelineService implements the TimelineService RPC.
type TimelineService struct {
	session *session.Manager
}

// NewTimelineService creates a new TimelineService.
func NewTimelineService(session *session.Manager) *TimelineService {
	return &TimelineService{
		session: session,
	}
}

// GetState returns the playback snapshot.
func (s *TimelineService) GetState(ctx context.Context, req *Request) (*Response, error) {
	status := s.session.GetStatus()

	fields := snapshotValue(status.Playback)
	fields["subscribers"] = status.Subscribers
	fields["tracks"] = trackList(status.Tracks)
	return reply(GetStateProcedure, fields)
}

// ListTracks returns every track with its segments.
func (s *TimelineService) ListTracks(ctx context.Context, req *Request) (*Response, error) {
	return reply(ListTracksProcedure, map[string]any{
		"tracks": trackList(s.session.ListTracks()),
	})
}

// AddTrack registers an empty track.
func (s *TimelineService) AddTrack(ctx context.Context, req *Request) (*Response, error) {
	var p addTrackParams
	if err := decodeParams(req.Msg, &p); err != nil {
		return nil, toConnectError(AddTrackProcedure, err)
	}

	t, err := s.session.AddTrack(p.Name)
	if err != nil {
		return nil, toConnectError(AddTrackProcedure, err)
	}
	return reply(AddTrackProcedure, trackValue(session.TrackView{Track: t}))
}

// RenameTrack changes a track's display name.
func (s *TimelineService) RenameTrack(ctx context.Context, req *Request) (*Response, error) {
	var p renameTrackParams
	if err := decodeParams(req.Msg, &p); err != nil {
		return nil, toConnectError(RenameTrackProcedure, err)
	}

	t, err := s.session.RenameTrack(p.TrackID, p.Name)
	if err != nil {
		return nil, toConnectError(RenameTrackProcedure, err)
	}
	return reply(RenameTrackProcedure, trackValue(session.TrackView{Track: t}))
}

// RemoveTrack unregisters a track and deletes its segments.
func (s *TimelineService) RemoveTrack(ctx context.Context, req *Request) (*Response, error) {
	var p trackParams
	if err := decodeParams(req.Msg, &p); err != nil {
		return nil, toConnectError(RemoveTrackProcedure, err)
	}

	removed, err := s.session.RemoveTrack(p.TrackID)
	if err != nil {
		return nil, toConnectError(RemoveTrackProcedure, err)
	}
	return reply(RemoveTrackProcedure, map[string]any{"removed_segments": removed})
}

// ClearTrack deletes a track's segments and keeps the track.
func (s *TimelineService) ClearTrack(ctx context.Context, req *Request) (*Response, error) {
	var p trackParams
	if err := decodeParams(req.Msg, &p); err != nil {
		return nil, toConnectError(ClearTrackProcedure, err)
	}

	removed, err := s.session.ClearTrack(p.TrackID)
	if err != nil {
		return nil, toConnectError(ClearTrackProcedure, err)
	}
	return reply(ClearTrackProcedure, map[string]any{"removed_segments": removed})
}

// Upload decodes one file and appends it to a track.
func (s *TimelineService) Upload(ctx context.Context, req *Request) (*Response, error) {
	var p uploadParams
	if err := decodeParams(req.Msg, &p); err != nil {
		return nil, toConnectError(UploadProcedure, err)
	}

	info, err := s.session.Upload(ctx, p.TrackID, upload.File{Name: p.Name, Data: p.Data})
	if err != nil {
		return nil, toConnectError(UploadProcedure, err)
	}
	return reply(UploadProcedure, segmentValue(info))
}

// UploadBatch decodes files in parallel and places them back to back.
func (s *TimelineService) UploadBatch(ctx context.Context, req *Request) (*Response, error) {
	var p uploadBatchParams
	if err := decodeParams(req.Msg, &p); err != nil {
		return nil, toConnectError(UploadBatchProcedure, err)
	}

	files := make([]upload.File, 0, len(p.Files))
	for _, f := range p.Files {
		files = append(files, upload.File{Name: f.Name, Data: f.Data})
	}

	result, err := s.session.UploadBatch(ctx, p.TrackID, files, fromSeconds(p.Start))
	if err != nil {
		return nil, toConnectError(UploadBatchProcedure, err)
	}

	failures := make([]any, 0, len(result.Failures))
	for _, f := range result.Failures {
		failures = append(failures, map[string]any{"name": f.Name, "error": f.Err.Error()})
	}
	return reply(UploadBatchProcedure, map[string]any{
		"segments": segmentList(result.Segments),
		"failures": failures,
	})
}

// MoveSegment changes a segment's start time within its track.
// A rejected move is reported as accepted=false, not as an error.
func (s *TimelineService) MoveSegment(ctx context.Context, req *Request) (*Response, error) {
	var p moveParams
	if err := decodeParams(req.Msg, &p); err != nil {
		return nil, toConnectError(MoveSegmentProcedure, err)
	}

	accepted := s.session.MoveSegment(p.SegmentID, fromSeconds(p.Start))
	return reply(MoveSegmentProcedure, map[string]any{"accepted": accepted})
}

// MoveSegmentToTrack moves a segment to another track.
func (s *TimelineService) MoveSegmentToTrack(ctx context.Context, req *Request) (*Response, error) {
	var p moveParams
	if err := decodeParams(req.Msg, &p); err != nil {
		return nil, toConnectError(MoveSegmentToTrackProcedure, err)
	}

	accepted, err := s.session.MoveSegmentToTrack(p.SegmentID, p.TrackID, fromSeconds(p.Start))
	if err != nil {
		return nil, toConnectError(MoveSegmentToTrackProcedure, err)
	}
	return reply(MoveSegmentToTrackProcedure, map[string]any{"accepted": accepted})
}

// RemoveSegment deletes a segment.
func (s *TimelineService) RemoveSegment(ctx context.Context, req *Request) (*Response, error) {
	var p segmentParams
	if err := decodeParams(req.Msg, &p); err != nil {
		return nil, toConnectError(RemoveSegmentProcedure, err)
	}

	removed := s.session.RemoveSegment(p.SegmentID)
	return reply(RemoveSegmentProcedure, map[string]any{"removed": removed})
}

// Play starts playback, optionally from a given time.
func (s *TimelineService) Play(ctx context.Context, req *Request) (*Response, error) {
	var p playParams
	if err := decodeParams(req.Msg, &p); err != nil {
		return nil, toConnectError(PlayProcedure, err)
	}

	var err error
	if p.At != nil {
		err = s.session.PlayAt(fromSeconds(*p.At))
	} else {
		err = s.session.Play()
	}
	if err != nil {
		return nil, toConnectError(PlayProcedure, err)
	}
	return s.state(PlayProcedure)
}

// Pause pauses playback.
func (s *TimelineService) Pause(ctx context.Context, req *Request) (*Response, error) {
	if err := s.session.Pause(); err != nil {
		return nil, toConnectError(PauseProcedure, err)
	}
	return s.state(PauseProcedure)
}

// Stop stops playback and rewinds.
func (s *TimelineService) Stop(ctx context.Context, req *Request) (*Response, error) {
	if err := s.session.Stop(); err != nil {
		return nil, toConnectError(StopProcedure, err)
	}
	return s.state(StopProcedure)
}

// Seek moves the playhead.
func (s *TimelineService) Seek(ctx context.Context, req *Request) (*Response, error) {
	var p seekParams
	if err := decodeParams(req.Msg, &p); err != nil {
		return nil, toConnectError(SeekProcedure, err)
	}

	if err := s.session.Seek(fromSeconds(p.Time)); err != nil {
		return nil, toConnectError(SeekProcedure, err)
	}
	return s.state(SeekProcedure)
}

// SetRate changes the playback rate.
func (s *TimelineService) SetRate(ctx context.Context, req *Request) (*Response, error) {
	var p rateParams
	if err := decodeParams(req.Msg, &p); err != nil {
		return nil, toConnectError(SetRateProcedure, err)
	}

	if err := s.session.SetPlaybackRate(p.Rate); err != nil {
		return nil, toConnectError(SetRateProcedure, err)
	}
	return s.state(SetRateProcedure)
}

// SetVolume sets the master volume.
func (s *TimelineService) SetVolume(ctx context.Context, req *Request) (*Response, error) {
	var p volumeParams
	if err := decodeParams(req.Msg, &p); err != nil {
		return nil, toConnectError(SetVolumeProcedure, err)
	}

	level := s.session.SetVolume(p.Level)
	return reply(SetVolumeProcedure, map[string]any{"volume": level})
}

// ActiveSegments returns the segments audible at a time, or at the playhead.
func (s *TimelineService) ActiveSegments(ctx context.Context, req *Request) (*Response, error) {
	var p activeParams
	if err := decodeParams(req.Msg, &p); err != nil {
		return nil, toConnectError(ActiveSegmentsProcedure, err)
	}

	at := s.session.GetStatus().Playback.CurrentTime
	if p.Time != nil {
		at = fromSeconds(*p.Time)
	}
	return reply(ActiveSegmentsProcedure, map[string]any{
		"time":     seconds(at),
		"segments": segmentList(s.session.ActiveSegments(at)),
	})
}

// Subscribe streams engine notifications, starting with the current state.
func (s *TimelineService) Subscribe(
	ctx context.Context,
	req *Request,
	stream *connect.ServerStream[structpb.Struct],
) error {
	notifManager := s.session.GetNotificationManager()

	// Subscribe before reading the state so no broadcast falls in between.
	// Broadcasts are held until the initial state has been sent.
	adapter := &notificationStreamAdapter{stream: stream}
	subscriptionID := notifManager.Subscribe(adapter)
	defer func() {
		notifManager.Unsubscribe(subscriptionID)
		adapter.close()
	}()

	initialSeq := notifManager.NextSequenceNo()
	status := s.session.GetStatus()
	initial := &notification.Notification{
		SequenceNo:  initialSeq,
		Kind:        notification.KindInitial,
		State:       status.Playback.State.String(),
		CurrentTime: status.Playback.CurrentTime,
		Duration:    status.Playback.Duration,
	}
	for _, seg := range status.Playback.Segments {
		initial.SegmentIDs = append(initial.SegmentIDs, seg.ID)
	}
	if err := adapter.start(initial); err != nil {
		return err
	}

	// Wait for client disconnect or session end
	select {
	case <-ctx.Done():
	case <-s.session.Done():
	}
	return nil
}

func (s *TimelineService) state(procedure string) (*Response, error) {
	return reply(procedure, snapshotValue(s.session.GetStatus().Playback))
}

func reply(procedure string, fields map[string]any) (*Response, error) {
	msg, err := newStruct(fields)
	if err != nil {
		zlog.Error().Err(err).Msgf("rpc: response encoding failed: procedure=%s", procedure)
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}

// structSender is the sending half of a server stream.
type structSender interface {
	Send(msg *structpb.Struct) error
}

// notificationStreamAdapter adapts connect.ServerStream to notification.Stream.
// Broadcasts may overlap, so sends are serialized. Notifications arriving before
// start are queued; those already covered by the initial state are dropped.
type notificationStreamAdapter struct {
	mu      sync.Mutex
	stream  structSender
	closed  bool
	started bool
	after   uint64 // Sequence number of the initial state
	pending []*notification.Notification
}

func (a *notificationStreamAdapter) Send(n *notification.Notification) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return errStreamClosed
	}
	if !a.started {
		a.pending = append(a.pending, n)
		return nil
	}
	if n.SequenceNo <= a.after {
		return nil
	}
	return a.sendLocked(n)
}

// start sends the initial state, then the queued notifications newer than it.
func (a *notificationStreamAdapter) start(initial *notification.Notification) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.sendLocked(initial); err != nil {
		return err
	}
	a.started = true
	a.after = initial.SequenceNo

	pending := a.pending
	a.pending = nil
	for _, n := range pending {
		if n.SequenceNo <= a.after {
			continue
		}
		if err := a.sendLocked(n); err != nil {
			return err
		}
	}
	return nil
}

func (a *notificationStreamAdapter) sendLocked(n *notification.Notification) error {
	msg, err := newStruct(notificationValue(n))
	if err != nil {
		return err
	}
	return a.stream.Send(msg)
}

// close stops further sends once the handler has returned.
func (a *notificationStreamAdapter) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
}
