// Package session provides the session manager.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/trackline/internal/app/notification"
	"github.com/osa030/trackline/internal/app/placement"
	"github.com/osa030/trackline/internal/app/playback"
	"github.com/osa030/trackline/internal/app/scheduler"
	"github.com/osa030/trackline/internal/app/session/registry"
	"github.com/osa030/trackline/internal/app/timeline"
	"github.com/osa030/trackline/internal/app/upload"
	"github.com/osa030/trackline/internal/domain/segment"
	"github.com/osa030/trackline/internal/domain/track"
	"github.com/osa030/trackline/internal/infra/config"
)

var (
	ErrSessionClosed = errors.New("session is closed")
)

// Manager owns the timeline engine for the lifetime of the process.
type Manager struct {
	mu sync.RWMutex

	// Configuration
	config *config.Config

	// Components
	tracks       *registry.TrackRegistry
	playback     *playback.Controller
	uploader     *upload.Service
	notification *notification.Manager

	running bool
	closed  bool

	// Channels
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// TrackView is a track together with its segments ordered by start time.
type TrackView struct {
	track.Track
	Segments []segment.Info
}

// Status represents the current session status.
type Status struct {
	Playback    playback.Snapshot
	Tracks      []TrackView
	Subscribers int
}

// NewManager creates a new session manager. sink and clock are usually the same
// audio device; decoder turns uploaded bytes into resources for it.
func NewManager(
	cfg *config.Config,
	sink scheduler.Sink,
	clock playback.Clock,
	decoder upload.Decoder,
) (*Manager, error) {
	chain, err := placement.NewChainFromConfig(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create placement chain")
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		config: cfg,
		tracks: registry.NewTrackRegistry(),
		playback: playback.NewController(playback.Config{
			TrackerInterval:  cfg.Playback.TrackerInterval(),
			PositionInterval: cfg.Playback.PositionEventInterval(),
			DefaultRate:      cfg.Playback.DefaultRate,
			Volume:           cfg.Audio.Volume,
		}, timeline.NewStore(chain), sink, clock, nil),
		notification: notification.NewManager(),

		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.uploader = upload.NewService(upload.Config{
		MaxParallelDecodes: cfg.Upload.MaxParallelDecodes,
		MaxBytes:           cfg.Upload.MaxBytes,
	}, decoder, m.playback, m.tracks)

	for i := 1; i <= cfg.Session.InitialTracks; i++ {
		m.tracks.Add(fmt.Sprintf("Track %d", i))
	}

	return m, nil
}

// Start starts forwarding engine events to subscribers.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrSessionClosed
	}
	if m.running {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.running = true

	go m.playbackLoop()

	zlog.Info().Msgf("session: started: tracks=%d rules=%d", m.tracks.Count(), len(m.config.Placement))
	return nil
}

// Done returns a channel closed once the session has shut down.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Play starts playback from the current playhead.
func (m *Manager) Play() error {
	return m.playback.Play()
}

// PlayAt starts playback from t.
func (m *Manager) PlayAt(t time.Duration) error {
	return m.playback.PlayAt(t)
}

// Pause pauses playback.
func (m *Manager) Pause() error {
	return m.playback.Pause()
}

// Stop stops playback and rewinds to zero.
func (m *Manager) Stop() error {
	return m.playback.Stop()
}

// Seek moves the playhead.
func (m *Manager) Seek(t time.Duration) error {
	return m.playback.SeekTo(t)
}

// SetPlaybackRate changes the playback rate.
func (m *Manager) SetPlaybackRate(rate float64) error {
	return m.playback.SetPlaybackRate(rate)
}

// SetVolume sets the master volume and returns the applied level.
func (m *Manager) SetVolume(level float64) float64 {
	return m.playback.SetVolume(level)
}

// ActiveSegments returns the segments audible at t.
func (m *Manager) ActiveSegments(t time.Duration) []segment.Info {
	return m.playback.ActiveSegments(t)
}

// AddTrack registers a new empty track.
func (m *Manager) AddTrack(name string) (track.Track, error) {
	if err := m.checkOpen(); err != nil {
		return track.Track{}, err
	}
	if name == "" {
		name = fmt.Sprintf("Track %d", m.tracks.Count()+1)
	}

	t := m.tracks.Add(name)
	zlog.Info().Msgf("session: track added: track=%s name=%s", t.ID, t.Name)
	m.broadcastTracks(t.ID)
	return t, nil
}

// RenameTrack changes a track's display name.
func (m *Manager) RenameTrack(trackID, name string) (track.Track, error) {
	t, err := m.tracks.Rename(trackID, name)
	if err != nil {
		return track.Track{}, err
	}
	zlog.Info().Msgf("session: track renamed: track=%s name=%s", t.ID, t.Name)
	m.broadcastTracks(t.ID)
	return t, nil
}

// RemoveTrack unregisters a track and deletes all of its segments.
// Decodes in flight for the track are discarded when they finish.
func (m *Manager) RemoveTrack(trackID string) (int, error) {
	if err := m.tracks.Remove(trackID); err != nil {
		return 0, err
	}
	removed := m.playback.RemoveTrackSegments(trackID)

	zlog.Info().Msgf("session: track removed: track=%s segments=%d", trackID, removed)
	m.broadcastTracks(trackID)
	return removed, nil
}

// ClearTrack deletes every segment on a track but keeps the track.
func (m *Manager) ClearTrack(trackID string) (int, error) {
	if !m.tracks.HasTrack(trackID) {
		return 0, errors.Wrapf(registry.ErrTrackNotFound, "track=%s", trackID)
	}
	removed := m.playback.RemoveTrackSegments(trackID)
	zlog.Info().Msgf("session: track cleared: track=%s segments=%d", trackID, removed)
	return removed, nil
}

// ListTracks returns every track with its segments.
func (m *Manager) ListTracks() []TrackView {
	byTrack := m.playback.TrackSegments()
	all := m.tracks.All()

	views := make([]TrackView, 0, len(all))
	for _, t := range all {
		views = append(views, TrackView{Track: t, Segments: byTrack[t.ID]})
	}
	return views
}

// Upload decodes a file and appends it to a track.
func (m *Manager) Upload(ctx context.Context, trackID string, file upload.File) (segment.Info, error) {
	if err := m.checkOpen(); err != nil {
		return segment.Info{}, err
	}
	return m.uploader.Upload(ctx, trackID, file)
}

// UploadBatch decodes files in parallel and places them back to back from start.
func (m *Manager) UploadBatch(ctx context.Context, trackID string, files []upload.File, start time.Duration) (upload.BatchResult, error) {
	if err := m.checkOpen(); err != nil {
		return upload.BatchResult{}, err
	}
	return m.uploader.UploadBatch(ctx, trackID, files, start)
}

// MoveSegment changes a segment's start time within its track.
func (m *Manager) MoveSegment(segmentID string, start time.Duration) bool {
	return m.playback.MoveSegment(segmentID, start)
}

// MoveSegmentToTrack moves a segment to another registered track. The track
// epoch is read before the registry check, so a track removed in between is
// never the destination.
func (m *Manager) MoveSegmentToTrack(segmentID, trackID string, start time.Duration) (bool, error) {
	var err error
	for range 2 {
		epoch := m.playback.TrackEpoch(trackID)
		if !m.tracks.HasTrack(trackID) {
			return false, errors.Wrapf(registry.ErrTrackNotFound, "track=%s", trackID)
		}

		var moved bool
		moved, err = m.playback.MoveSegmentToTrackAt(segmentID, trackID, epoch, start)
		if !errors.Is(err, playback.ErrStaleTrack) {
			return moved, err
		}
		// Cleared but still registered: look again
		zlog.Debug().Msgf("session: move target changed, retrying: segment_id=%s track=%s", segmentID, trackID)
	}
	return false, err
}

// RemoveSegment deletes a segment.
func (m *Manager) RemoveSegment(segmentID string) bool {
	return m.playback.RemoveSegment(segmentID)
}

// GetStatus returns the current session status.
func (m *Manager) GetStatus() *Status {
	return &Status{
		Playback:    m.playback.Snapshot(),
		Tracks:      m.ListTracks(),
		Subscribers: m.notification.SubscriberCount(),
	}
}

// GetNotificationManager returns the notification manager.
func (m *Manager) GetNotificationManager() *notification.Manager {
	return m.notification
}

// Close stops playback and shuts the session down.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	running := m.running
	m.mu.Unlock()

	m.cancel()
	m.playback.Close()
	if !running {
		close(m.done)
	} else {
		<-m.done
	}
	m.notification.Close()
	zlog.Info().Msg("session: closed")
}

func (m *Manager) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrSessionClosed
	}
	return nil
}

// playbackLoop forwards controller events to subscribers until the session closes.
func (m *Manager) playbackLoop() {
	defer func() {
		if r := recover(); r != nil {
			zlog.Error().Msgf("session: playback loop panicked: %v", r)
			// Restart loop so events keep flowing
			zlog.Info().Msg("session: restarting playback loop")
			go m.playbackLoop()
			return
		}
		close(m.done)
	}()

	events := m.playback.Events()
	for {
		select {
		case <-m.ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			m.handlePlaybackEvent(event)
		}
	}
}

// handlePlaybackEvent converts a controller event to a notification.
func (m *Manager) handlePlaybackEvent(event playback.Event) {
	if event.Type != playback.EventPosition {
		zlog.Debug().Msgf("session: playback event: type=%s state=%s current_time=%v", event.Type, event.State, event.CurrentTime)
	}

	var kind notification.Kind
	switch event.Type {
	case playback.EventStateChanged:
		kind = notification.KindState
	case playback.EventSegmentsChanged:
		kind = notification.KindSegments
	case playback.EventPosition:
		kind = notification.KindPosition
	case playback.EventEnded:
		kind = notification.KindEnded
	case playback.EventScheduleFailed:
		kind = notification.KindScheduleFailed
	default:
		return
	}

	if err := m.notification.Broadcast(&notification.Notification{
		Kind:        kind,
		State:       event.State.String(),
		CurrentTime: event.CurrentTime,
		Duration:    event.Duration,
		SegmentIDs:  event.SegmentIDs,
	}); err != nil {
		zlog.Error().Err(err).Msgf("session: broadcast failed: kind=%s", kind)
	}
}

func (m *Manager) broadcastTracks(trackID string) {
	snap := m.playback.Snapshot()
	if err := m.notification.Broadcast(&notification.Notification{
		Kind:        notification.KindTracks,
		State:       snap.State.String(),
		CurrentTime: snap.CurrentTime,
		Duration:    snap.Duration,
		TrackID:     trackID,
	}); err != nil {
		zlog.Error().Err(err).Msgf("session: broadcast failed: kind=%s", notification.KindTracks)
	}
}
