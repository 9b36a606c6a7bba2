package playback

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/trackline/internal/app/scheduler"
	"github.com/osa030/trackline/internal/app/timeline"
	"github.com/osa030/trackline/internal/domain/segment"
)

// Errors
var (
	ErrEmptyTimeline    = errors.New("timeline has no segments")
	ErrClockUnavailable = errors.New("audio clock unavailable")
	ErrInvalidRate      = errors.New("playback rate must be positive")
	ErrStaleUpload      = errors.New("track changed while decoding")
	ErrStaleTrack       = errors.New("target track changed since it was looked up")
	ErrClosed           = errors.New("controller closed")
)

// retryOffset is how far past the playhead an upload lands when its preferred
// position collides.
const retryOffset = 100 * time.Millisecond

// Clock reads the audio clock.
type Clock interface {
	Now() (time.Duration, error)
}

// VolumeControl is implemented by sinks with a master volume.
type VolumeControl interface {
	SetVolume(level float64)
}

// Config holds controller configuration.
type Config struct {
	TrackerInterval  time.Duration // Position tracker tick interval
	PositionInterval time.Duration // Minimum spacing between position events on the audio clock
	DefaultRate      float64       // Initial playback rate
	Volume           float64       // Initial master volume (0..1)
}

// Snapshot is a read-only view of the engine state.
type Snapshot struct {
	State        State
	IsPlaying    bool
	CurrentTime  time.Duration
	Duration     time.Duration
	PlaybackRate float64
	Volume       float64
	Segments     []segment.Info // Ordered by start time
}

// Controller owns the segment store and drives playback against the audio clock.
type Controller struct {
	mu sync.RWMutex

	store  *timeline.Store
	sink   scheduler.Sink
	clock  Clock
	ticker Ticker

	// Playback state
	state       State
	currentTime time.Duration
	rate        float64
	volume      float64

	// Anchor captured when playback (re)starts
	anchorClock    time.Duration
	anchorPlayhead time.Duration

	// Tracker
	trackerPass       uint64
	trackerCancel     func()
	lastPositionEvent time.Duration

	// Incremented whenever a track is cleared, so late decodes can be discarded
	epochs map[string]uint64

	config Config

	// Events
	eventCh chan Event
	closed  bool

	// Context
	ctx    context.Context
	cancel context.CancelFunc
}

// NewController creates a new playback controller. store and ticker may be nil.
func NewController(config Config, store *timeline.Store, sink scheduler.Sink, clock Clock, ticker Ticker) *Controller {
	if store == nil {
		store = timeline.NewStore(nil)
	}
	if ticker == nil {
		ticker = IntervalTicker{}
	}
	if config.TrackerInterval <= 0 {
		config.TrackerInterval = 16 * time.Millisecond
	}
	if config.DefaultRate <= 0 {
		config.DefaultRate = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		store:   store,
		sink:    sink,
		clock:   clock,
		ticker:  ticker,
		state:   StateStopped,
		rate:    config.DefaultRate,
		volume:  clampVolume(config.Volume),
		epochs:  make(map[string]uint64),
		config:  config,
		eventCh: make(chan Event, 64),
		ctx:     ctx,
		cancel:  cancel,
	}
	if vc, ok := sink.(VolumeControl); ok {
		vc.SetVolume(c.volume)
	}
	return c
}

// Events returns the event channel.
func (c *Controller) Events() <-chan Event {
	return c.eventCh
}

// Play starts playback from the current playhead. When already playing, the
// playhead is re-anchored to the audio clock. A playhead parked at the end of
// the timeline restarts from zero.
func (c *Controller) Play() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	at := c.currentTime
	if c.state != StatePlaying && at >= c.store.Duration() {
		at = 0
	}
	return c.playLocked(at)
}

// PlayAt starts playback from t.
func (c *Controller) PlayAt(t time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.playLocked(t)
}

func (c *Controller) playLocked(at time.Duration) error {
	if c.closed {
		return ErrClosed
	}
	if c.store.Len() == 0 {
		return ErrEmptyTimeline
	}

	now, err := c.clock.Now()
	if err != nil {
		return errors.Mark(errors.Wrap(err, "failed to read audio clock"), ErrClockUnavailable)
	}

	duration := c.store.Duration()
	at = clampTime(at, duration)

	c.stopTrackerLocked()
	prev := c.state

	c.anchorClock = now
	c.anchorPlayhead = at
	c.currentTime = at
	c.lastPositionEvent = now
	c.state = StatePlaying

	c.scheduleLocked(c.store.Segments(), now, at)
	c.startTrackerLocked()

	zlog.Info().Msgf("playback: playing: from=%v duration=%v rate=%.3f clock=%v", at, duration, c.rate, now)
	if prev != StatePlaying {
		c.sendStateLocked()
	}
	return nil
}

// Pause stops audio and freezes the playhead at its last sampled position.
// It is a no-op unless playing.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StatePlaying {
		return nil
	}

	c.stopTrackerLocked()
	c.stopAllLocked()
	c.state = StatePaused

	zlog.Info().Msgf("playback: paused: at=%v", c.currentTime)
	c.sendStateLocked()
	return nil
}

// Stop stops audio and returns the playhead to zero. Calling it repeatedly is safe.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLocked()
	return nil
}

func (c *Controller) stopLocked() {
	c.stopTrackerLocked()
	c.stopAllLocked()

	changed := c.state != StateStopped || c.currentTime != 0
	c.state = StateStopped
	c.currentTime = 0

	if changed {
		zlog.Info().Msg("playback: stopped")
		c.sendStateLocked()
	}
}

// SeekTo moves the playhead to t, clamped to the timeline. While playing,
// audio is rescheduled from the new position.
func (c *Controller) SeekTo(t time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t = clampTime(t, c.store.Duration())
	if c.state == StatePlaying {
		c.stopTrackerLocked()
		c.stopAllLocked()
		c.currentTime = t
		if err := c.playLocked(t); err != nil {
			// Audio is already stopped; keep the state coherent
			c.state = StatePaused
			c.sendStateLocked()
			return err
		}
		return nil
	}

	c.currentTime = t
	c.sendEventLocked(Event{
		Type:        EventPosition,
		State:       c.state,
		CurrentTime: c.currentTime,
		Duration:    c.store.Duration(),
	})
	return nil
}

// AddSegment places a loaded resource on trackID at start.
func (c *Controller) AddSegment(trackID string, res segment.Resource, start time.Duration) (segment.Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seg, err := c.store.Add(trackID, res, start)
	if err != nil {
		return segment.Info{}, err
	}
	c.afterAddLocked(seg)
	return seg.Info(), nil
}

// AddSegments places resources back to back on trackID starting at the later of
// start and the end of the track. Either all are added or none.
func (c *Controller) AddSegments(trackID string, resources []segment.Resource, start time.Duration) ([]segment.Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	segs, err := c.store.AddBatch(trackID, resources, start)
	if err != nil {
		return nil, err
	}
	c.afterAddLocked(segs...)
	return infos(segs), nil
}

// PlaceUpload places a freshly decoded clip. The segment goes to the end of
// the track, or to the playhead when the track is empty; on a collision it is
// retried just after the playhead. epoch must match TrackEpoch(trackID).
func (c *Controller) PlaceUpload(trackID string, epoch uint64, clip segment.Clip) (segment.Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.epochs[trackID] != epoch {
		return segment.Info{}, errors.Wrapf(ErrStaleUpload, "track=%s", trackID)
	}

	start := c.currentTime
	if c.store.TrackLen(trackID) > 0 {
		start = c.store.TrackEnd(trackID)
	}

	seg, err := c.store.Add(trackID, clip.Resource, start)
	if err != nil && errors.Is(err, timeline.ErrOverlap) {
		zlog.Debug().Msgf("playback: upload collided, retrying after playhead: track=%s start=%v", trackID, start)
		seg, err = c.store.Add(trackID, clip.Resource, c.currentTime+retryOffset)
	}
	if err != nil {
		return segment.Info{}, err
	}
	seg.Name = clip.Name
	c.afterAddLocked(seg)
	return seg.Info(), nil
}

// PlaceUploadBatch places decoded clips back to back, like AddSegments,
// unless the track changed since epoch was read.
func (c *Controller) PlaceUploadBatch(trackID string, epoch uint64, clips []segment.Clip, start time.Duration) ([]segment.Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.epochs[trackID] != epoch {
		return nil, errors.Wrapf(ErrStaleUpload, "track=%s", trackID)
	}

	resources := make([]segment.Resource, len(clips))
	for i, clip := range clips {
		resources[i] = clip.Resource
	}
	segs, err := c.store.AddBatch(trackID, resources, start)
	if err != nil {
		return nil, err
	}
	for i, seg := range segs {
		seg.Name = clips[i].Name
	}
	c.afterAddLocked(segs...)
	return infos(segs), nil
}

// MoveSegment changes a segment's start time within its track.
// It returns false and changes nothing if the new position is rejected.
func (c *Controller) MoveSegment(id string, newStart time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.store.Move(id, newStart) {
		return false
	}
	c.afterMoveLocked(id)
	return true
}

// MoveSegmentToTrack moves a segment to another track.
// It returns false and changes nothing if the new position is rejected.
func (c *Controller) MoveSegmentToTrack(id, newTrackID string, newStart time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.store.MoveToTrack(id, newTrackID, newStart) {
		return false
	}
	c.afterMoveLocked(id)
	return true
}

// MoveSegmentToTrackAt is MoveSegmentToTrack for a target track whose epoch was
// read before the caller checked it is registered. It fails with ErrStaleTrack
// if the track was cleared or removed since.
func (c *Controller) MoveSegmentToTrackAt(id, newTrackID string, epoch uint64, newStart time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.epochs[newTrackID] != epoch {
		return false, errors.Wrapf(ErrStaleTrack, "track=%s", newTrackID)
	}
	if !c.store.MoveToTrack(id, newTrackID, newStart) {
		return false, nil
	}
	c.afterMoveLocked(id)
	return true, nil
}

// RemoveSegment stops and deletes a segment.
func (c *Controller) RemoveSegment(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.store.Remove(id); !ok {
		return false
	}
	c.afterRemoveLocked([]string{id})
	return true
}

// RemoveTrackSegments stops and deletes every segment on trackID and invalidates
// decodes in flight for it. It returns the number of removed segments.
func (c *Controller) RemoveTrackSegments(trackID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epochs[trackID]++
	removed := c.store.RemoveTrack(trackID)
	if removed > 0 {
		c.afterRemoveLocked(nil)
	}
	zlog.Debug().Msgf("playback: track cleared: track=%s removed=%d epoch=%d", trackID, removed, c.epochs[trackID])
	return removed
}

// TrackEpoch returns the current epoch of trackID.
func (c *Controller) TrackEpoch(trackID string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epochs[trackID]
}

// ActiveSegments returns the loaded segments audible at t.
func (c *Controller) ActiveSegments(t time.Duration) []segment.Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Active(t)
}

// TrackSegments returns the segments grouped by track.
func (c *Controller) TrackSegments() map[string][]segment.Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.ByTrack()
}

// Snapshot returns a copy of the engine state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sorted := c.store.Sorted()
	segs := make([]segment.Info, 0, len(sorted))
	for _, seg := range sorted {
		segs = append(segs, seg.Info())
	}

	return Snapshot{
		State:        c.state,
		IsPlaying:    c.state == StatePlaying,
		CurrentTime:  c.currentTime,
		Duration:     c.store.Duration(),
		PlaybackRate: c.rate,
		Volume:       c.volume,
		Segments:     segs,
	}
}

// GetState returns the current playback state.
func (c *Controller) GetState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SetPlaybackRate changes the playback rate. While playing, the playhead is
// re-anchored so the position stays continuous.
func (c *Controller) SetPlaybackRate(rate float64) error {
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return errors.Wrapf(ErrInvalidRate, "rate=%v", rate)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StatePlaying {
		c.rate = rate
		return nil
	}

	now, err := c.clock.Now()
	if err != nil {
		return errors.Mark(errors.Wrap(err, "failed to read audio clock"), ErrClockUnavailable)
	}
	pos := clampTime(c.positionAtLocked(now), c.store.Duration())
	c.rate = rate
	c.anchorClock = now
	c.anchorPlayhead = pos
	c.currentTime = pos
	c.scheduleLocked(c.store.Segments(), now, pos)

	zlog.Info().Msgf("playback: rate changed: rate=%.3f at=%v", rate, pos)
	return nil
}

// SetVolume sets the master volume, clamped to 0..1.
func (c *Controller) SetVolume(level float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.volume = clampVolume(level)
	if vc, ok := c.sink.(VolumeControl); ok {
		vc.SetVolume(c.volume)
	}
	return c.volume
}

// Close stops playback and closes the event channel.
func (c *Controller) Close() {
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.stopTrackerLocked()
	c.stopAllLocked()
	c.state = StateStopped
	c.currentTime = 0
	c.closed = true
	close(c.eventCh)
}

// afterAddLocked schedules newly added segments while playing.
// Must be called with lock held.
func (c *Controller) afterAddLocked(segs ...*segment.Segment) {
	if c.state == StatePlaying {
		if now, pos, ok := c.reanchorLocked(); ok {
			added := make(map[string]*segment.Segment, len(segs))
			for _, seg := range segs {
				added[seg.ID] = seg
			}
			c.scheduleLocked(added, now, pos)
		}
	}
	c.clampPlayheadLocked()
	c.sendSegmentsLocked(ids(segs))
}

// afterMoveLocked reschedules every segment at the current playhead while playing.
// Must be called with lock held.
func (c *Controller) afterMoveLocked(id string) {
	if c.state == StatePlaying {
		if now, pos, ok := c.reanchorLocked(); ok {
			c.scheduleLocked(c.store.Segments(), now, pos)
		}
	}
	c.clampPlayheadLocked()
	c.sendSegmentsLocked([]string{id})
}

// afterRemoveLocked keeps the playhead inside the shortened timeline.
// Must be called with lock held.
func (c *Controller) afterRemoveLocked(removed []string) {
	if c.store.Len() == 0 && c.state != StateStopped {
		c.stopLocked()
	}
	c.clampPlayheadLocked()
	c.sendSegmentsLocked(removed)
}

// reanchorLocked moves the anchor to the current clock reading.
// Must be called with lock held.
func (c *Controller) reanchorLocked() (now, pos time.Duration, ok bool) {
	now, err := c.clock.Now()
	if err != nil {
		zlog.Warn().Err(err).Msg("playback: cannot reschedule, audio clock unavailable")
		return 0, 0, false
	}
	pos = clampTime(c.positionAtLocked(now), c.store.Duration())
	c.anchorClock = now
	c.anchorPlayhead = pos
	c.currentTime = pos
	return now, pos, true
}

// scheduleLocked runs the scheduler and reports failures.
// Must be called with lock held.
func (c *Controller) scheduleLocked(segs map[string]*segment.Segment, now, playhead time.Duration) {
	if c.sink == nil {
		return
	}
	result := scheduler.Schedule(c.sink, segs, now, playhead, c.rate)
	if len(result.Failures) == 0 {
		return
	}

	failed := make([]string, 0, len(result.Failures))
	for _, f := range result.Failures {
		failed = append(failed, f.SegmentID)
	}
	c.sendEventLocked(Event{
		Type:        EventScheduleFailed,
		State:       c.state,
		CurrentTime: c.currentTime,
		Duration:    c.store.Duration(),
		SegmentIDs:  failed,
	})
}

// stopAllLocked stops every active handle.
// Must be called with lock held.
func (c *Controller) stopAllLocked() {
	scheduler.StopAll(c.store.Segments())
}

// clampPlayheadLocked keeps the playhead within [0, duration] outside playback.
// Must be called with lock held.
func (c *Controller) clampPlayheadLocked() {
	if c.state != StatePlaying {
		c.currentTime = clampTime(c.currentTime, c.store.Duration())
	}
}

func (c *Controller) sendStateLocked() {
	c.sendEventLocked(Event{
		Type:        EventStateChanged,
		State:       c.state,
		CurrentTime: c.currentTime,
		Duration:    c.store.Duration(),
	})
}

func (c *Controller) sendSegmentsLocked(segmentIDs []string) {
	c.sendEventLocked(Event{
		Type:        EventSegmentsChanged,
		State:       c.state,
		CurrentTime: c.currentTime,
		Duration:    c.store.Duration(),
		SegmentIDs:  segmentIDs,
	})
}

// sendEventLocked sends an event without blocking.
// Must be called with lock held.
func (c *Controller) sendEventLocked(e Event) {
	if c.closed {
		return
	}
	select {
	case c.eventCh <- e:
	case <-c.ctx.Done():
	default:
		zlog.Debug().Msgf("playback: event dropped, channel full: type=%s", e.Type)
	}
}

func clampTime(t, duration time.Duration) time.Duration {
	return max(0, min(t, duration))
}

func clampVolume(level float64) float64 {
	if math.IsNaN(level) {
		return 0
	}
	return max(0, min(level, 1))
}

func ids(segs []*segment.Segment) []string {
	result := make([]string, 0, len(segs))
	for _, seg := range segs {
		result = append(result, seg.ID)
	}
	return result
}

func infos(segs []*segment.Segment) []segment.Info {
	result := make([]segment.Info, 0, len(segs))
	for _, seg := range segs {
		result = append(result, seg.Info())
	}
	return result
}
