package playback

import (
	"context"
	"time"

	zlog "github.com/rs/zerolog/log"
)

// Ticker runs fn periodically until the returned cancel function is called.
// Cancel must be idempotent and must not block on a running fn.
type Ticker interface {
	Start(interval time.Duration, fn func()) (cancel func())
}

// IntervalTicker is a Ticker backed by time.Ticker on its own goroutine.
type IntervalTicker struct{}

// Start implements Ticker.
func (IntervalTicker) Start(interval time.Duration, fn func()) func() {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()

	return cancel
}

// startTrackerLocked replaces the running tracker loop with a new one.
// Must be called with lock held.
func (c *Controller) startTrackerLocked() {
	c.stopTrackerLocked()

	c.trackerPass++
	pass := c.trackerPass
	c.trackerCancel = c.ticker.Start(c.config.TrackerInterval, func() {
		c.onTick(pass)
	})
}

// stopTrackerLocked cancels the running tracker loop, if any.
// Must be called with lock held.
func (c *Controller) stopTrackerLocked() {
	if c.trackerCancel != nil {
		c.trackerCancel()
		c.trackerCancel = nil
	}
}

// onTick samples the audio clock and republishes the playhead.
func (c *Controller) onTick(pass uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A tick from a replaced or cancelled loop
	if pass != c.trackerPass || c.trackerCancel == nil || c.state != StatePlaying {
		return
	}

	now, err := c.clock.Now()
	if err != nil {
		zlog.Warn().Err(err).Msgf("playback: tracker skipped tick: pass=%d", pass)
		return
	}

	pos := c.positionAtLocked(now)
	duration := c.store.Duration()
	if pos >= duration {
		zlog.Debug().Msgf("playback: reached end of timeline: position=%v duration=%v", pos, duration)
		c.endLocked()
		return
	}

	c.currentTime = pos
	if released := c.releaseFinishedLocked(pos); len(released) > 0 {
		c.sendSegmentsLocked(released)
	}
	if c.config.PositionInterval <= 0 || now-c.lastPositionEvent >= c.config.PositionInterval {
		c.lastPositionEvent = now
		c.sendEventLocked(Event{
			Type:        EventPosition,
			State:       c.state,
			CurrentTime: c.currentTime,
			Duration:    duration,
		})
	}
}

// releaseFinishedLocked clears the handles of segments that ended at or before pos
// and returns their IDs. Must be called with lock held.
func (c *Controller) releaseFinishedLocked(pos time.Duration) []string {
	var released []string
	for _, seg := range c.store.Segments() {
		if seg.Handle != nil && seg.EndTime <= pos {
			seg.StopHandle()
			released = append(released, seg.ID)
		}
	}
	if len(released) > 0 {
		zlog.Debug().Msgf("playback: released finished segments: count=%d position=%v", len(released), pos)
	}
	return released
}

// positionAtLocked derives the playhead from the anchor for the clock reading now.
// Must be called with lock held.
func (c *Controller) positionAtLocked(now time.Duration) time.Duration {
	elapsed := now - c.anchorClock
	return c.anchorPlayhead + time.Duration(float64(elapsed)*c.rate)
}

// endLocked performs the end-of-timeline transition.
// Must be called with lock held.
func (c *Controller) endLocked() {
	c.stopTrackerLocked()
	c.stopAllLocked()
	c.state = StateStopped
	c.currentTime = 0

	c.sendEventLocked(Event{
		Type:     EventEnded,
		State:    c.state,
		Duration: c.store.Duration(),
	})
	c.sendStateLocked()
}
