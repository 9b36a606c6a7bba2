// Package scheduler issues per-segment start commands against the audio clock.
package scheduler

import (
	"math"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/trackline/internal/domain/segment"
)

// minRate guards the future-start division against zero or negative rates.
const minRate = 0.0001

// ErrSinkRejected is the cause recorded when a sink refuses a start command.
var ErrSinkRejected = errors.New("audio sink rejected segment")

// StartRequest is a single start command for the audio sink.
type StartRequest struct {
	SegmentID string
	Resource  segment.Resource
	Offset    time.Duration // Position inside the resource to start from
	Remaining time.Duration // Resource time left to play from Offset
	Rate      float64       // Playback rate multiplier
	When      time.Duration // Start time on the audio clock
}

// Sink accepts start commands and returns a handle for each started instance.
type Sink interface {
	Start(req StartRequest) (segment.Handle, error)
}

// Failure records a segment that could not be scheduled.
type Failure struct {
	SegmentID string
	Err       error
}

// Result summarizes a scheduling pass.
type Result struct {
	Scheduled int
	Skipped   int // Segments already finished relative to the playhead
	Failures  []Failure
}

// StopAll stops every active handle and returns how many were stopped.
// Segments without a handle are ignored, so calling it repeatedly is safe.
func StopAll(segments map[string]*segment.Segment) int {
	stopped := 0
	for _, seg := range segments {
		if seg.Handle != nil {
			seg.StopHandle()
			stopped++
		}
	}
	return stopped
}

// Schedule stops all active handles, then starts every loaded segment relative to
// playhead. Segments that start before or at the playhead begin at now with an
// offset; later ones are scheduled into the future on the audio clock. A failure
// on one segment is logged and does not prevent the others from being scheduled.
func Schedule(sink Sink, segments map[string]*segment.Segment, now, playhead time.Duration, rate float64) Result {
	StopAll(segments)

	var result Result
	for _, seg := range ordered(segments) {
		if !seg.Loaded || seg.Resource == nil {
			continue
		}

		req, ok := plan(seg, now, playhead, rate)
		if !ok {
			seg.Handle = nil
			result.Skipped++
			continue
		}

		handle, err := sink.Start(req)
		if err != nil || handle == nil {
			if err == nil {
				err = ErrSinkRejected
			}
			zlog.Error().Err(err).Msgf("scheduler: failed to schedule segment: segment_id=%s track_id=%s when=%v offset=%v",
				seg.ID, seg.TrackID, req.When, req.Offset)
			seg.Handle = nil
			result.Failures = append(result.Failures, Failure{SegmentID: seg.ID, Err: err})
			continue
		}

		seg.Handle = handle
		result.Scheduled++
	}

	zlog.Debug().Msgf("scheduler: pass complete: playhead=%v rate=%.3f scheduled=%d skipped=%d failed=%d",
		playhead, rate, result.Scheduled, result.Skipped, len(result.Failures))
	return result
}

// plan computes the start command for seg. It returns false when the segment has
// already finished relative to playhead.
func plan(seg *segment.Segment, now, playhead time.Duration, rate float64) (StartRequest, bool) {
	offset := max(0, playhead-seg.StartTime)
	remaining := seg.Duration - offset
	if remaining <= 0 {
		return StartRequest{}, false
	}

	when := now
	if seg.StartTime > playhead {
		wait := float64(seg.StartTime-playhead) / math.Max(minRate, rate)
		when = now + time.Duration(wait)
	}

	return StartRequest{
		SegmentID: seg.ID,
		Resource:  seg.Resource,
		Offset:    offset,
		Remaining: remaining,
		Rate:      rate,
		When:      when,
	}, true
}

// ordered returns segments sorted by start time then ID so passes are deterministic.
func ordered(segments map[string]*segment.Segment) []*segment.Segment {
	result := make([]*segment.Segment, 0, len(segments))
	for _, seg := range segments {
		result = append(result, seg)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].StartTime != result[j].StartTime {
			return result[i].StartTime < result[j].StartTime
		}
		return result[i].ID < result[j].ID
	})
	return result
}
