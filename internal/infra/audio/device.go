package audio

import (
	"math"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/trackline/internal/app/scheduler"
	"github.com/osa030/trackline/internal/domain/segment"
)

// ErrDeviceClosed is returned by the clock and sink once the device is closed.
var ErrDeviceClosed = errors.New("audio device closed")

// Device mixes scheduled voices into a single stereo stream.
// Its clock is the number of frames it has rendered, so start times are sample
// accurate relative to what the output has consumed.
type Device struct {
	mu sync.Mutex

	format  beep.Format
	frame   int // Frames rendered so far
	voices  []*voice
	nextID  uint64
	scratch [][2]float64
	volume  *effects.Volume
	closed  bool
}

type voice struct {
	id         uint64
	segmentID  string
	startFrame int
	src        beep.Streamer
	done       bool
}

// NewDevice creates a device rendering at sampleRate.
func NewDevice(sampleRate int) *Device {
	d := &Device{
		format: beep.Format{SampleRate: beep.SampleRate(sampleRate), NumChannels: 2, Precision: 2},
	}
	d.volume = &effects.Volume{Streamer: mixer{d}, Base: 2, Volume: 0, Silent: false}
	return d
}

// Format returns the output format.
func (d *Device) Format() beep.Format {
	return d.format
}

// Now returns the audio clock.
func (d *Device) Now() (time.Duration, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, ErrDeviceClosed
	}
	return d.format.SampleRate.D(d.frame), nil
}

// Start schedules a slice of a PCM resource to begin at req.When on the clock.
// A start time already in the past begins at the next rendered frame.
func (d *Device) Start(req scheduler.StartRequest) (segment.Handle, error) {
	pcm, ok := req.Resource.(*PCM)
	if !ok {
		return nil, errors.Wrapf(ErrUnsupported, "segment=%s type=%T", req.SegmentID, req.Resource)
	}

	sr := d.format.SampleRate
	from := min(sr.N(req.Offset), pcm.Frames())
	to := min(from+sr.N(req.Remaining), pcm.Frames())
	if to <= from {
		return nil, errors.Newf("nothing to play: segment=%s offset=%v remaining=%v", req.SegmentID, req.Offset, req.Remaining)
	}

	var src beep.Streamer = pcm.buf.Streamer(from, to)
	if req.Rate > 0 && req.Rate != 1 {
		src = beep.ResampleRatio(resampleQuality, req.Rate, src)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrDeviceClosed
	}

	d.nextID++
	v := &voice{
		id:         d.nextID,
		segmentID:  req.SegmentID,
		startFrame: max(sr.N(req.When), d.frame),
		src:        src,
	}
	d.voices = append(d.voices, v)

	zlog.Debug().Msgf("audio: voice scheduled: segment_id=%s voice=%d start_frame=%d frames=%d rate=%.3f",
		req.SegmentID, v.id, v.startFrame, to-from, req.Rate)
	return &voiceHandle{device: d, voice: v}, nil
}

// SetVolume sets the master volume (0..1) using a log2 scale.
func (d *Device) SetVolume(level float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.volume.Volume = levelToVolume(level)
	d.volume.Silent = level <= 0
}

// Voices returns the number of voices that are scheduled or sounding.
func (d *Device) Voices() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.voices)
}

// Stream renders the next len(samples) frames. It never drains.
func (d *Device) Stream(samples [][2]float64) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		clear(samples)
		return len(samples), true
	}
	return d.volume.Stream(samples)
}

// Err implements beep.Streamer.
func (d *Device) Err() error {
	return nil
}

// Close stops every voice and makes the clock unavailable.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	d.voices = nil
	return nil
}

// mixLocked sums all voices overlapping the next len(samples) frames and
// advances the clock. Must be called with lock held.
func (d *Device) mixLocked(samples [][2]float64) {
	clear(samples)

	n := len(samples)
	start := d.frame
	end := start + n

	if cap(d.scratch) < n {
		d.scratch = make([][2]float64, n)
	}

	for _, v := range d.voices {
		if v.done || v.startFrame >= end {
			continue
		}

		offset := max(0, v.startFrame-start)
		buf := d.scratch[:n-offset]
		filled := 0
		for filled < len(buf) {
			k, ok := v.src.Stream(buf[filled:])
			filled += k
			if !ok || k == 0 {
				v.done = true
				break
			}
		}
		for i := 0; i < filled; i++ {
			samples[offset+i][0] += buf[i][0]
			samples[offset+i][1] += buf[i][1]
		}
	}

	d.frame = end
	d.compactLocked()
}

// compactLocked drops finished voices. Must be called with lock held.
func (d *Device) compactLocked() {
	kept := d.voices[:0]
	for _, v := range d.voices {
		if !v.done {
			kept = append(kept, v)
		}
	}
	clear(d.voices[len(kept):])
	d.voices = kept
}

// mixer adapts the device to beep.Streamer underneath the volume effect.
// The device lock is already held when it is called.
type mixer struct {
	d *Device
}

func (m mixer) Stream(samples [][2]float64) (int, bool) {
	m.d.mixLocked(samples)
	return len(samples), true
}

func (m mixer) Err() error {
	return nil
}

type voiceHandle struct {
	device *Device
	voice  *voice
}

// Stop silences the voice. Calling it more than once is safe.
func (h *voiceHandle) Stop() {
	h.device.mu.Lock()
	defer h.device.mu.Unlock()

	if h.voice.done {
		return
	}
	h.voice.done = true
	h.device.compactLocked()
}

// levelToVolume converts a 0.0-1.0 level to beep's Volume value.
// 1.0 -> 0, 0.5 -> -1, 0.25 -> -2, 0 -> -10 (essentially silent)
func levelToVolume(level float64) float64 {
	if level <= 0 {
		return -10
	}
	if level >= 1 {
		return 0
	}
	return math.Log2(level)
}
