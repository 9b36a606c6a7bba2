// Package audio provides the beep-based decode service, audio device and output driver.
package audio

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/vorbis"
	"github.com/gopxl/beep/v2/wav"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/trackline/internal/domain/segment"
)

// resampleQuality is the beep resampler quality used for format conversion.
const resampleQuality = 4

// Errors
var (
	ErrEmptyAudio  = errors.New("audio contains no samples")
	ErrUnsupported = errors.New("unsupported audio resource")
)

// Container identifies the encoded format of an upload.
type Container string

const (
	ContainerWAV    Container = "wav"
	ContainerFLAC   Container = "flac"
	ContainerVorbis Container = "vorbis"
	ContainerMP3    Container = "mp3"
)

// Sniff detects the container from the leading magic bytes.
// Anything unrecognized is assumed to be MP3, which has no reliable magic.
func Sniff(data []byte) Container {
	switch {
	case bytes.HasPrefix(data, []byte("RIFF")):
		return ContainerWAV
	case bytes.HasPrefix(data, []byte("fLaC")):
		return ContainerFLAC
	case bytes.HasPrefix(data, []byte("OggS")):
		return ContainerVorbis
	default:
		return ContainerMP3
	}
}

// PCM is fully decoded audio held in memory at the device sample rate.
type PCM struct {
	buf *beep.Buffer
}

// NewPCM wraps a buffer as a playable resource.
func NewPCM(buf *beep.Buffer) *PCM {
	return &PCM{buf: buf}
}

// Duration returns the playback length at rate 1.
func (p *PCM) Duration() time.Duration {
	return p.buf.Format().SampleRate.D(p.buf.Len())
}

// Frames returns the number of sample frames.
func (p *PCM) Frames() int {
	return p.buf.Len()
}

// Format returns the sample format.
func (p *PCM) Format() beep.Format {
	return p.buf.Format()
}

// Decoder turns encoded bytes into PCM at a fixed sample rate.
type Decoder struct {
	sampleRate beep.SampleRate
}

// NewDecoder creates a decoder producing PCM at sampleRate.
func NewDecoder(sampleRate int) *Decoder {
	return &Decoder{sampleRate: beep.SampleRate(sampleRate)}
}

// Decode decodes data completely. Sources at another sample rate are resampled
// to the decoder's rate. The returned resource is a *PCM.
func (d *Decoder) Decode(ctx context.Context, data []byte) (segment.Resource, error) {
	container := Sniff(data)
	r := bytes.NewReader(data)

	var (
		streamer beep.StreamSeekCloser
		format   beep.Format
		err      error
	)
	switch container {
	case ContainerWAV:
		streamer, format, err = wav.Decode(r)
	case ContainerFLAC:
		streamer, format, err = flac.Decode(r)
	case ContainerVorbis:
		streamer, format, err = vorbis.Decode(io.NopCloser(r))
	default:
		streamer, format, err = mp3.Decode(io.NopCloser(r))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s stream", container)
	}
	defer streamer.Close()

	var src beep.Streamer = streamer
	if format.SampleRate != d.sampleRate {
		src = beep.Resample(resampleQuality, format.SampleRate, d.sampleRate, streamer)
	}

	buf := beep.NewBuffer(beep.Format{SampleRate: d.sampleRate, NumChannels: 2, Precision: 2})
	buf.Append(&contextStreamer{ctx: ctx, Streamer: src})

	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "decode cancelled")
	}
	if err := streamer.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s stream", container)
	}
	if buf.Len() == 0 {
		return nil, ErrEmptyAudio
	}

	pcm := NewPCM(buf)
	zlog.Debug().Msgf("audio: decoded: container=%s source_rate=%d frames=%d duration=%v",
		container, format.SampleRate, pcm.Frames(), pcm.Duration())
	return pcm, nil
}

// contextStreamer ends the stream once ctx is done.
type contextStreamer struct {
	beep.Streamer
	ctx context.Context
}

func (s *contextStreamer) Stream(samples [][2]float64) (int, bool) {
	if s.ctx.Err() != nil {
		return 0, false
	}
	return s.Streamer.Stream(samples)
}
