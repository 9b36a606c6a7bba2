package audio

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"
	zlog "github.com/rs/zerolog/log"
)

// Output modes.
const (
	OutputSpeaker  = "speaker"
	OutputHeadless = "headless"
)

// Output drives a device at real-time speed.
type Output struct {
	mode   string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// OpenOutput starts pulling audio from d. Mode speaker plays through the system
// audio device; mode headless renders and discards samples on a wall-clock
// schedule so the clock still advances on machines without sound hardware.
func OpenOutput(mode string, d *Device, buffer time.Duration) (*Output, error) {
	sr := d.Format().SampleRate
	o := &Output{mode: mode}

	switch mode {
	case OutputSpeaker:
		if err := speaker.Init(sr, sr.N(buffer)); err != nil {
			return nil, errors.Wrap(err, "failed to initialize speaker")
		}
		speaker.Play(d)
	case OutputHeadless:
		ctx, cancel := context.WithCancel(context.Background())
		o.cancel = cancel
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			pull(ctx, d, sr, buffer)
		}()
	default:
		return nil, errors.Newf("unknown audio output: %s", mode)
	}

	zlog.Info().Msgf("audio: output opened: mode=%s sample_rate=%d buffer=%v", mode, sr, buffer)
	return o, nil
}

// Close stops driving the device.
func (o *Output) Close() error {
	switch o.mode {
	case OutputSpeaker:
		speaker.Clear()
	case OutputHeadless:
		o.cancel()
		o.wg.Wait()
	}
	zlog.Info().Msgf("audio: output closed: mode=%s", o.mode)
	return nil
}

// pull renders as many frames as wall-clock time says are due, one buffer at a time.
func pull(ctx context.Context, d *Device, sr beep.SampleRate, buffer time.Duration) {
	chunk := make([][2]float64, max(1, sr.N(buffer)))
	started := time.Now()
	rendered := 0

	ticker := time.NewTicker(buffer)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due := sr.N(time.Since(started)) - rendered
			for due > 0 {
				n := min(due, len(chunk))
				d.Stream(chunk[:n])
				rendered += n
				due -= n
			}
		}
	}
}
