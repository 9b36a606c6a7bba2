// Package upload decodes uploaded audio off the controller lock and places the
// result on the timeline.
package upload

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/osa030/trackline/internal/app/playback"
	"github.com/osa030/trackline/internal/domain/segment"
)

// Errors
var (
	ErrDecode       = errors.New("failed to decode audio")
	ErrUnknownTrack = errors.New("track not found")
	ErrTooLarge     = errors.New("upload exceeds size limit")
)

// Decoder converts encoded bytes into a playable resource.
type Decoder interface {
	Decode(ctx context.Context, data []byte) (segment.Resource, error)
}

// Placer puts decoded resources on the timeline. *playback.Controller implements it.
type Placer interface {
	TrackEpoch(trackID string) uint64
	PlaceUpload(trackID string, epoch uint64, clip segment.Clip) (segment.Info, error)
	PlaceUploadBatch(trackID string, epoch uint64, clips []segment.Clip, start time.Duration) ([]segment.Info, error)
}

// TrackChecker reports whether a track is registered.
type TrackChecker interface {
	HasTrack(trackID string) bool
}

// File is one item of an upload.
type File struct {
	Name string
	Data []byte
}

// Failure records a file that was not placed.
type Failure struct {
	Name string
	Err  error
}

// BatchResult is the outcome of a batch upload.
type BatchResult struct {
	Segments []segment.Info
	Failures []Failure
}

// Config holds uploader configuration.
type Config struct {
	MaxParallelDecodes int
	MaxBytes           int64
}

// Service decodes and places uploads.
type Service struct {
	decoder Decoder
	placer  Placer
	tracks  TrackChecker
	config  Config
}

// NewService creates a new upload service.
func NewService(config Config, decoder Decoder, placer Placer, tracks TrackChecker) *Service {
	if config.MaxParallelDecodes < 1 {
		config.MaxParallelDecodes = 1
	}
	return &Service{
		decoder: decoder,
		placer:  placer,
		tracks:  tracks,
		config:  config,
	}
}

// Upload decodes one file and places it at the end of the track, or at the
// playhead when the track is empty. The result is discarded with
// playback.ErrStaleUpload if the track is removed while decoding.
func (s *Service) Upload(ctx context.Context, trackID string, file File) (segment.Info, error) {
	epoch, err := s.begin(trackID, file)
	if err != nil {
		return segment.Info{}, err
	}

	res, err := s.decode(ctx, file)
	if err != nil {
		return segment.Info{}, err
	}

	if !s.tracks.HasTrack(trackID) {
		return segment.Info{}, errors.Wrapf(playback.ErrStaleUpload, "track=%s removed", trackID)
	}

	info, err := s.placer.PlaceUpload(trackID, epoch, segment.Clip{Name: file.Name, Resource: res})
	if err != nil {
		zlog.Warn().Err(err).Msgf("upload: placement failed: track=%s file=%s", trackID, file.Name)
		return segment.Info{}, err
	}

	zlog.Info().Msgf("upload: placed: track=%s file=%s segment_id=%s start=%v duration=%v",
		trackID, file.Name, info.ID, info.StartTime, info.Duration)
	return info, nil
}

// UploadBatch decodes files in parallel and places the decodable ones back to
// back starting at the later of start and the end of the track. Files that fail
// to decode are reported and skipped.
func (s *Service) UploadBatch(ctx context.Context, trackID string, files []File, start time.Duration) (BatchResult, error) {
	if !s.tracks.HasTrack(trackID) {
		return BatchResult{}, errors.Wrapf(ErrUnknownTrack, "track=%s", trackID)
	}
	epoch := s.placer.TrackEpoch(trackID)

	resources := make([]segment.Resource, len(files))
	var (
		mu       sync.Mutex
		failures []Failure
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.MaxParallelDecodes)
	for i, file := range files {
		g.Go(func() error {
			if err := s.checkSize(file); err != nil {
				mu.Lock()
				failures = append(failures, Failure{Name: file.Name, Err: err})
				mu.Unlock()
				return nil
			}
			res, err := s.decode(gctx, file)
			if err != nil {
				// Cancellation aborts the batch, anything else skips the file
				if gctx.Err() != nil {
					return gctx.Err()
				}
				mu.Lock()
				failures = append(failures, Failure{Name: file.Name, Err: err})
				mu.Unlock()
				return nil
			}
			resources[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BatchResult{}, errors.Wrap(err, "batch upload cancelled")
	}

	decoded := make([]segment.Clip, 0, len(resources))
	for i, res := range resources {
		if res != nil {
			decoded = append(decoded, segment.Clip{Name: files[i].Name, Resource: res})
		}
	}

	result := BatchResult{Failures: failures}
	if len(decoded) == 0 {
		return result, nil
	}

	if !s.tracks.HasTrack(trackID) {
		return BatchResult{}, errors.Wrapf(playback.ErrStaleUpload, "track=%s removed", trackID)
	}

	infos, err := s.placer.PlaceUploadBatch(trackID, epoch, decoded, start)
	if err != nil {
		return BatchResult{}, err
	}
	result.Segments = infos

	zlog.Info().Msgf("upload: batch placed: track=%s placed=%d failed=%d", trackID, len(infos), len(failures))
	return result, nil
}

// begin validates the request and captures the track epoch before decoding.
func (s *Service) begin(trackID string, file File) (uint64, error) {
	if !s.tracks.HasTrack(trackID) {
		return 0, errors.Wrapf(ErrUnknownTrack, "track=%s", trackID)
	}
	if err := s.checkSize(file); err != nil {
		return 0, err
	}
	return s.placer.TrackEpoch(trackID), nil
}

func (s *Service) checkSize(file File) error {
	if s.config.MaxBytes > 0 && int64(len(file.Data)) > s.config.MaxBytes {
		return errors.Wrapf(ErrTooLarge, "file=%s size=%d max=%d", file.Name, len(file.Data), s.config.MaxBytes)
	}
	return nil
}

func (s *Service) decode(ctx context.Context, file File) (segment.Resource, error) {
	res, err := s.decoder.Decode(ctx, file.Data)
	if err != nil {
		zlog.Error().Err(err).Msgf("upload: decode failed: file=%s size=%d", file.Name, len(file.Data))
		return nil, errors.Mark(errors.Wrapf(err, "file=%s", file.Name), ErrDecode)
	}
	return res, nil
}
