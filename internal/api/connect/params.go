package connect

import (
	"encoding/base64"
	"reflect"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/osa030/trackline/internal/app/notification"
	"github.com/osa030/trackline/internal/app/playback"
	"github.com/osa030/trackline/internal/app/session"
	"github.com/osa030/trackline/internal/domain/segment"
)

// ErrInvalidParams is returned when a request message does not match the procedure.
var ErrInvalidParams = errors.New("invalid request parameters")

var validate = validator.New()

// Request parameters. Times are in seconds.
type (
	trackParams struct {
		TrackID string `mapstructure:"track_id" validate:"required"`
	}

	addTrackParams struct {
		Name string `mapstructure:"name"`
	}

	renameTrackParams struct {
		TrackID string `mapstructure:"track_id" validate:"required"`
		Name    string `mapstructure:"name" validate:"required"`
	}

	fileParams struct {
		Name string `mapstructure:"name" default:"upload"`
		Data []byte `mapstructure:"data" validate:"required"`
	}

	uploadParams struct {
		TrackID string `mapstructure:"track_id" validate:"required"`
		Name    string `mapstructure:"name" default:"upload"`
		Data    []byte `mapstructure:"data" validate:"required"`
	}

	uploadBatchParams struct {
		TrackID string       `mapstructure:"track_id" validate:"required"`
		Start   float64      `mapstructure:"start" validate:"gte=0"`
		Files   []fileParams `mapstructure:"files" validate:"required,min=1,dive"`
	}

	moveParams struct {
		SegmentID string  `mapstructure:"segment_id" validate:"required"`
		TrackID   string  `mapstructure:"track_id"`
		Start     float64 `mapstructure:"start" validate:"gte=0"`
	}

	segmentParams struct {
		SegmentID string `mapstructure:"segment_id" validate:"required"`
	}

	playParams struct {
		At *float64 `mapstructure:"at" validate:"omitempty,gte=0"`
	}

	seekParams struct {
		Time float64 `mapstructure:"time" validate:"gte=0"`
	}

	rateParams struct {
		Rate float64 `mapstructure:"rate" validate:"gt=0"`
	}

	volumeParams struct {
		Level float64 `mapstructure:"level" validate:"gte=0,lte=1"`
	}

	activeParams struct {
		Time *float64 `mapstructure:"time" validate:"omitempty,gte=0"`
	}
)

// decodeParams decodes a request message into out, applies defaults and validates it.
func decodeParams(msg *structpb.Struct, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook:       base64Hook,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create decoder")
	}

	if err := decoder.Decode(msg.AsMap()); err != nil {
		return errors.Mark(errors.Wrap(err, "failed to decode params"), ErrInvalidParams)
	}

	if err := defaults.Set(out); err != nil {
		return errors.Wrap(err, "failed to set defaults")
	}

	if err := validate.Struct(out); err != nil {
		return errors.Mark(errors.Wrap(err, "validation failed"), ErrInvalidParams)
	}
	return nil
}

// base64Hook decodes base64 strings into byte slices, matching how
// google.protobuf.Value carries binary data.
func base64Hook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf([]byte(nil)) {
		return data, nil
	}
	return base64.StdEncoding.DecodeString(data.(string))
}

func seconds(d time.Duration) float64 {
	return d.Seconds()
}

func fromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func segmentValue(info segment.Info) map[string]any {
	return map[string]any{
		"id":         info.ID,
		"track_id":   info.TrackID,
		"name":       info.Name,
		"start_time": seconds(info.StartTime),
		"duration":   seconds(info.Duration),
		"end_time":   seconds(info.EndTime),
		"loaded":     info.Loaded,
		"active":     info.Active,
	}
}

func segmentList(infos []segment.Info) []any {
	list := make([]any, 0, len(infos))
	for _, info := range infos {
		list = append(list, segmentValue(info))
	}
	return list
}

func snapshotValue(snap playback.Snapshot) map[string]any {
	return map[string]any{
		"state":         snap.State.String(),
		"is_playing":    snap.IsPlaying,
		"current_time":  seconds(snap.CurrentTime),
		"duration":      seconds(snap.Duration),
		"playback_rate": snap.PlaybackRate,
		"volume":        snap.Volume,
		"segments":      segmentList(snap.Segments),
	}
}

func trackValue(view session.TrackView) map[string]any {
	return map[string]any{
		"id":         view.ID,
		"name":       view.Name,
		"created_at": view.CreatedAt.Format(time.RFC3339),
		"segments":   segmentList(view.Segments),
	}
}

func trackList(views []session.TrackView) []any {
	list := make([]any, 0, len(views))
	for _, view := range views {
		list = append(list, trackValue(view))
	}
	return list
}

func notificationValue(n *notification.Notification) map[string]any {
	ids := make([]any, 0, len(n.SegmentIDs))
	for _, id := range n.SegmentIDs {
		ids = append(ids, id)
	}
	return map[string]any{
		"sequence_no":  float64(n.SequenceNo),
		"kind":         string(n.Kind),
		"state":        n.State,
		"current_time": seconds(n.CurrentTime),
		"duration":     seconds(n.Duration),
		"segment_ids":  ids,
		"track_id":     n.TrackID,
		"timestamp":    n.Timestamp.Format(time.RFC3339Nano),
	}
}

// newStruct converts a response map into a message.
func newStruct(fields map[string]any) (*structpb.Struct, error) {
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build response")
	}
	return msg, nil
}
