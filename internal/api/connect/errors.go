package connect

import (
	"context"

	"connectrpc.com/connect"
	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/trackline/internal/app/placement"
	"github.com/osa030/trackline/internal/app/playback"
	"github.com/osa030/trackline/internal/app/session"
	"github.com/osa030/trackline/internal/app/session/registry"
	"github.com/osa030/trackline/internal/app/timeline"
	"github.com/osa030/trackline/internal/app/upload"
)

// errorCodes maps engine errors to Connect codes. The first match wins.
var errorCodes = []struct {
	err  error
	code connect.Code
}{
	{ErrInvalidParams, connect.CodeInvalidArgument},
	{context.Canceled, connect.CodeCanceled},
	{context.DeadlineExceeded, connect.CodeDeadlineExceeded},
	{registry.ErrTrackNotFound, connect.CodeNotFound},
	{upload.ErrUnknownTrack, connect.CodeNotFound},
	{timeline.ErrNotFound, connect.CodeNotFound},
	{upload.ErrDecode, connect.CodeInvalidArgument},
	{upload.ErrTooLarge, connect.CodeResourceExhausted},
	{playback.ErrInvalidRate, connect.CodeInvalidArgument},
	{timeline.ErrInvalidPlacement, connect.CodeInvalidArgument},
	{timeline.ErrOverlap, connect.CodeFailedPrecondition},
	{placement.ErrRejected, connect.CodeFailedPrecondition},
	{playback.ErrEmptyTimeline, connect.CodeFailedPrecondition},
	{playback.ErrStaleUpload, connect.CodeAborted},
	{playback.ErrStaleTrack, connect.CodeAborted},
	{playback.ErrClockUnavailable, connect.CodeUnavailable},
	{playback.ErrClosed, connect.CodeUnavailable},
	{session.ErrSessionClosed, connect.CodeUnavailable},
}

// toConnectError wraps err with the Connect code matching its cause.
func toConnectError(procedure string, err error) error {
	for _, m := range errorCodes {
		if errors.Is(err, m.err) {
			zlog.Debug().Err(err).Msgf("rpc: request failed: procedure=%s code=%s", procedure, m.code)
			return connect.NewError(m.code, err)
		}
	}
	zlog.Error().Err(err).Msgf("rpc: request failed: procedure=%s", procedure)
	return connect.NewError(connect.CodeInternal, err)
}
