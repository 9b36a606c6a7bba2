package connect

import (
	"context"
	"net/http"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"
)

type unaryMethod func(context.Context, *Request) (*Response, error)

// NewTimelineServiceHandler builds an HTTP handler serving every TimelineService
// procedure. It returns the path on which to mount the handler.
func NewTimelineServiceHandler(svc *TimelineService, opts ...connect.HandlerOption) (string, http.Handler) {
	unary := map[string]unaryMethod{
		GetStateProcedure:           svc.GetState,
		ListTracksProcedure:         svc.ListTracks,
		AddTrackProcedure:           svc.AddTrack,
		RenameTrackProcedure:        svc.RenameTrack,
		RemoveTrackProcedure:        svc.RemoveTrack,
		ClearTrackProcedure:         svc.ClearTrack,
		UploadProcedure:             svc.Upload,
		UploadBatchProcedure:        svc.UploadBatch,
		MoveSegmentProcedure:        svc.MoveSegment,
		MoveSegmentToTrackProcedure: svc.MoveSegmentToTrack,
		RemoveSegmentProcedure:      svc.RemoveSegment,
		PlayProcedure:               svc.Play,
		PauseProcedure:              svc.Pause,
		StopProcedure:               svc.Stop,
		SeekProcedure:               svc.Seek,
		SetRateProcedure:            svc.SetRate,
		SetVolumeProcedure:          svc.SetVolume,
		ActiveSegmentsProcedure:     svc.ActiveSegments,
	}

	mux := http.NewServeMux()
	for procedure, method := range unary {
		mux.Handle(procedure, connect.NewUnaryHandler[structpb.Struct, structpb.Struct](procedure, method, opts...))
	}
	mux.Handle(SubscribeProcedure, connect.NewServerStreamHandler[structpb.Struct, structpb.Struct](SubscribeProcedure, svc.Subscribe, opts...))

	return "/" + TimelineServiceName + "/", mux
}

// TimelineClient calls TimelineService procedures.
type TimelineClient struct {
	httpClient connect.HTTPClient
	baseURL    string
	opts       []connect.ClientOption
}

// NewTimelineClient creates a client for the server at baseURL.
func NewTimelineClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *TimelineClient {
	return &TimelineClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		opts:       opts,
	}
}

// Call invokes a unary procedure with params and returns the response fields.
func (c *TimelineClient) Call(ctx context.Context, procedure string, params map[string]any) (map[string]any, error) {
	msg, err := structpb.NewStruct(params)
	if err != nil {
		return nil, err
	}

	client := connect.NewClient[structpb.Struct, structpb.Struct](c.httpClient, c.baseURL+procedure, c.opts...)
	resp, err := client.CallUnary(ctx, connect.NewRequest(msg))
	if err != nil {
		return nil, err
	}
	return resp.Msg.AsMap(), nil
}

// Subscribe opens the notification stream.
func (c *TimelineClient) Subscribe(ctx context.Context) (*connect.ServerStreamForClient[structpb.Struct], error) {
	client := connect.NewClient[structpb.Struct, structpb.Struct](c.httpClient, c.baseURL+SubscribeProcedure, c.opts...)
	return client.CallServerStream(ctx, connect.NewRequest(&structpb.Struct{}))
}
