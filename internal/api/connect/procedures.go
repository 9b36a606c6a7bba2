// Package connect provides Connect RPC service implementations.
package connect

const (
	// TimelineServiceName is the fully-qualified name of the TimelineService service.
	TimelineServiceName = "trackline.v1.TimelineService"
)

// Fully-qualified procedure names. Every message is a google.protobuf.Struct.
const (
	GetStateProcedure           = "/trackline.v1.TimelineService/GetState"
	ListTracksProcedure         = "/trackline.v1.TimelineService/ListTracks"
	AddTrackProcedure           = "/trackline.v1.TimelineService/AddTrack"
	RenameTrackProcedure        = "/trackline.v1.TimelineService/RenameTrack"
	RemoveTrackProcedure        = "/trackline.v1.TimelineService/RemoveTrack"
	ClearTrackProcedure         = "/trackline.v1.TimelineService/ClearTrack"
	UploadProcedure             = "/trackline.v1.TimelineService/Upload"
	UploadBatchProcedure        = "/trackline.v1.TimelineService/UploadBatch"
	MoveSegmentProcedure        = "/trackline.v1.TimelineService/MoveSegment"
	MoveSegmentToTrackProcedure = "/trackline.v1.TimelineService/MoveSegmentToTrack"
	RemoveSegmentProcedure      = "/trackline.v1.TimelineService/RemoveSegment"
	PlayProcedure               = "/trackline.v1.TimelineService/Play"
	PauseProcedure              = "/trackline.v1.TimelineService/Pause"
	StopProcedure               = "/trackline.v1.TimelineService/Stop"
	SeekProcedure               = "/trackline.v1.TimelineService/Seek"
	SetRateProcedure            = "/trackline.v1.TimelineService/SetRate"
	SetVolumeProcedure          = "/trackline.v1.TimelineService/SetVolume"
	ActiveSegmentsProcedure     = "/trackline.v1.TimelineService/ActiveSegments"
	SubscribeProcedure          = "/trackline.v1.TimelineService/Subscribe"
)

// readOnlyProcedures do not require the control token.
var readOnlyProcedures = map[string]bool{
	GetStateProcedure:       true,
	ListTracksProcedure:     true,
	ActiveSegmentsProcedure: true,
	SubscribeProcedure:      true,
}

// IsReadOnly reports whether procedure leaves the timeline unchanged.
func IsReadOnly(procedure string) bool {
	return readOnlyProcedures[procedure]
}
