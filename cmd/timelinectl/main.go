// Package main provides the timeline CLI entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"connectrpc.com/connect"
	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"

	apiconnect "github.com/osa030/trackline/internal/api/connect"
)

var (
	app    = kingpin.New("timelinectl", "trackline timeline client")
	server = app.Flag("server", "Server address").Default("http://localhost:8080").String()
	token  = app.Flag("token", "Control token (or set TRACKLINE_CONTROL_TOKEN env)").Envar("TRACKLINE_CONTROL_TOKEN").String()

	// state command
	stateCmd = app.Command("state", "Show playback state").Alias("status")

	// tracks command
	tracksCmd = app.Command("tracks", "List tracks and their segments").Alias("ls")

	// add-track command
	addTrackCmd  = app.Command("add-track", "Add an empty track")
	addTrackName = addTrackCmd.Arg("name", "Track name").String()

	// rename-track command
	renameTrackCmd  = app.Command("rename-track", "Rename a track")
	renameTrackID   = renameTrackCmd.Arg("track-id", "Track ID").Required().String()
	renameTrackName = renameTrackCmd.Arg("name", "New name").Required().String()

	// remove-track command
	removeTrackCmd = app.Command("remove-track", "Remove a track and its segments")
	removeTrackID  = removeTrackCmd.Arg("track-id", "Track ID").Required().String()

	// clear-track command
	clearTrackCmd = app.Command("clear-track", "Remove every segment from a track")
	clearTrackID  = clearTrackCmd.Arg("track-id", "Track ID").Required().String()

	// upload command
	uploadCmd   = app.Command("upload", "Upload audio files to a track")
	uploadTrack = uploadCmd.Arg("track-id", "Track ID").Required().String()
	uploadFiles = uploadCmd.Arg("files", "Audio files").Required().ExistingFiles()
	uploadStart = uploadCmd.Flag("start", "Start time in seconds for multi-file uploads").Default("0").Float64()

	// move command
	moveCmd     = app.Command("move", "Move a segment")
	moveSegment = moveCmd.Arg("segment-id", "Segment ID").Required().String()
	moveStart   = moveCmd.Arg("start", "New start time in seconds").Required().Float64()
	moveTrack   = moveCmd.Flag("track", "Destination track ID").String()

	// remove-segment command
	removeSegmentCmd = app.Command("remove-segment", "Remove a segment")
	removeSegmentID  = removeSegmentCmd.Arg("segment-id", "Segment ID").Required().String()

	// play command
	playCmd   = app.Command("play", "Start playback")
	playAtSet bool
	playAt    = playCmd.Flag("at", "Start time in seconds").IsSetByUser(&playAtSet).Float64()

	// pause command
	pauseCmd = app.Command("pause", "Pause playback")

	// stop command
	stopCmd = app.Command("stop", "Stop playback and rewind")

	// seek command
	seekCmd  = app.Command("seek", "Move the playhead")
	seekTime = seekCmd.Arg("time", "Time in seconds").Required().Float64()

	// rate command
	rateCmd   = app.Command("rate", "Set the playback rate")
	rateValue = rateCmd.Arg("rate", "Playback rate").Required().Float64()

	// volume command
	volumeCmd   = app.Command("volume", "Set the master volume")
	volumeLevel = volumeCmd.Arg("level", "Volume 0.0-1.0").Required().Float64()

	// active command
	activeCmd     = app.Command("active", "List segments audible at a time")
	activeTimeSet bool
	activeTime    = activeCmd.Flag("time", "Time in seconds (default: playhead)").IsSetByUser(&activeTimeSet).Float64()

	// watch command
	watchCmd = app.Command("watch", "Stream engine notifications")
)

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	// Parse command
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	// Create client
	client := apiconnect.NewTimelineClient(
		http.DefaultClient,
		*server,
		connect.WithInterceptors(apiconnect.NewControlTokenClientInterceptor(*token)),
	)

	ctx := context.Background()

	// Execute command
	switch command {
	case stateCmd.FullCommand():
		printState(call(ctx, client, apiconnect.GetStateProcedure, nil))
	case tracksCmd.FullCommand():
		printTracks(call(ctx, client, apiconnect.ListTracksProcedure, nil))
	case addTrackCmd.FullCommand():
		t := call(ctx, client, apiconnect.AddTrackProcedure, map[string]any{"name": *addTrackName})
		fmt.Printf("Track added: %s (%s)\n", t["id"], t["name"])
	case renameTrackCmd.FullCommand():
		t := call(ctx, client, apiconnect.RenameTrackProcedure, map[string]any{"track_id": *renameTrackID, "name": *renameTrackName})
		fmt.Printf("Track renamed: %s (%s)\n", t["id"], t["name"])
	case removeTrackCmd.FullCommand():
		resp := call(ctx, client, apiconnect.RemoveTrackProcedure, map[string]any{"track_id": *removeTrackID})
		fmt.Printf("Track removed (%v segments)\n", resp["removed_segments"])
	case clearTrackCmd.FullCommand():
		resp := call(ctx, client, apiconnect.ClearTrackProcedure, map[string]any{"track_id": *clearTrackID})
		fmt.Printf("Track cleared (%v segments)\n", resp["removed_segments"])
	case uploadCmd.FullCommand():
		uploadFilesTo(ctx, client, *uploadTrack, *uploadFiles, *uploadStart)
	case moveCmd.FullCommand():
		move(ctx, client)
	case removeSegmentCmd.FullCommand():
		resp := call(ctx, client, apiconnect.RemoveSegmentProcedure, map[string]any{"segment_id": *removeSegmentID})
		printResult(resp["removed"], "Segment removed", "Segment not found")
	case playCmd.FullCommand():
		params := map[string]any{}
		if playAtSet {
			params["at"] = *playAt
		}
		printState(call(ctx, client, apiconnect.PlayProcedure, params))
	case pauseCmd.FullCommand():
		printState(call(ctx, client, apiconnect.PauseProcedure, nil))
	case stopCmd.FullCommand():
		printState(call(ctx, client, apiconnect.StopProcedure, nil))
	case seekCmd.FullCommand():
		printState(call(ctx, client, apiconnect.SeekProcedure, map[string]any{"time": *seekTime}))
	case rateCmd.FullCommand():
		printState(call(ctx, client, apiconnect.SetRateProcedure, map[string]any{"rate": *rateValue}))
	case volumeCmd.FullCommand():
		resp := call(ctx, client, apiconnect.SetVolumeProcedure, map[string]any{"level": *volumeLevel})
		fmt.Printf("Volume: %.2f\n", resp["volume"])
	case activeCmd.FullCommand():
		params := map[string]any{}
		if activeTimeSet {
			params["time"] = *activeTime
		}
		resp := call(ctx, client, apiconnect.ActiveSegmentsProcedure, params)
		fmt.Printf("Active at %.3fs:\n", resp["time"])
		printSegments(resp["segments"], "  ")
	case watchCmd.FullCommand():
		watch(client)
	}
}

// call invokes a procedure and exits on error.
func call(ctx context.Context, client *apiconnect.TimelineClient, procedure string, params map[string]any) map[string]any {
	resp, err := client.Call(ctx, procedure, params)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	return resp
}

func uploadFilesTo(ctx context.Context, client *apiconnect.TimelineClient, trackID string, paths []string, start float64) {
	files := make([]any, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		files = append(files, map[string]any{"name": filepath.Base(path), "data": data})
	}

	if len(files) == 1 {
		params := files[0].(map[string]any)
		params["track_id"] = trackID
		seg := call(ctx, client, apiconnect.UploadProcedure, params)
		fmt.Println("Uploaded:")
		printSegments([]any{seg}, "  ")
		return
	}

	resp := call(ctx, client, apiconnect.UploadBatchProcedure, map[string]any{
		"track_id": trackID,
		"start":    start,
		"files":    files,
	})
	fmt.Println("Uploaded:")
	printSegments(resp["segments"], "  ")
	if failures, ok := resp["failures"].([]any); ok && len(failures) > 0 {
		fmt.Println("Failed:")
		for _, f := range failures {
			m := f.(map[string]any)
			fmt.Printf("  %s: %s\n", m["name"], m["error"])
		}
	}
}

func move(ctx context.Context, client *apiconnect.TimelineClient) {
	params := map[string]any{"segment_id": *moveSegment, "start": *moveStart}
	procedure := apiconnect.MoveSegmentProcedure
	if *moveTrack != "" {
		params["track_id"] = *moveTrack
		procedure = apiconnect.MoveSegmentToTrackProcedure
	}
	resp := call(ctx, client, procedure, params)
	printResult(resp["accepted"], "Segment moved", "Move rejected (overlap or invalid position)")
}

func watch(client *apiconnect.TimelineClient) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stream, err := client.Subscribe(ctx)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer stream.Close()

	for stream.Receive() {
		n := stream.Msg().AsMap()
		fmt.Printf("[%v] #%v %-15s state=%-8v time=%.3f/%.3f",
			n["timestamp"], n["sequence_no"], n["kind"], n["state"], n["current_time"], n["duration"])
		if id, _ := n["track_id"].(string); id != "" {
			fmt.Printf(" track=%s", id)
		}
		if ids, ok := n["segment_ids"].([]any); ok && len(ids) > 0 {
			fmt.Printf(" segments=%v", ids)
		}
		fmt.Println()
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func printState(s map[string]any) {
	fmt.Println("\n=== PLAYBACK STATE ===")
	fmt.Printf("State: %s\n", formatState(s["state"]))
	fmt.Printf("Position: %.3fs / %.3fs\n", s["current_time"], s["duration"])
	fmt.Printf("Rate: %.2fx\n", s["playback_rate"])
	fmt.Printf("Volume: %.2f\n", s["volume"])
	if n, ok := s["subscribers"]; ok {
		fmt.Printf("Subscribers: %v\n", n)
	}
	fmt.Println("\nSegments:")
	printSegments(s["segments"], "  ")
	fmt.Println()
}

func printTracks(resp map[string]any) {
	tracks, _ := resp["tracks"].([]any)
	fmt.Printf("Tracks (%d):\n", len(tracks))
	for _, t := range tracks {
		m := t.(map[string]any)
		fmt.Printf("  %s: %s (created: %s)\n", m["id"], m["name"], m["created_at"])
		printSegments(m["segments"], "    ")
	}
}

func printSegments(v any, indent string) {
	segs, _ := v.([]any)
	if len(segs) == 0 {
		fmt.Printf("%s(none)\n", indent)
		return
	}
	for _, s := range segs {
		m := s.(map[string]any)
		marker := " "
		if active, _ := m["active"].(bool); active {
			marker = "*"
		}
		fmt.Printf("%s%s %s  %s  [%.3f - %.3f) %.3fs\n", indent, marker, m["id"], m["name"], m["start_time"], m["end_time"], m["duration"])
	}
}

func printResult(ok any, success, failure string) {
	if b, _ := ok.(bool); b {
		fmt.Println(success)
		return
	}
	fmt.Printf("Failed: %s\n", failure)
}

func formatState(state any) string {
	switch state {
	case "playing":
		return "▶  Playing"
	case "paused":
		return "⏸  Paused"
	case "stopped":
		return "⏹  Stopped"
	default:
		return "❓ Unknown"
	}
}
