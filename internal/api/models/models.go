// Package models holds the request and response shapes of the HTTP API.
package models

import (
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/camfeed/internal/stream"
)

// Health check models
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Message string `json:"message" example:"API is healthy" doc:"Status message"`
	Streams int    `json:"streams" example:"3" doc:"Entries in the process table"`
}

type HealthResponse struct {
	Body HealthData
}

// Version models
type VersionData struct {
	Version   string `json:"version" example:"dev" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"abc1234" doc:"Git commit SHA"`
	BuildDate string `json:"build_date" example:"2026-01-27 10:30" doc:"Build timestamp"`
	GoVersion string `json:"go_version" example:"go1.24.0" doc:"Go compiler version"`
	Platform  string `json:"platform" example:"linux/arm64" doc:"Platform"`
}

type VersionResponse struct {
	Body VersionData
}

// ControllerInput selects one controller.
type ControllerInput struct {
	Controller int `path:"controller" example:"1" doc:"Controller id"`
}

// QualityInput selects one quality of a controller.
type QualityInput struct {
	Controller int    `path:"controller" example:"1" doc:"Controller id"`
	Quality    string `path:"quality" example:"primary" doc:"primary, secondary or auxiliary (q1, q2, q3 are accepted)"`
}

// Resolve rejects unknown qualities before the handler runs.
func (i *QualityInput) Resolve(huma.Context) []error {
	return validateQuality(i.Quality)
}

// ParsedQuality returns the validated quality.
func (i *QualityInput) ParsedQuality() stream.Quality {
	q, _ := stream.ParseQuality(i.Quality)
	return q
}

// StreamKeyInput selects one rendition of one camera.
type StreamKeyInput struct {
	Controller int    `path:"controller" example:"1" doc:"Controller id"`
	Camera     int    `path:"camera" example:"5" doc:"Camera id"`
	Quality    string `path:"quality" example:"primary" doc:"primary, secondary or auxiliary (q1, q2, q3 are accepted)"`
}

// Resolve rejects unknown qualities before the handler runs.
func (i *StreamKeyInput) Resolve(huma.Context) []error {
	return validateQuality(i.Quality)
}

// Key returns the stream key named by the path.
func (i *StreamKeyInput) Key() stream.Key {
	q, _ := stream.ParseQuality(i.Quality)
	return stream.Key{Controller: i.Controller, Camera: i.Camera, Quality: q}
}

func validateQuality(s string) []error {
	if _, err := stream.ParseQuality(s); err != nil {
		return []error{&huma.ErrorDetail{
			Location: "path.quality",
			Message:  err.Error(),
			Value:    s,
		}}
	}
	return nil
}

// Stream models
type StreamData struct {
	Key           string    `json:"key" example:"1/5/primary" doc:"Stream key"`
	Controller    int       `json:"controller" example:"1" doc:"Controller id"`
	Camera        int       `json:"camera" example:"5" doc:"Camera id"`
	Quality       string    `json:"quality" example:"primary" doc:"Rendition"`
	Instance      uint64    `json:"instance" example:"12" doc:"Process instance id"`
	PID           int       `json:"pid,omitempty" example:"4321" doc:"Transcoder process id, absent while starting"`
	Running       bool      `json:"running" doc:"Transcoder process has started"`
	Streaming     bool      `json:"streaming" doc:"Transcoder output has been received"`
	Reconfiguring bool      `json:"reconfiguring" doc:"Being replaced with new parameters"`
	Frames        uint64    `json:"frames" example:"1500" doc:"Frames assembled"`
	Discarded     uint64    `json:"discarded_bytes" doc:"Bytes dropped from oversized frames"`
	Buffered      int       `json:"buffered_bytes" doc:"Size of the frame being assembled"`
	Subscribed    bool      `json:"subscribed" doc:"A live subscriber is attached"`
	CreatedAt     time.Time `json:"created_at" doc:"Entry creation time"`
	StartedAt     time.Time `json:"started_at,omitzero" doc:"Process start time"`
}

type StreamListData struct {
	Streams []StreamData `json:"streams" doc:"Process table ordered by key"`
	Count   int          `json:"count" example:"1" doc:"Number of entries"`
}

type StreamListResponse struct {
	Body StreamListData
}

// ActionResponse acknowledges a queued stream operation.
type ActionResponse struct {
	Body struct {
		Message string `json:"message" example:"reconfiguration scheduled" doc:"Operation result message"`
		Streams int    `json:"streams" example:"2" doc:"Number of streams affected"`
	}
}

// CommandData describes the transcoder command of one key
type CommandData struct {
	Key     string   `json:"key" example:"1/5/primary" doc:"Stream key"`
	Path    string   `json:"path" example:"ffmpeg" doc:"Transcoder binary"`
	Args    []string `json:"args" doc:"Argument vector"`
	Command string   `json:"command" example:"ffmpeg -hide_banner ..." doc:"Shell-quoted command line"`
}

type CommandResponse struct {
	Body CommandData
}

// Catalog models
type CameraData struct {
	ID     int    `json:"id" example:"5" doc:"Camera id"`
	Name   string `json:"name,omitempty" example:"Gate" doc:"Display name"`
	HasSub bool   `json:"has_sub_stream" doc:"Camera has a separate sub stream URL"`
}

type ProfileData struct {
	Quality string `json:"quality" example:"primary" doc:"Rendition"`
	Codec   string `json:"codec" example:"mjpeg" doc:"Output codec"`
	FPS     int    `json:"fps,omitempty" example:"15" doc:"Output frame rate"`
	Width   int    `json:"width,omitempty" example:"1280" doc:"Output width"`
	Height  int    `json:"height,omitempty" example:"720" doc:"Output height"`
	Bitrate string `json:"bitrate,omitempty" example:"2M" doc:"Output bitrate"`
}

type ControllerData struct {
	ID       int           `json:"id" example:"1" doc:"Controller id"`
	Name     string        `json:"name,omitempty" example:"North site" doc:"Display name"`
	Profiles []ProfileData `json:"profiles" doc:"Encoding parameters per quality"`
	Cameras  []CameraData  `json:"cameras" doc:"Attached cameras"`
}

type ControllerListResponse struct {
	Body struct {
		Controllers []ControllerData `json:"controllers" doc:"Configured controllers"`
		Count       int              `json:"count" example:"1" doc:"Number of controllers"`
	}
}

// Live subscriber messages. Field names follow the browser client contract.
type StreamStateMessage struct {
	State     string `json:"state" example:"isLoading" doc:"isLoading, isSuccess, isConfiguring or isError"`
	TypeState bool   `json:"typeState" doc:"New value of the flag"`
}

type StreamFluxMessage struct {
	Image string `json:"image" example:"data:image/jpeg;base64,/9j/4AAQ..." doc:"JPEG frame as a data URI"`
}

type StreamErrorMessage struct {
	Message string `json:"message" example:"camera stream 5 stopped" doc:"Error description"`
}
