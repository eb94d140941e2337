package models

import "time"

// RecordingFormat tags the container an artifact was encoded into.
type RecordingFormat string

const (
	FormatMP4 RecordingFormat = "mp4"
	FormatGIF RecordingFormat = "gif"
)

// FrameRef is bookkeeping for one captured frame saved to temp storage.
type FrameRef struct {
	Filename    string    `json:"filename"`
	FrameNumber int       `json:"frame_number"`
	Timestamp   time.Time `json:"timestamp"`
}

// RecordingArtifact is a finalized, immutable recording produced by the
// assembler when a recording stops with at least two frames.
type RecordingArtifact struct {
	SessionID     string          `json:"session_id" bson:"session_id"`
	Username      string          `json:"username" bson:"username"`
	TaskID        string          `json:"task_id,omitempty" bson:"task_id,omitempty"`
	StartTime     time.Time       `json:"start_time" bson:"start_time"`
	EndTime       time.Time       `json:"end_time" bson:"end_time"`
	Duration      float64         `json:"duration" bson:"duration"`
	FrameCount    int             `json:"frame_count" bson:"frame_count"`
	VideoData     []byte          `json:"-" bson:"video_data"`
	VideoSize     int             `json:"video_size" bson:"video_size"`
	FileType      RecordingFormat `json:"file_type" bson:"file_type"`
	VideoSettings VideoSettings   `json:"video_settings" bson:"video_settings"`
}

// RecordingStatus is a snapshot of an in-progress recording.
type RecordingStatus struct {
	Recording  bool      `json:"recording"`
	FrameCount int       `json:"frame_count"`
	StartTime  time.Time `json:"start_time"`
	Duration   float64   `json:"duration"`
}
