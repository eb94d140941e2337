// Package recorder accumulates capture-loop frames per session and
// finalizes them into a video artifact: MP4 through an external ffmpeg
// process when available, an animated GIF otherwise.
package recorder

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/matrixqa/matrix-runner/pkg/models"
)

const (
	// maxBufferedFrames is the safety valve: past this the oldest frames
	// (files and bookkeeping together) are discarded.
	maxBufferedFrames = 10000
	// valveDropCount is how many oldest frames one valve pass removes.
	valveDropCount = 1000
	// maxConcurrentEncodes bounds ffmpeg/GIF work running at once.
	maxConcurrentEncodes = 2

	ffmpegTimeout = 5 * time.Minute
)

type recording struct {
	sessionID string
	username  string
	taskID    string
	startTime time.Time
	endTime   time.Time
	frames    []models.FrameRef
	// frameCount keeps monotonically increasing filenames even after the
	// valve drops old frames.
	frameCount int
	settings   models.VideoSettings
	tempFolder string
	recording  bool
}

// Recorder owns at most one active recording per session.
type Recorder struct {
	mu        sync.Mutex
	active    map[string]*recording
	tempDir   string
	encodeSem *semaphore.Weighted

	// ffmpegAvailable is probed once at construction; tests override it to
	// force the GIF path.
	ffmpegAvailable bool
}

// New creates a recorder with a private temp directory for frame storage.
func New() (*Recorder, error) {
	dir, err := os.MkdirTemp("", "matrix_video_")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	r := &Recorder{
		active:    make(map[string]*recording),
		tempDir:   dir,
		encodeSem: semaphore.NewWeighted(maxConcurrentEncodes),
	}
	r.ffmpegAvailable = checkFFmpeg()
	return r, nil
}

func checkFFmpeg() bool {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		log.Println("FFmpeg not found. Video recording will use GIF fallback")
		return false
	}
	if err := exec.Command("ffmpeg", "-version").Run(); err != nil {
		log.Println("FFmpeg not runnable. Video recording will use GIF fallback")
		return false
	}
	log.Println("FFmpeg is available for video recording")
	return true
}

// SetFFmpegAvailable overrides encoder availability. Test hook.
func (r *Recorder) SetFFmpegAvailable(ok bool) {
	r.mu.Lock()
	r.ffmpegAvailable = ok
	r.mu.Unlock()
}

// Start begins a recording for the session. Returns false if one is
// already active (at most one recording per session) or setup fails.
func (r *Recorder) Start(sessionID string, settings models.VideoSettings, username, taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.active[sessionID]; exists {
		log.Printf("Recording already active for session %s", short(sessionID))
		return false
	}

	rec := &recording{
		sessionID:  sessionID,
		username:   username,
		taskID:     taskID,
		startTime:  time.Now().UTC(),
		settings:   settings,
		tempFolder: filepath.Join(r.tempDir, fmt.Sprintf("session_%s_%d", sessionID, time.Now().Unix())),
		recording:  true,
	}
	if err := os.MkdirAll(rec.tempFolder, 0755); err != nil {
		log.Printf("Error starting video recording: %v", err)
		return false
	}

	r.active[sessionID] = rec
	log.Printf("Started video recording for session %s, user: %s", short(sessionID), username)
	return true
}

// AddFrame appends one captured frame (a base64 data URL or bare base64
// image) to the active recording. Returns false when no recording is
// active for the session.
func (r *Recorder) AddFrame(sessionID, frameData string) bool {
	imageBytes, err := decodeFrame(frameData)
	if err != nil {
		log.Printf("Error adding frame to recording: %v", err)
		return false
	}

	r.mu.Lock()
	rec, ok := r.active[sessionID]
	if !ok || !rec.recording {
		r.mu.Unlock()
		return false
	}
	filename := fmt.Sprintf("frame_%06d.png", rec.frameCount)
	path := filepath.Join(rec.tempFolder, filename)
	rec.frames = append(rec.frames, models.FrameRef{
		Filename:    filename,
		FrameNumber: rec.frameCount,
		Timestamp:   time.Now().UTC(),
	})
	rec.frameCount++
	overflow := len(rec.frames) > maxBufferedFrames
	var dropped []models.FrameRef
	if overflow {
		dropped = rec.frames[:valveDropCount]
		rec.frames = rec.frames[valveDropCount:]
	}
	folder := rec.tempFolder
	r.mu.Unlock()

	if err := os.WriteFile(path, imageBytes, 0644); err != nil {
		log.Printf("Error writing frame for session %s: %v", short(sessionID), err)
		return false
	}

	// The valve removes the files together with the refs so bookkeeping
	// and disk never diverge.
	if overflow {
		for _, fr := range dropped {
			os.Remove(filepath.Join(folder, fr.Filename))
		}
		log.Printf("Cleaned up %d old frames for session %s", len(dropped), short(sessionID))
	}
	return true
}

// Status returns a snapshot of the active recording, or nil.
func (r *Recorder) Status(sessionID string) *models.RecordingStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.active[sessionID]
	if !ok {
		return nil
	}
	return &models.RecordingStatus{
		Recording:  rec.recording,
		FrameCount: rec.frameCount,
		StartTime:  rec.startTime,
		Duration:   time.Since(rec.startTime).Seconds(),
	}
}

// Stop finalizes the session's recording into an artifact. Returns nil
// when no recording is active, fewer than two frames were captured, or
// both encoders fail. Temp frame storage is purged in every case.
func (r *Recorder) Stop(ctx context.Context, sessionID string) *models.RecordingArtifact {
	r.mu.Lock()
	rec, ok := r.active[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	rec.recording = false
	rec.endTime = time.Now().UTC()
	delete(r.active, sessionID)
	useFFmpeg := r.ffmpegAvailable
	r.mu.Unlock()

	defer r.cleanupTempFolder(rec.tempFolder)

	log.Printf("Stopping recording for session %s, captured %d frames", short(sessionID), rec.frameCount)

	if len(rec.frames) < 2 {
		log.Println("Not enough frames to create video")
		return nil
	}

	// Encoding is CPU/IO heavy; bound how many run at once.
	if err := r.encodeSem.Acquire(ctx, 1); err != nil {
		return nil
	}
	defer r.encodeSem.Release(1)

	data, format := r.encode(ctx, rec, useFFmpeg)
	if data == nil {
		log.Printf("Failed to generate video for session %s", short(sessionID))
		return nil
	}

	return &models.RecordingArtifact{
		SessionID:     sessionID,
		Username:      rec.username,
		TaskID:        rec.taskID,
		StartTime:     rec.startTime,
		EndTime:       rec.endTime,
		Duration:      rec.endTime.Sub(rec.startTime).Seconds(),
		FrameCount:    rec.frameCount,
		VideoData:     data,
		VideoSize:     len(data),
		FileType:      format,
		VideoSettings: rec.settings,
	}
}

func (r *Recorder) encode(ctx context.Context, rec *recording, useFFmpeg bool) ([]byte, models.RecordingFormat) {
	if useFFmpeg {
		log.Println("Attempting to create MP4 video with FFmpeg")
		if data, err := r.encodeMP4(ctx, rec); err == nil {
			log.Printf("MP4 video created successfully, size: %d bytes", len(data))
			return data, models.FormatMP4
		} else {
			log.Printf("FFmpeg failed, falling back to GIF: %v", err)
		}
	} else {
		log.Println("FFmpeg not available, using GIF fallback")
	}

	data, err := encodeGIF(rec)
	if err != nil {
		log.Printf("Both MP4 and GIF creation failed: %v", err)
		return nil, ""
	}
	log.Printf("GIF created successfully, size: %d bytes", len(data))
	return data, models.FormatGIF
}

func (r *Recorder) encodeMP4(ctx context.Context, rec *recording) ([]byte, error) {
	outPath := filepath.Join(rec.tempFolder, fmt.Sprintf("output_video_%d.mp4", time.Now().Unix()))

	ctx, cancel := context.WithTimeout(ctx, ffmpegTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffmpeg", mp4Args(rec, outPath)...)

	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, tail(string(out)))
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg produced no output: %w", err)
	}
	os.Remove(outPath)
	return data, nil
}

// mp4Args builds the ffmpeg invocation. The frame sequence may not start
// at zero once the overflow valve has dropped old frames, so the first
// retained frame number is passed explicitly.
func mp4Args(rec *recording, outPath string) []string {
	refresh := rec.settings.RefreshRate
	if refresh <= 0 {
		refresh = 1.0
	}
	fps := 1.0 / refresh
	if fps < 0.5 {
		fps = 0.5
	}

	return []string{"-y",
		"-framerate", fmt.Sprintf("%g", fps),
		"-start_number", fmt.Sprintf("%d", rec.frames[0].FrameNumber),
		"-i", filepath.Join(rec.tempFolder, "frame_%06d.png"),
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-crf", "18",
		"-preset", "fast",
		"-movflags", "+faststart",
		outPath,
	}
}

func (r *Recorder) cleanupTempFolder(folder string) {
	if err := os.RemoveAll(folder); err != nil {
		log.Printf("Error cleaning up temp files: %v", err)
		return
	}
	log.Printf("Cleaned up temporary folder: %s", folder)
}

// Close removes the recorder's temp directory. Active recordings are
// abandoned; call after all sessions are torn down.
func (r *Recorder) Close() error {
	return os.RemoveAll(r.tempDir)
}

func decodeFrame(frameData string) ([]byte, error) {
	payload := frameData
	if strings.HasPrefix(frameData, "data:image/") {
		_, rest, ok := strings.Cut(frameData, ",")
		if !ok {
			return nil, fmt.Errorf("malformed data URL")
		}
		payload = rest
	}
	return base64.StdEncoding.DecodeString(payload)
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 300 {
		return s[len(s)-300:]
	}
	return s
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
