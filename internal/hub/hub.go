// Package hub multiplexes websocket clients per session: one control
// channel carrying JSON events and one capture channel carrying raw
// frames. It also owns the per-session capture loop and hands finished
// recordings to the persistence sink.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matrixqa/matrix-runner/internal/recorder"
	"github.com/matrixqa/matrix-runner/internal/registry"
	"github.com/matrixqa/matrix-runner/internal/runner"
	"github.com/matrixqa/matrix-runner/pkg/models"
)

// Close codes sent when a websocket is rejected at connect time.
const (
	CloseSessionNotFound = 4000
	CloseCaptureBusy     = 4001
)

// Conn is one writable client connection. Implementations must be safe
// for concurrent writers.
type Conn interface {
	SendJSON(v any) error
	SendText(s string) error
	Close() error
}

// FrameSource produces one frame for a session snapshot.
type FrameSource interface {
	Capture(snap models.Session) (string, error)
}

// FrameRecorder accumulates capture frames into a video artifact.
// *recorder.Recorder satisfies it.
type FrameRecorder interface {
	Start(sessionID string, settings models.VideoSettings, username, taskID string) bool
	AddFrame(sessionID, frame string) bool
	Status(sessionID string) *models.RecordingStatus
	Stop(ctx context.Context, sessionID string) *models.RecordingArtifact
}

// RecordingSink persists finished recording artifacts. May be nil when no
// store is configured; artifacts are then dropped with a warning.
type RecordingSink interface {
	SaveRecording(ctx context.Context, artifact *models.RecordingArtifact) error
}

var _ FrameRecorder = (*recorder.Recorder)(nil)

type captureLoop struct {
	cancel   context.CancelFunc
	interval float64
}

// Hub routes events to connected clients and drives capture loops.
type Hub struct {
	registry *registry.Registry
	frames   FrameSource
	recorder FrameRecorder
	sink     RecordingSink

	mu      sync.Mutex
	control map[string][]Conn
	capture map[string]Conn
	loops   map[string]*captureLoop
	// loopStarts counts loop goroutine launches per session, so capture
	// idempotence is observable without racing on goroutine state.
	loopStarts map[string]int

	upgrader websocket.Upgrader
}

// New creates a hub. recorder and sink may be nil.
func New(reg *registry.Registry, frames FrameSource, rec FrameRecorder, sink RecordingSink) *Hub {
	return &Hub{
		registry:   reg,
		frames:     frames,
		recorder:   rec,
		sink:       sink,
		control:    make(map[string][]Conn),
		capture:    make(map[string]Conn),
		loops:      make(map[string]*captureLoop),
		loopStarts: make(map[string]int),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Connect adds a control connection to the session's list. Any number of
// control clients may watch a session at once.
func (h *Hub) Connect(sessionID string, conn Conn) {
	h.mu.Lock()
	h.control[sessionID] = append(h.control[sessionID], conn)
	n := len(h.control[sessionID])
	h.mu.Unlock()

	log.Printf("🔌 Control client connected for session %s (%d total)", short(sessionID), n)
}

// ConnectCapture registers the capture connection for a session. At most
// one capture client per session; a second connect is rejected.
func (h *Hub) ConnectCapture(sessionID string, conn Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, busy := h.capture[sessionID]; busy {
		return registry.ErrAlreadyActive
	}
	h.capture[sessionID] = conn
	log.Printf("🔌 Capture client connected for session %s", short(sessionID))
	return nil
}

// Disconnect removes one control connection. When the session's last
// control client drops, the capture loop is stopped and any active
// recording is finalized.
func (h *Hub) Disconnect(sessionID string, conn Conn) {
	h.mu.Lock()
	conns := h.control[sessionID]
	found := false
	for i, c := range conns {
		if c == conn {
			conns = append(conns[:i], conns[i+1:]...)
			found = true
			break
		}
	}
	if len(conns) == 0 {
		delete(h.control, sessionID)
	} else {
		h.control[sessionID] = conns
	}
	h.mu.Unlock()

	if found && len(conns) == 0 {
		log.Printf("🔌 Last control client left session %s", short(sessionID))
		h.StopCapture(context.Background(), sessionID)
	}
}

// DisconnectCapture drops the capture connection and tears down the
// capture loop, finalizing any active recording.
func (h *Hub) DisconnectCapture(sessionID string, conn Conn) {
	h.mu.Lock()
	if h.capture[sessionID] == conn {
		delete(h.capture, sessionID)
	}
	h.mu.Unlock()

	h.StopCapture(context.Background(), sessionID)
}

// Broadcast delivers an event to every control client of the session.
// Values that cannot be marshalled are coerced to their string form
// rather than poisoning the whole message. A failed send evicts only
// that connection; the rest still receive the event.
func (h *Hub) Broadcast(sessionID string, ev models.Event) {
	ev = h.prepare(sessionID, ev)

	h.mu.Lock()
	conns := append([]Conn(nil), h.control[sessionID]...)
	h.mu.Unlock()

	for _, conn := range conns {
		if err := conn.SendJSON(ev); err != nil {
			log.Printf("Error sending message to session %s: %v", short(sessionID), err)
			h.Disconnect(sessionID, conn)
			conn.Close()
		}
	}
}

// prepare applies the delivery-side transforms: field sanitization, the
// task_complete result upgrade and the formatted_output derivation.
func (h *Hub) prepare(sessionID string, ev models.Event) models.Event {
	out := models.NewEvent(ev.Type, ev.Data)

	if out.Type == models.MsgTaskComplete {
		h.upgradeResult(sessionID, &out)
		if entries, ok := out.Data["log_entries"].([]models.LogEntry); ok && len(entries) > 0 {
			out.Data["formatted_output"] = formatOutputForDisplay(entries)
		}
	}

	for k, v := range out.Data {
		if _, err := json.Marshal(v); err != nil {
			out.Data[k] = fmt.Sprint(v)
		}
	}
	return out
}

// upgradeResult replaces a fallback completion result with the richer one
// the executor may have stored on the task after the event was built.
func (h *Hub) upgradeResult(sessionID string, ev *models.Event) {
	result, _ := ev.Data["result"].(string)
	if result != "" && result != runner.FallbackResult {
		return
	}
	taskID, _ := ev.Data["task_id"].(string)
	if taskID == "" {
		return
	}
	snap, ok := h.registry.Snapshot(sessionID)
	if !ok {
		return
	}
	for _, t := range snap.Tasks {
		if t.ID == taskID && t.Result != "" && t.Result != runner.FallbackResult {
			ev.Data["result"] = t.Result
			return
		}
	}
}

// StartCapture enables the session's frame loop. Idempotent: a second
// call while the loop runs only re-announces capture_status. interval is
// seconds between frames; the session's video-settings refresh rate
// overrides it whenever one is set.
func (h *Hub) StartCapture(sessionID string, interval float64) error {
	snap, ok := h.registry.Snapshot(sessionID)
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, registry.ErrNotFound)
	}

	eff := snap.VideoSettings.RefreshRate
	if eff > 0 && eff != interval {
		log.Printf("Using video settings refresh rate %.2fs for session %s", eff, short(sessionID))
	}
	if eff <= 0 {
		eff = interval
	}
	if eff <= 0 {
		eff = 1.0
	}

	h.mu.Lock()
	if _, running := h.loops[sessionID]; running {
		h.mu.Unlock()
		h.Broadcast(sessionID, models.NewEvent(models.MsgCaptureStatus, map[string]any{
			"session_id": sessionID,
			"enabled":    true,
			"interval":   eff,
		}))
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.loops[sessionID] = &captureLoop{cancel: cancel, interval: eff}
	h.loopStarts[sessionID]++
	h.mu.Unlock()

	h.registry.Update(sessionID, func(s *models.Session) {
		s.CaptureEnabled = true
	})

	if h.recorder != nil && snap.VideoSettings.RecordingEnabled {
		if h.recorder.Start(sessionID, snap.VideoSettings, snap.Username, snap.CurrentTaskID) {
			h.Broadcast(sessionID, models.NewEvent(models.MsgRecordingStatus, map[string]any{
				"session_id": sessionID,
				"recording":  true,
			}))
		}
	}

	go h.runCaptureLoop(ctx, sessionID, eff)

	log.Printf("📸 Started capture loop for session %s (interval %.2fs)", short(sessionID), eff)
	h.Broadcast(sessionID, models.NewEvent(models.MsgCaptureStatus, map[string]any{
		"session_id": sessionID,
		"enabled":    true,
		"interval":   eff,
	}))
	return nil
}

// EnsureCapture starts the loop with the session's own settings when no
// loop is running. Used by the executor at task start; without a capture
// client there is nobody to stream to, so nothing starts.
func (h *Hub) EnsureCapture(sessionID string, interval float64) {
	h.mu.Lock()
	_, running := h.loops[sessionID]
	_, watching := h.capture[sessionID]
	h.mu.Unlock()
	if running || !watching {
		return
	}
	if err := h.StartCapture(sessionID, interval); err != nil {
		log.Printf("Warning: could not start capture for session %s: %v", short(sessionID), err)
	}
}

// StopCapture cancels the frame loop and finalizes any active recording.
// Safe to call when nothing is running.
func (h *Hub) StopCapture(ctx context.Context, sessionID string) {
	h.mu.Lock()
	loop := h.loops[sessionID]
	delete(h.loops, sessionID)
	h.mu.Unlock()

	if loop != nil {
		loop.cancel()
	}

	h.registry.Update(sessionID, func(s *models.Session) {
		s.CaptureEnabled = false
	})

	h.finalizeRecording(ctx, sessionID)

	if loop != nil {
		log.Printf("📸 Stopped capture loop for session %s", short(sessionID))
		h.Broadcast(sessionID, models.NewEvent(models.MsgCaptureStatus, map[string]any{
			"session_id": sessionID,
			"enabled":    false,
		}))
	}
}

func (h *Hub) finalizeRecording(ctx context.Context, sessionID string) {
	if h.recorder == nil {
		return
	}
	artifact := h.recorder.Stop(ctx, sessionID)
	if artifact == nil {
		return
	}

	saved := false
	if h.sink != nil {
		if err := h.sink.SaveRecording(ctx, artifact); err != nil {
			log.Printf("Error saving recording for session %s: %v", short(sessionID), err)
		} else {
			saved = true
		}
	} else {
		log.Printf("Warning: no store configured, dropping %d-byte recording for session %s",
			artifact.VideoSize, short(sessionID))
	}

	h.Broadcast(sessionID, models.NewEvent(models.MsgRecordingStatus, map[string]any{
		"session_id":  sessionID,
		"recording":   false,
		"saved":       saved,
		"file_type":   string(artifact.FileType),
		"frame_count": artifact.FrameCount,
		"duration":    artifact.Duration,
	}))
}

// UpdateVideoSettings merges new settings into the session and restarts
// the capture loop when the refresh rate changed.
func (h *Hub) UpdateVideoSettings(sessionID string, settings models.VideoSettingsUpdate) error {
	var (
		refreshChanged bool
		merged         models.VideoSettings
	)
	ok := h.registry.Update(sessionID, func(s *models.Session) {
		refreshChanged = s.VideoSettings.Merge(settings)
		merged = s.VideoSettings
	})
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, registry.ErrNotFound)
	}

	if refreshChanged {
		h.mu.Lock()
		loop := h.loops[sessionID]
		h.mu.Unlock()
		if loop != nil {
			log.Printf("Restarting capture loop for session %s with refresh rate %.2fs",
				short(sessionID), merged.RefreshRate)
			h.restartLoop(sessionID, merged.RefreshRate)
		}
	}

	h.Broadcast(sessionID, models.NewEvent(models.MsgVideoSettingsUpdated, map[string]any{
		"session_id": sessionID,
		"settings":   merged,
	}))
	return nil
}

func (h *Hub) restartLoop(sessionID string, interval float64) {
	h.mu.Lock()
	loop := h.loops[sessionID]
	if loop == nil {
		h.mu.Unlock()
		return
	}
	loop.cancel()
	ctx, cancel := context.WithCancel(context.Background())
	h.loops[sessionID] = &captureLoop{cancel: cancel, interval: interval}
	h.loopStarts[sessionID]++
	h.mu.Unlock()

	go h.runCaptureLoop(ctx, sessionID, interval)
}

// LoopStarts reports how many capture loop goroutines were launched for
// the session. Test hook.
func (h *Hub) LoopStarts(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loopStarts[sessionID]
}

func (h *Hub) runCaptureLoop(ctx context.Context, sessionID string, interval float64) {
	delay := time.Duration(interval * float64(time.Second))
	if delay <= 0 {
		delay = time.Second
	}

	for {
		snap, ok := h.registry.Snapshot(sessionID)
		if !ok {
			return
		}

		// No capture client, nothing to stream or record; idle until one
		// connects or the loop is stopped.
		h.mu.Lock()
		conn := h.capture[sessionID]
		h.mu.Unlock()

		if conn != nil {
			frame, err := h.frames.Capture(snap)
			if err != nil {
				log.Printf("Error in capture loop for session %s: %v", short(sessionID), err)
			} else {
				h.registry.Update(sessionID, func(s *models.Session) {
					s.LastFrame = frame
				})
				if h.recorder != nil {
					h.recorder.AddFrame(sessionID, frame)
				}
				if err := conn.SendText(frame); err != nil {
					log.Printf("Error sending frame to session %s: %v", short(sessionID), err)
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// formatOutputForDisplay renders structured log entries as the labelled
// plain-text block clients show next to the raw output. Each line carries
// the entry's icon; unclassified entries pass through unlabelled.
func formatOutputForDisplay(entries []models.LogEntry) string {
	var lines []string
	for _, e := range entries {
		switch e.Type {
		case "result":
			lines = append(lines, fmt.Sprintf("%s RESULT: %s", e.Icon, e.Text))
		case "goal":
			lines = append(lines, fmt.Sprintf("%s GOAL: %s", e.Icon, e.Text))
		case "action":
			lines = append(lines, fmt.Sprintf("%s ACTION: %s", e.Icon, unwrapDoneAction(e.Text)))
		case "success":
			lines = append(lines, fmt.Sprintf("%s SUCCESS: %s", e.Icon, e.Text))
		case "error":
			lines = append(lines, fmt.Sprintf("%s ERROR: %s", e.Icon, e.Text))
		case "memory":
			text := e.Text
			if len(text) > 100 {
				text = text[:97] + "..."
			}
			lines = append(lines, fmt.Sprintf("%s MEMORY: %s", e.Icon, text))
		default:
			lines = append(lines, fmt.Sprintf("%s %s", e.Icon, e.Text))
		}
	}
	return joinLines(lines)
}

// unwrapDoneAction replaces a raw done-action JSON payload with its text
// field so the display shows the message, not the envelope.
func unwrapDoneAction(text string) string {
	if !jsonLike(text) {
		return text
	}
	var payload struct {
		Done struct {
			Text string `json:"text"`
		} `json:"done"`
	}
	if err := json.Unmarshal([]byte(text), &payload); err == nil && payload.Done.Text != "" {
		return payload.Done.Text
	}
	return text
}

func jsonLike(s string) bool {
	return len(s) > 1 && s[0] == '{'
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
