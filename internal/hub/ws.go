package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/matrixqa/matrix-runner/pkg/models"
)

// wsConn adapts a gorilla connection to Conn with a write mutex, since
// the capture loop and broadcast paths write concurrently.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) SendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *wsConn) SendText(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, []byte(s))
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) reject(code int, reason string) {
	c.mu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.mu.Unlock()
	c.ws.Close()
}

// ServeControl handles /ws/{session_id}: the JSON event channel plus
// inbound control commands.
func (h *Hub) ServeControl(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Websocket upgrade failed: %v", err)
		return
	}
	conn := &wsConn{ws: ws}

	snap, ok := h.registry.Snapshot(sessionID)
	if !ok {
		conn.reject(CloseSessionNotFound, "Session not found")
		return
	}

	h.Connect(sessionID, conn)
	defer func() {
		h.Disconnect(sessionID, conn)
		conn.Close()
	}()

	h.Broadcast(sessionID, models.NewEvent(models.MsgSessionStatus, map[string]any{
		"session_id":      sessionID,
		"status":          string(snap.Status),
		"capture_enabled": snap.CaptureEnabled,
		"video_settings":  snap.VideoSettings,
	}))

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg models.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("Dropping malformed client message on session %s: %v", short(sessionID), err)
			continue
		}
		h.handleClientMessage(sessionID, conn, msg)
	}
}

func (h *Hub) handleClientMessage(sessionID string, conn Conn, msg models.ClientMessage) {
	switch msg.Type {
	case models.MsgPing:
		conn.SendJSON(models.NewEvent(models.MsgPong, nil))

	case models.MsgStartCapture:
		if err := h.StartCapture(sessionID, msg.Interval); err != nil {
			log.Printf("Error starting capture for session %s: %v", short(sessionID), err)
		}

	case models.MsgStopCapture:
		h.StopCapture(context.Background(), sessionID)

	case models.MsgUpdateVideoSettings:
		if msg.Settings == nil {
			log.Printf("update_video_settings without settings on session %s", short(sessionID))
			return
		}
		if err := h.UpdateVideoSettings(sessionID, *msg.Settings); err != nil {
			log.Printf("Error updating video settings for session %s: %v", short(sessionID), err)
		}

	case models.MsgGetRecordingStatus:
		data := map[string]any{
			"session_id": sessionID,
			"recording":  false,
		}
		if h.recorder != nil {
			if status := h.recorder.Status(sessionID); status != nil {
				data["recording"] = status.Recording
				data["frame_count"] = status.FrameCount
				data["duration"] = status.Duration
			}
		}
		conn.SendJSON(models.NewEvent(models.MsgRecordingStatusResponse, data))

	default:
		log.Printf("Unknown message type %q on session %s", msg.Type, short(sessionID))
	}
}

// ServeCapture handles /ws/screenshot/{session_id}: the raw frame stream.
// Only one capture client per session; a second connect is closed with
// CloseCaptureBusy.
func (h *Hub) ServeCapture(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Websocket upgrade failed: %v", err)
		return
	}
	conn := &wsConn{ws: ws}

	snap, ok := h.registry.Snapshot(sessionID)
	if !ok {
		conn.reject(CloseSessionNotFound, "Session not found")
		return
	}

	if err := h.ConnectCapture(sessionID, conn); err != nil {
		conn.reject(CloseCaptureBusy, "Capture client already connected")
		return
	}
	defer func() {
		h.DisconnectCapture(sessionID, conn)
		conn.Close()
	}()

	// Replay the newest frame so the client is not blank until the next
	// loop tick.
	if snap.LastFrame != "" {
		conn.SendText(snap.LastFrame)
	}

	// Capture clients only receive; the read loop exists to notice close.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}
