package models

import "encoding/json"

// ServerMessageType discriminates JSON messages pushed to control-channel
// clients. The set is closed; the hub only emits these.
type ServerMessageType string

const (
	MsgSessionStatus           ServerMessageType = "session_status"
	MsgTaskUpdate              ServerMessageType = "task_update"
	MsgSessionUpdate           ServerMessageType = "session_update"
	MsgTaskStep                ServerMessageType = "task_step"
	MsgTaskComplete            ServerMessageType = "task_complete"
	MsgTaskError               ServerMessageType = "task_error"
	MsgCaptureStatus           ServerMessageType = "capture_status"
	MsgRecordingStatus         ServerMessageType = "recording_status"
	MsgRecordingStatusResponse ServerMessageType = "recording_status_response"
	MsgVideoSettingsUpdated    ServerMessageType = "video_settings_updated"
	MsgPong                    ServerMessageType = "pong"
)

// ClientMessageType discriminates JSON messages received from control
// clients. Unknown types are logged and dropped by the hub.
type ClientMessageType string

const (
	MsgPing                ClientMessageType = "ping"
	MsgStartCapture        ClientMessageType = "start_capture"
	MsgStopCapture         ClientMessageType = "stop_capture"
	MsgUpdateVideoSettings ClientMessageType = "update_video_settings"
	MsgGetRecordingStatus  ClientMessageType = "get_recording_status"
)

// ClientMessage is the envelope read off a control channel.
type ClientMessage struct {
	Type     ClientMessageType    `json:"type"`
	Interval float64              `json:"interval,omitempty"`
	Settings *VideoSettingsUpdate `json:"settings,omitempty"`
}

// Event is a server→client message: a type discriminator plus a flat
// field map. Fields that cannot be encoded as JSON are coerced to their
// string form before delivery (see hub sanitization).
type Event struct {
	Type ServerMessageType
	Data map[string]any
}

// NewEvent builds an event with a copy of data so broadcast-side mutation
// (the task_complete upgrade) never leaks back to the producer.
func NewEvent(t ServerMessageType, data map[string]any) Event {
	d := make(map[string]any, len(data))
	for k, v := range data {
		d[k] = v
	}
	return Event{Type: t, Data: d}
}

// MarshalJSON flattens the event into a single object carrying "type"
// alongside the data fields.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		out[k] = v
	}
	out["type"] = string(e.Type)
	return json.Marshal(out)
}
