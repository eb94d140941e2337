package models

import "time"

// SessionStatus is a descriptive lifecycle label for a session. The two
// well-known values are below; task execution may set other free-form
// labels as the browser comes up.
type SessionStatus string

const (
	SessionReady        SessionStatus = "ready"
	SessionBrowserReady SessionStatus = "browser_ready"
)

// DefaultVideoSettings are applied when a session has no explicit settings.
var DefaultVideoSettings = VideoSettings{
	Resolution:  "1920x1080",
	Quality:     "high",
	RefreshRate: 1.0,
}

// VideoSettings controls capture resolution, image quality, the capture
// loop interval and whether frames are recorded into a video artifact.
type VideoSettings struct {
	Resolution       string  `json:"resolution,omitempty" bson:"resolution,omitempty"`
	Quality          string  `json:"quality,omitempty" bson:"quality,omitempty"`
	RefreshRate      float64 `json:"refresh_rate,omitempty" bson:"refresh_rate,omitempty"`
	RecordingEnabled bool    `json:"recording_enabled,omitempty" bson:"recording_enabled,omitempty"`
}

// VideoSettingsUpdate is a partial settings payload. Fields absent from
// the client message leave the session's current value untouched, so a
// refresh-rate-only update cannot flip an active recording off.
type VideoSettingsUpdate struct {
	Resolution       string  `json:"resolution,omitempty"`
	Quality          string  `json:"quality,omitempty"`
	RefreshRate      float64 `json:"refresh_rate,omitempty"`
	RecordingEnabled *bool   `json:"recording_enabled,omitempty"`
}

// Merge overlays the fields present in other onto s and reports whether
// the refresh rate changed.
func (s *VideoSettings) Merge(other VideoSettingsUpdate) (refreshChanged bool) {
	if other.Resolution != "" {
		s.Resolution = other.Resolution
	}
	if other.Quality != "" {
		s.Quality = other.Quality
	}
	if other.RefreshRate > 0 && other.RefreshRate != s.RefreshRate {
		s.RefreshRate = other.RefreshRate
		refreshChanged = true
	}
	if other.RecordingEnabled != nil {
		s.RecordingEnabled = *other.RecordingEnabled
	}
	return refreshChanged
}

// BrowserHandle is the browser context a session owns for its lifetime.
// The concrete implementation lives in internal/browserenv; the registry
// only needs to close it on session deletion.
type BrowserHandle interface {
	Close() error
}

// Session is one owned unit of browser-automation work. All mutation goes
// through the registry, which serializes access; see internal/registry.
type Session struct {
	ID             string        `json:"session_id"`
	Username       string        `json:"username"`
	Status         SessionStatus `json:"status"`
	Tasks          []*Task       `json:"tasks"`
	CaptureEnabled bool          `json:"capture_enabled"`
	LastFrame      string        `json:"-"`
	VideoSettings  VideoSettings `json:"video_settings"`
	JiraIssueKey   string        `json:"jira_issue_key,omitempty"`
	CurrentTaskID  string        `json:"-"`
	CreatedAt      time.Time     `json:"created_at"`

	// Browser is the session's exclusively-owned automation context,
	// created lazily on first task dispatch.
	Browser BrowserHandle `json:"-"`
}

// CreateSessionResponse is returned from POST /api/sessions.
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
}
