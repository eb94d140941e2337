package models

import "time"

// User is a stored account. History is embedded and appended to on every
// finished task.
type User struct {
	Username     string         `json:"username" bson:"username"`
	PasswordHash string         `json:"-" bson:"password_hash"`
	Role         string         `json:"role" bson:"role"`
	History      []HistoryEntry `json:"history,omitempty" bson:"history,omitempty"`
	CreatedAt    time.Time      `json:"created_at" bson:"created_at"`
}
