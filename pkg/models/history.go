package models

import "time"

// HistoryEntry is one persisted task execution, pushed onto the owning
// user's history array.
type HistoryEntry struct {
	TaskID       string    `json:"task_id" bson:"task_id"`
	SessionID    string    `json:"session_id" bson:"session_id"`
	Instructions string    `json:"instructions" bson:"instructions"`
	Result       string    `json:"result" bson:"result"`
	Status       string    `json:"status" bson:"status"`
	Provider     string    `json:"provider" bson:"provider"`
	Model        string    `json:"model" bson:"model"`
	JiraIssueKey string    `json:"jira_issue_key,omitempty" bson:"jira_issue_key,omitempty"`
	ExecutedAt   time.Time `json:"executed_at" bson:"executed_at"`
}
