package jira

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixqa/matrix-runner/pkg/models"
)

var testLabels = []string{"qa-automation", "automated-test"}

func payloadFromJSON(t *testing.T, raw string) WebhookPayload {
	t.Helper()
	var payload WebhookPayload
	require.NoError(t, json.Unmarshal([]byte(raw), &payload))
	return payload
}

func TestShouldProcessMatchingWebhook(t *testing.T) {
	svc := New("https://example.atlassian.net", "bot", "token", testLabels)

	payload := payloadFromJSON(t, `{
		"webhookEvent": "jira:issue_updated",
		"issue": {
			"key": "QA-1",
			"fields": {"labels": ["frontend", "qa-automation"]}
		},
		"changelog": {
			"items": [
				{"field": "assignee", "toString": "alice"},
				{"field": "status", "toString": "Done"}
			]
		}
	}`)

	assert.True(t, svc.ShouldProcess(payload))
}

func TestShouldProcessRejections(t *testing.T) {
	svc := New("https://example.atlassian.net", "bot", "token", testLabels)

	tests := []struct {
		name string
		raw  string
	}{
		{
			name: "wrong event",
			raw: `{"webhookEvent": "jira:issue_created",
				"issue": {"key": "QA-1", "fields": {"labels": ["qa-automation"]}},
				"changelog": {"items": [{"field": "status", "toString": "Done"}]}}`,
		},
		{
			name: "status moved elsewhere",
			raw: `{"webhookEvent": "jira:issue_updated",
				"issue": {"key": "QA-1", "fields": {"labels": ["qa-automation"]}},
				"changelog": {"items": [{"field": "status", "toString": "In Progress"}]}}`,
		},
		{
			name: "no automation label",
			raw: `{"webhookEvent": "jira:issue_updated",
				"issue": {"key": "QA-1", "fields": {"labels": ["backend"]}},
				"changelog": {"items": [{"field": "status", "toString": "Done"}]}}`,
		},
		{
			name: "non-status change only",
			raw: `{"webhookEvent": "jira:issue_updated",
				"issue": {"key": "QA-1", "fields": {"labels": ["qa-automation"]}},
				"changelog": {"items": [{"field": "summary", "toString": "Done"}]}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, svc.ShouldProcess(payloadFromJSON(t, tt.raw)))
		})
	}
}

func TestShouldProcessLabelMatchIsCaseInsensitive(t *testing.T) {
	svc := New("https://example.atlassian.net", "bot", "token", testLabels)

	payload := payloadFromJSON(t, `{
		"webhookEvent": "jira:issue_updated",
		"issue": {"key": "QA-1", "fields": {"labels": ["QA-Automation"]}},
		"changelog": {"items": [{"field": "Status", "toString": "done"}]}
	}`)

	assert.True(t, svc.ShouldProcess(payload))
}

func TestExtractInstructions(t *testing.T) {
	issue := &Issue{}
	issue.Fields.Summary = "Check the login page"
	issue.Fields.Description = "Some context.\n\nTest Instructions:\nopen example.com and log in"

	assert.Equal(t, "open example.com and log in", ExtractInstructions(issue))

	issue.Fields.Description = "just a plain description"
	assert.Equal(t, "just a plain description", ExtractInstructions(issue))

	issue.Fields.Description = ""
	assert.Equal(t, "Check the login page", ExtractInstructions(issue))
}

func TestFormatResultComment(t *testing.T) {
	passed := &models.Task{
		Status:       models.TaskCompleted,
		Result:       "All checks passed",
		Instructions: "open example.com",
	}
	comment := FormatResultComment(passed)
	assert.Contains(t, comment, "passed")
	assert.Contains(t, comment, "All checks passed")
	assert.Contains(t, comment, "open example.com")

	failed := &models.Task{
		Status:       models.TaskFailed,
		Error:        "element not found",
		Instructions: "open example.com",
	}
	comment = FormatResultComment(failed)
	assert.Contains(t, comment, "failed")
	assert.Contains(t, comment, "element not found")
}
