package report

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/matrixqa/matrix-runner/pkg/models"
)

func TestFormatTextIncludesMetadataAndResult(t *testing.T) {
	task := &models.Task{
		ID:           "task-1",
		Instructions: "open example.com",
		Status:       models.TaskCompleted,
		Provider:     "anthropic",
		Model:        "claude-3-5-sonnet-20240620",
		Result:       "Navigated successfully",
		RawOutput:    "INFO: raw lines",
		CreatedAt:    time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}

	text := FormatText("sess-1", task)

	assert.Contains(t, text, "Session: sess-1")
	assert.Contains(t, text, "Task: task-1")
	assert.Contains(t, text, "Status: completed")
	assert.Contains(t, text, "anthropic/claude-3-5-sonnet-20240620")
	assert.Contains(t, text, "open example.com")
	assert.Contains(t, text, "Navigated successfully")
	assert.Contains(t, text, "=== RAW OUTPUT ===")
}

func TestFormatTextForFailedTask(t *testing.T) {
	task := &models.Task{
		ID:           "task-2",
		Instructions: "open example.com",
		Status:       models.TaskFailed,
		Error:        "element not found",
	}

	text := FormatText("sess-1", task)

	assert.Contains(t, text, "ERROR: element not found")
	assert.NotContains(t, text, "=== RAW OUTPUT ===")
}

func TestWrapBreaksLongLines(t *testing.T) {
	wrapped := wrap(strings.Repeat("word ", 50), 20)

	for _, line := range strings.Split(wrapped, "\n") {
		assert.LessOrEqual(t, len(line), 20)
	}
	assert.Equal(t, 50, len(strings.Fields(wrapped)))
}

func TestWrapKeepsShortText(t *testing.T) {
	assert.Equal(t, "short text", wrap("short text", 80))
	assert.Equal(t, "", wrap("", 80))
}
