// Package report renders finished task executions into downloadable
// documents: a plain-text transcript and a PDF summary.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/matrixqa/matrix-runner/pkg/models"
)

// FormatText renders the transcript downloaded from the UI: a metadata
// header followed by the clean result and the raw agent output.
func FormatText(sessionID string, task *models.Task) string {
	var b strings.Builder
	b.WriteString("=== MATRIX QA TEST RESULT ===\n")
	fmt.Fprintf(&b, "Session: %s\n", sessionID)
	fmt.Fprintf(&b, "Task: %s\n", task.ID)
	fmt.Fprintf(&b, "Status: %s\n", task.Status)
	fmt.Fprintf(&b, "Provider: %s/%s\n", task.Provider, task.Model)
	fmt.Fprintf(&b, "Created: %s\n", task.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Downloaded: %s\n", time.Now().UTC().Format(time.RFC3339))
	b.WriteString("\n=== INSTRUCTIONS ===\n")
	b.WriteString(task.Instructions)
	b.WriteString("\n\n=== RESULT ===\n")
	if task.Error != "" {
		fmt.Fprintf(&b, "ERROR: %s\n", task.Error)
	} else {
		b.WriteString(task.Result)
		b.WriteString("\n")
	}
	if task.RawOutput != "" {
		b.WriteString("\n=== RAW OUTPUT ===\n")
		b.WriteString(task.RawOutput)
		b.WriteString("\n")
	}
	return b.String()
}

// BuildPDF renders the transcript as a single-page PDF. pdfcpu builds the
// document from a JSON page description, so the text is written to a temp
// spec file and the generated PDF read back.
func BuildPDF(sessionID string, task *models.Task) ([]byte, error) {
	dir, err := os.MkdirTemp("", "matrix_report_")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	spec, err := pageSpec(sessionID, task)
	if err != nil {
		return nil, err
	}

	jsonPath := filepath.Join(dir, "report.json")
	if err := os.WriteFile(jsonPath, spec, 0644); err != nil {
		return nil, fmt.Errorf("failed to write page spec: %w", err)
	}

	pdfPath := filepath.Join(dir, "report.pdf")
	if err := api.CreateFile("", jsonPath, pdfPath, nil); err != nil {
		return nil, fmt.Errorf("failed to generate pdf: %w", err)
	}

	data, err := os.ReadFile(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read generated pdf: %w", err)
	}
	return data, nil
}

// pageSpec builds the pdfcpu create-JSON describing the report page.
func pageSpec(sessionID string, task *models.Task) ([]byte, error) {
	body := task.Result
	if task.Error != "" {
		body = "ERROR: " + task.Error
	}

	text := []map[string]any{
		textBox("MATRIX QA TEST RESULT", 50, 800, 16),
		textBox(fmt.Sprintf("Session: %s", sessionID), 50, 770, 10),
		textBox(fmt.Sprintf("Task: %s", task.ID), 50, 755, 10),
		textBox(fmt.Sprintf("Status: %s", task.Status), 50, 740, 10),
		textBox(fmt.Sprintf("Provider: %s/%s", task.Provider, task.Model), 50, 725, 10),
		textBox(fmt.Sprintf("Generated: %s", time.Now().UTC().Format(time.RFC3339)), 50, 710, 10),
		textBox("Instructions:", 50, 675, 12),
		textBox(wrap(task.Instructions, 90), 50, 655, 10),
		textBox("Result:", 50, 560, 12),
		textBox(wrap(body, 90), 50, 540, 10),
	}

	spec := map[string]any{
		"pages": map[string]any{
			"1": map[string]any{
				"content": map[string]any{
					"text": text,
				},
			},
		},
	}
	return json.MarshalIndent(spec, "", "  ")
}

func textBox(value string, x, y float64, size int) map[string]any {
	return map[string]any{
		"value":    value,
		"position": []float64{x, y},
		"font": map[string]any{
			"name": "Helvetica",
			"size": size,
		},
	}
}

// wrap inserts newlines so long lines fit the page width.
func wrap(s string, width int) string {
	words := strings.Fields(s)
	if len(words) == 0 {
		return s
	}
	var b strings.Builder
	lineLen := 0
	for _, w := range words {
		if lineLen > 0 {
			if lineLen+1+len(w) > width {
				b.WriteString("\n")
				lineLen = 0
			} else {
				b.WriteString(" ")
				lineLen++
			}
		}
		b.WriteString(w)
		lineLen += len(w)
	}
	return b.String()
}
