// Package jira drives the issue-triggered automation flow: a webhook
// fires when an issue moves to Done, the issue's instructions run as a
// task, and the outcome is posted back as a comment.
package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/matrixqa/matrix-runner/pkg/models"
)

const requestTimeout = 30 * time.Second

// Issue is the subset of a Jira issue the automation reads.
type Issue struct {
	Key    string `json:"key"`
	Fields struct {
		Summary     string   `json:"summary"`
		Description string   `json:"description"`
		Labels      []string `json:"labels"`
		Status      struct {
			Name string `json:"name"`
		} `json:"status"`
	} `json:"fields"`
}

// WebhookPayload is the subset of a Jira webhook event the filter reads.
type WebhookPayload struct {
	WebhookEvent string `json:"webhookEvent"`
	Issue        struct {
		Key    string `json:"key"`
		Fields struct {
			Labels []string `json:"labels"`
		} `json:"fields"`
	} `json:"issue"`
	Changelog struct {
		Items []struct {
			Field    string `json:"field"`
			ToString string `json:"toString"`
		} `json:"items"`
	} `json:"changelog"`
}

// Service talks to one Jira site with basic-auth API credentials.
type Service struct {
	baseURL  string
	username string
	token    string
	labels   []string
	client   *http.Client
}

// New creates a Jira service. labels are the issue labels that opt an
// issue into automation.
func New(baseURL, username, token string, labels []string) *Service {
	return &Service{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		token:    token,
		labels:   labels,
		client:   &http.Client{Timeout: requestTimeout},
	}
}

// ShouldProcess applies the webhook filter: an issue-updated event whose
// changelog moved status to Done, on an issue carrying an automation
// label.
func (s *Service) ShouldProcess(payload WebhookPayload) bool {
	if payload.WebhookEvent != "jira:issue_updated" {
		return false
	}

	movedToDone := false
	for _, item := range payload.Changelog.Items {
		if strings.EqualFold(item.Field, "status") && strings.EqualFold(item.ToString, "Done") {
			movedToDone = true
			break
		}
	}
	if !movedToDone {
		return false
	}

	for _, label := range payload.Issue.Fields.Labels {
		for _, want := range s.labels {
			if strings.EqualFold(label, want) {
				return true
			}
		}
	}
	return false
}

// GetIssue loads an issue by key.
func (s *Service) GetIssue(ctx context.Context, key string) (*Issue, error) {
	req, err := s.newRequest(ctx, http.MethodGet,
		fmt.Sprintf("%s/rest/api/2/issue/%s", s.baseURL, key), nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch issue %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("jira returned %d for issue %s: %s", resp.StatusCode, key, body)
	}

	var issue Issue
	if err := json.NewDecoder(resp.Body).Decode(&issue); err != nil {
		return nil, fmt.Errorf("failed to decode issue %s: %w", key, err)
	}
	return &issue, nil
}

// AddComment posts a plain comment to an issue.
func (s *Service) AddComment(ctx context.Context, key, body string) error {
	payload, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return err
	}
	req, err := s.newRequest(ctx, http.MethodPost,
		fmt.Sprintf("%s/rest/api/2/issue/%s/comment", s.baseURL, key), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post comment on %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("jira returned %d posting comment on %s: %s", resp.StatusCode, key, body)
	}
	return nil
}

// AddResultComment posts the formatted outcome of an automation run.
func (s *Service) AddResultComment(ctx context.Context, key string, task *models.Task) error {
	return s.AddComment(ctx, key, FormatResultComment(task))
}

// FormatResultComment renders a finished task as a Jira comment body.
func FormatResultComment(task *models.Task) string {
	var b strings.Builder
	switch task.Status {
	case models.TaskCompleted:
		b.WriteString("✅ *Automated QA test passed*\n\n")
		fmt.Fprintf(&b, "*Result:* %s\n", task.Result)
	case models.TaskFailed:
		b.WriteString("❌ *Automated QA test failed*\n\n")
		fmt.Fprintf(&b, "*Error:* %s\n", task.Error)
	default:
		fmt.Fprintf(&b, "⚠️ *Automated QA test ended with status %s*\n", task.Status)
	}
	fmt.Fprintf(&b, "\n*Instructions:* %s\n", task.Instructions)
	fmt.Fprintf(&b, "*Executed:* %s\n", time.Now().UTC().Format(time.RFC3339))
	return b.String()
}

// ExtractInstructions pulls the test instructions from an issue. A
// "Test Instructions:" section wins when present, otherwise the whole
// description is used, falling back to the summary.
func ExtractInstructions(issue *Issue) string {
	desc := strings.TrimSpace(issue.Fields.Description)
	lower := strings.ToLower(desc)
	if i := strings.Index(lower, "test instructions:"); i >= 0 {
		section := desc[i+len("test instructions:"):]
		if trimmed := strings.TrimSpace(section); trimmed != "" {
			return trimmed
		}
	}
	if desc != "" {
		return desc
	}
	return strings.TrimSpace(issue.Fields.Summary)
}

func (s *Service) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(s.username, s.token)
	return req, nil
}

// TaskExecutor runs issue instructions inside a fresh session. The task
// runner satisfies it.
type TaskExecutor interface {
	ExecuteForIssue(ctx context.Context, sessionID, instructions string) (*models.Task, error)
}

// SessionSource creates and removes webhook-owned sessions. The registry
// satisfies it.
type SessionSource interface {
	CreateSessionForIssue(issueKey string) (*models.Session, error)
	DeleteSession(id models.Identity, sessionID string) error
}

// Processor ties the webhook to the executor.
type Processor struct {
	service  *Service
	sessions SessionSource
	executor TaskExecutor
}

// NewProcessor wires the webhook flow.
func NewProcessor(service *Service, sessions SessionSource, executor TaskExecutor) *Processor {
	return &Processor{service: service, sessions: sessions, executor: executor}
}

// HandleWebhook filters the payload and, when it matches, runs the
// issue's instructions asynchronously. Returns whether processing began.
func (p *Processor) HandleWebhook(payload WebhookPayload) bool {
	if !p.service.ShouldProcess(payload) {
		return false
	}
	key := payload.Issue.Key
	log.Printf("🎫 Jira issue %s moved to Done, starting automation", key)
	go p.processIssue(key)
	return true
}

func (p *Processor) processIssue(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	issue, err := p.service.GetIssue(ctx, key)
	if err != nil {
		log.Printf("Error loading Jira issue %s: %v", key, err)
		return
	}

	instructions := ExtractInstructions(issue)
	if instructions == "" {
		log.Printf("Jira issue %s has no usable instructions, skipping", key)
		return
	}

	sess, err := p.sessions.CreateSessionForIssue(key)
	if err != nil {
		log.Printf("Error creating session for Jira issue %s: %v", key, err)
		return
	}
	automation := models.Identity{Username: "jira_automation", Privileged: true}
	defer func() {
		if err := p.sessions.DeleteSession(automation, sess.ID); err != nil {
			log.Printf("Error cleaning up session for Jira issue %s: %v", key, err)
		}
	}()

	task, err := p.executor.ExecuteForIssue(ctx, sess.ID, instructions)
	if err != nil {
		log.Printf("Error executing task for Jira issue %s: %v", key, err)
		return
	}

	if err := p.service.AddResultComment(ctx, key, task); err != nil {
		log.Printf("Error posting result comment on Jira issue %s: %v", key, err)
		return
	}
	log.Printf("🎫 Posted automation result on Jira issue %s (status %s)", key, task.Status)
}
