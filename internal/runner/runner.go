// Package runner executes tasks end to end: it prepares the session's
// browser, resolves the model, drives the agent and publishes every
// lifecycle transition to the session's event channel.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/matrixqa/matrix-runner/internal/agent"
	"github.com/matrixqa/matrix-runner/internal/registry"
	"github.com/matrixqa/matrix-runner/pkg/models"
)

// defaultGracePeriod keeps the capture loop alive briefly after a task
// finishes so the final page state lands in the recording.
const defaultGracePeriod = 5 * time.Second

// Broadcaster publishes events for a session and makes sure its capture
// loop is running. The hub satisfies it.
type Broadcaster interface {
	Broadcast(sessionID string, ev models.Event)
	EnsureCapture(sessionID string, interval float64)
}

// Browser is what the executor needs from a session browser context.
type Browser interface {
	agent.Page
	Close() error
}

// BrowserFactory creates the session's browser context on first use.
type BrowserFactory func(ctx context.Context, sessionID string, headless bool) (Browser, error)

// ResolveFunc turns a task's provider selection into a model handle.
type ResolveFunc func(providerName, model, apiKey string, useDefaultKey bool) (agent.LLM, error)

// AgentRunner drives one instruction run. *agent.Runner satisfies it.
type AgentRunner interface {
	Run(ctx context.Context, instructions string, llm agent.LLM, page agent.Page, obs agent.Observer) (*agent.RunResult, error)
}

// HistorySink persists finished task executions. May be nil.
type HistorySink interface {
	SaveHistory(ctx context.Context, username string, entry models.HistoryEntry) error
}

// Runner is the task executor. One per process; Execute may run for many
// sessions concurrently, each session's state guarded by the registry.
type Runner struct {
	registry   *registry.Registry
	bus        Broadcaster
	resolve    ResolveFunc
	newBrowser BrowserFactory
	agent      AgentRunner
	history    HistorySink
	xServer    bool
	grace      time.Duration
}

// New creates an executor.
func New(reg *registry.Registry, bus Broadcaster, resolve ResolveFunc, factory BrowserFactory, agentRunner AgentRunner, history HistorySink, xServerAvailable bool) *Runner {
	return &Runner{
		registry:   reg,
		bus:        bus,
		resolve:    resolve,
		newBrowser: factory,
		agent:      agentRunner,
		history:    history,
		xServer:    xServerAvailable,
		grace:      defaultGracePeriod,
	}
}

// SetGracePeriod overrides the post-completion capture grace. Test hook.
func (r *Runner) SetGracePeriod(d time.Duration) {
	r.grace = d
}

// Execute runs one task to a terminal state. Always returns after the
// task reached completed, failed or stopped; the error reports executor
// failures, not task failures.
func (r *Runner) Execute(ctx context.Context, sessionID, taskID string) error {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var task models.Task
	found := r.registry.Update(sessionID, func(s *models.Session) {
		for _, t := range s.Tasks {
			if t.ID == taskID {
				t.Status = models.TaskRunning
				t.Cancel = cancel
				s.CurrentTaskID = t.ID
				task = *t
				return
			}
		}
	})
	if !found || task.ID == "" {
		return fmt.Errorf("task %s in session %s: %w", taskID, sessionID, registry.ErrNotFound)
	}

	log.Printf("🚀 Executing task %s for session %s", short(taskID), short(sessionID))
	r.bus.Broadcast(sessionID, models.NewEvent(models.MsgTaskUpdate, map[string]any{
		"task_id": taskID,
		"status":  string(models.TaskRunning),
	}))

	defer r.gracePeriod(taskCtx)

	if err := r.ensureBrowser(taskCtx, sessionID, taskID, task.BrowserVisible); err != nil {
		r.fail(sessionID, taskID, fmt.Sprintf("Browser startup failed: %v", err))
		return nil
	}

	r.bus.EnsureCapture(sessionID, task.CaptureInterval)

	llm, err := r.resolve(task.Provider, task.Model, task.APIKey, task.UseDefaultKey)
	if err != nil {
		r.fail(sessionID, taskID, fmt.Sprintf("LLM initialization failed: %v", err))
		return nil
	}

	page := r.sessionPage(sessionID)
	if page == nil {
		r.fail(sessionID, taskID, "Browser page unavailable")
		return nil
	}

	observer := func(step agent.StepInfo) {
		r.bus.Broadcast(sessionID, models.NewEvent(models.MsgTaskStep, map[string]any{
			"task_id": taskID,
			"step":    step.Step,
			"goal":    step.Goal,
			"action":  step.Action,
		}))
	}

	result, err := r.agent.Run(taskCtx, task.Instructions, llm, page, observer)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// StopTask already set the terminal status and announced it.
			log.Printf("Task %s stopped by request", short(taskID))
			return nil
		}
		r.fail(sessionID, taskID, fmt.Sprintf("Task execution failed: %v", err))
		return nil
	}

	cleanResult, logEntries := ExtractCleanResult(result.History)
	if cleanResult == FallbackResult && result.FinalMessage != "" {
		cleanResult = result.FinalMessage
	}
	rawOutput := FormatRawOutput(result.History)

	completed := false
	r.registry.Update(sessionID, func(s *models.Session) {
		for _, t := range s.Tasks {
			if t.ID != taskID {
				continue
			}
			// A concurrent stop wins; terminal statuses stay terminal.
			if t.Status.Terminal() {
				return
			}
			t.Status = models.TaskCompleted
			t.Result = cleanResult
			t.RawOutput = rawOutput
			t.StructuredLogs = logEntries
			t.Cancel = nil
			completed = true
			return
		}
	})
	if !completed {
		log.Printf("Task %s reached a terminal state before completion, not overwriting", short(taskID))
		return nil
	}

	log.Printf("✅ Task %s completed: %s", short(taskID), truncate(cleanResult, 80))
	r.bus.Broadcast(sessionID, models.NewEvent(models.MsgTaskComplete, map[string]any{
		"task_id":     taskID,
		"status":      string(models.TaskCompleted),
		"result":      cleanResult,
		"raw_output":  rawOutput,
		"log_entries": logEntries,
		"hide_raw":    true,
	}))

	r.saveHistory(sessionID, taskID, task, cleanResult, string(models.TaskCompleted))
	return nil
}

// ExecuteForIssue creates and runs a task from Jira-sourced instructions,
// returning the finished task so the caller can post the result back.
func (r *Runner) ExecuteForIssue(ctx context.Context, sessionID, instructions string) (*models.Task, error) {
	task, err := r.registry.AddTask(models.Identity{Username: "jira_automation", Privileged: true},
		sessionID, models.CreateTaskRequest{Instructions: instructions})
	if err != nil {
		return nil, err
	}

	if err := r.Execute(ctx, sessionID, task.ID); err != nil {
		return nil, err
	}

	snap, ok := r.registry.Snapshot(sessionID)
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, registry.ErrNotFound)
	}
	for _, t := range snap.Tasks {
		if t.ID == task.ID {
			done := *t
			return &done, nil
		}
	}
	return nil, fmt.Errorf("task %s: %w", task.ID, registry.ErrNotFound)
}

// ensureBrowser lazily creates the session's browser context, forcing
// headless when no display server is available.
func (r *Runner) ensureBrowser(ctx context.Context, sessionID, taskID string, visible bool) error {
	snap, ok := r.registry.Snapshot(sessionID)
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, registry.ErrNotFound)
	}
	if snap.Browser != nil {
		return nil
	}

	headless := !visible
	if visible && !r.xServer {
		headless = true
		log.Printf("No X server available, forcing headless mode for session %s", short(sessionID))
		r.bus.Broadcast(sessionID, models.NewEvent(models.MsgTaskUpdate, map[string]any{
			"task_id": taskID,
			"status":  string(models.TaskRunning),
			"message": "No display server available, running browser in headless mode",
		}))
	}

	browser, err := r.newBrowser(ctx, sessionID, headless)
	if err != nil {
		return err
	}

	kept := r.registry.Update(sessionID, func(s *models.Session) {
		if s.Browser == nil {
			s.Browser = browser
			s.Status = models.SessionBrowserReady
		}
	})
	if !kept {
		browser.Close()
		return fmt.Errorf("session %s: %w", sessionID, registry.ErrNotFound)
	}

	log.Printf("🌐 Browser ready for session %s", short(sessionID))
	r.bus.Broadcast(sessionID, models.NewEvent(models.MsgSessionUpdate, map[string]any{
		"session_id": sessionID,
		"status":     string(models.SessionBrowserReady),
	}))
	return nil
}

func (r *Runner) sessionPage(sessionID string) agent.Page {
	snap, ok := r.registry.Snapshot(sessionID)
	if !ok {
		return nil
	}
	page, _ := snap.Browser.(agent.Page)
	return page
}

// fail marks the task failed unless a stop already made it terminal, and
// announces the failure either way.
func (r *Runner) fail(sessionID, taskID, message string) {
	failed := false
	r.registry.Update(sessionID, func(s *models.Session) {
		for _, t := range s.Tasks {
			if t.ID != taskID {
				continue
			}
			if !t.Status.Terminal() {
				t.Status = models.TaskFailed
				t.Error = message
				t.Cancel = nil
				failed = true
			}
			return
		}
	})

	log.Printf("❌ Task %s failed: %s", short(taskID), message)
	if failed {
		r.bus.Broadcast(sessionID, models.NewEvent(models.MsgTaskError, map[string]any{
			"task_id": taskID,
			"status":  string(models.TaskFailed),
			"error":   message,
		}))
	}
}

// saveHistory records the execution on the owner's history. Persistence
// failures are logged, never surfaced to the task flow.
func (r *Runner) saveHistory(sessionID, taskID string, task models.Task, result, status string) {
	if r.history == nil {
		return
	}
	snap, ok := r.registry.Snapshot(sessionID)
	if !ok {
		return
	}
	entry := models.HistoryEntry{
		TaskID:       taskID,
		SessionID:    sessionID,
		Instructions: task.Instructions,
		Result:       result,
		Status:       status,
		Provider:     task.Provider,
		Model:        task.Model,
		JiraIssueKey: snap.JiraIssueKey,
		ExecutedAt:   time.Now().UTC(),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.history.SaveHistory(ctx, snap.Username, entry); err != nil {
			log.Printf("Error saving history for user %s: %v", snap.Username, err)
		}
	}()
}

// gracePeriod keeps capture running briefly so the final state is
// recorded. Skipped when the surrounding context is already gone.
func (r *Runner) gracePeriod(ctx context.Context) {
	if r.grace <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(r.grace):
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
