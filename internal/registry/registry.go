// Package registry is the process-wide table of sessions and their nested
// tasks. It is the single writer for session and task fields: every
// read-modify-write of shared lifecycle state happens under its mutex, so
// the executor, hub and HTTP handlers never observe a half-updated session.
package registry

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/matrixqa/matrix-runner/pkg/models"
)

// maxSessionsPerOwner bounds concurrently open sessions per user.
const maxSessionsPerOwner = 10

// Registry owns all live sessions. Constructed once in main and passed by
// reference; nothing here is a package-level global.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	slots    map[string]*semaphore.Weighted
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[string]*models.Session),
		slots:    make(map[string]*semaphore.Weighted),
	}
}

// CreateSession registers a new session owned by the caller.
func (r *Registry) CreateSession(id models.Identity) (*models.Session, error) {
	if err := r.acquireSlot(id.Username); err != nil {
		return nil, err
	}

	sess := &models.Session{
		ID:            uuid.New().String(),
		Username:      id.Username,
		Status:        models.SessionReady,
		Tasks:         []*models.Task{},
		VideoSettings: models.DefaultVideoSettings,
		CreatedAt:     time.Now().UTC(),
	}

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()

	return sess, nil
}

// CreateSessionForIssue registers a session on behalf of the Jira webhook
// flow, owned by the automation pseudo-user and linked to the issue.
func (r *Registry) CreateSessionForIssue(issueKey string) (*models.Session, error) {
	sess, err := r.CreateSession(models.Identity{Username: "jira_automation", Privileged: true})
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	sess.JiraIssueKey = issueKey
	r.mu.Unlock()
	return sess, nil
}

// GetSession returns the session after checking the caller owns it.
func (r *Registry) GetSession(id models.Identity, sessionID string) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookup(id, sessionID)
}

// Lookup fetches a session without an authorization check. Internal
// collaborators (hub, executor) use it; HTTP handlers must not.
func (r *Registry) Lookup(sessionID string) (*models.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sessionID]
	return sess, ok
}

// DeleteSession closes the session's browser context (close errors are
// swallowed) and removes the entry. Safe to call even when the browser
// close fails; the entry is always removed.
func (r *Registry) DeleteSession(id models.Identity, sessionID string) error {
	r.mu.Lock()
	sess, err := r.lookup(id, sessionID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	browser := sess.Browser
	owner := sess.Username
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if browser != nil {
		if cerr := browser.Close(); cerr != nil {
			log.Printf("Warning: failed to close browser for session %s: %v", short(sessionID), cerr)
		}
	}
	r.releaseSlot(owner)
	return nil
}

// AddTask appends a pending task to the session. The tasks list is
// append-only for the session's lifetime.
func (r *Registry) AddTask(id models.Identity, sessionID string, req models.CreateTaskRequest) (*models.Task, error) {
	req.Defaults()

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, err := r.lookup(id, sessionID)
	if err != nil {
		return nil, err
	}

	task := &models.Task{
		ID:              uuid.New().String(),
		Instructions:    req.Instructions,
		BrowserVisible:  *req.BrowserVisible,
		CaptureInterval: req.CaptureInterval,
		Provider:        req.Provider,
		Model:           req.Model,
		APIKey:          req.APIKey,
		UseDefaultKey:   *req.UseDefaultKey,
		Status:          models.TaskPending,
		CreatedAt:       time.Now().UTC(),
	}
	sess.Tasks = append(sess.Tasks, task)
	sess.CurrentTaskID = task.ID
	return task, nil
}

// FindTask returns a task within the session after the owner check.
func (r *Registry) FindTask(id models.Identity, sessionID, taskID string) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, err := r.lookup(id, sessionID)
	if err != nil {
		return nil, err
	}
	for _, t := range sess.Tasks {
		if t.ID == taskID {
			return t, nil
		}
	}
	return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
}

// StopTask marks a running task stopped and cancels its agent run. Only
// running tasks can be stopped; terminal statuses are never overwritten.
func (r *Registry) StopTask(id models.Identity, sessionID, taskID string) error {
	r.mu.Lock()
	sess, err := r.lookup(id, sessionID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	var task *models.Task
	for _, t := range sess.Tasks {
		if t.ID == taskID {
			task = t
			break
		}
	}
	if task == nil {
		r.mu.Unlock()
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if task.Status != models.TaskRunning {
		r.mu.Unlock()
		return fmt.Errorf("task is not running: %w", ErrNotRunning)
	}
	task.Status = models.TaskStopped
	cancel := task.Cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// Update runs fn with the session under the registry lock. Collaborators
// use it for read-modify-write sequences on session/task fields; fn must
// not block.
func (r *Registry) Update(sessionID string, fn func(*models.Session)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	fn(sess)
	return true
}

// Snapshot returns a point-in-time copy of status, tasks and settings for
// safe reads outside the lock.
func (r *Registry) Snapshot(sessionID string) (models.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return models.Session{}, false
	}
	cp := *sess
	cp.Tasks = append([]*models.Task(nil), sess.Tasks...)
	return cp, true
}

func (r *Registry) lookup(id models.Identity, sessionID string) (*models.Session, error) {
	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if !id.CanAccess(sess.Username) {
		return nil, ErrForbidden
	}
	return sess, nil
}

func (r *Registry) acquireSlot(owner string) error {
	if owner == "" {
		return nil
	}
	r.mu.Lock()
	sem, ok := r.slots[owner]
	if !ok {
		sem = semaphore.NewWeighted(maxSessionsPerOwner)
		r.slots[owner] = sem
	}
	r.mu.Unlock()

	if !sem.TryAcquire(1) {
		return fmt.Errorf("concurrency limit reached for user %s: %w", owner, ErrLimitReached)
	}
	return nil
}

func (r *Registry) releaseSlot(owner string) {
	if owner == "" {
		return
	}
	r.mu.RLock()
	sem := r.slots[owner]
	r.mu.RUnlock()
	if sem != nil {
		sem.Release(1)
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
