package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixqa/matrix-runner/pkg/models"
)

type failingBrowser struct {
	closed bool
}

func (b *failingBrowser) Close() error {
	b.closed = true
	return errors.New("browser already gone")
}

var alice = models.Identity{Username: "alice"}

func TestCreateAndGetSession(t *testing.T) {
	reg := New()

	sess, err := reg.CreateSession(alice)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, models.SessionReady, sess.Status)
	assert.Equal(t, models.DefaultVideoSettings, sess.VideoSettings)

	got, err := reg.GetSession(alice, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
}

func TestGetSessionEnforcesOwnership(t *testing.T) {
	reg := New()
	sess, err := reg.CreateSession(alice)
	require.NoError(t, err)

	_, err = reg.GetSession(models.Identity{Username: "bob"}, sess.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	// Admins and privileged service callers bypass the owner check.
	_, err = reg.GetSession(models.Identity{Username: "bob", Role: "admin"}, sess.ID)
	assert.NoError(t, err)
	_, err = reg.GetSession(models.Identity{Username: "svc", Privileged: true}, sess.ID)
	assert.NoError(t, err)
}

func TestDeleteSessionSurvivesBrowserCloseFailure(t *testing.T) {
	reg := New()
	sess, err := reg.CreateSession(alice)
	require.NoError(t, err)

	browser := &failingBrowser{}
	reg.Update(sess.ID, func(s *models.Session) {
		s.Browser = browser
	})

	require.NoError(t, reg.DeleteSession(alice, sess.ID))
	assert.True(t, browser.closed)

	_, err = reg.GetSession(alice, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteSessionReleasesSlot(t *testing.T) {
	reg := New()

	var last *models.Session
	for i := 0; i < maxSessionsPerOwner; i++ {
		sess, err := reg.CreateSession(alice)
		require.NoError(t, err)
		last = sess
	}

	_, err := reg.CreateSession(alice)
	assert.ErrorIs(t, err, ErrLimitReached)

	require.NoError(t, reg.DeleteSession(alice, last.ID))
	_, err = reg.CreateSession(alice)
	assert.NoError(t, err)
}

func TestAddTaskAppliesDefaults(t *testing.T) {
	reg := New()
	sess, err := reg.CreateSession(alice)
	require.NoError(t, err)

	task, err := reg.AddTask(alice, sess.ID, models.CreateTaskRequest{Instructions: "open example.com"})
	require.NoError(t, err)

	assert.Equal(t, models.TaskPending, task.Status)
	assert.True(t, task.BrowserVisible)
	assert.Equal(t, 1.0, task.CaptureInterval)
	assert.Equal(t, "anthropic", task.Provider)
	assert.True(t, task.UseDefaultKey)

	snap, ok := reg.Snapshot(sess.ID)
	require.True(t, ok)
	assert.Equal(t, task.ID, snap.CurrentTaskID)
}

func TestStopTaskOnlyFromRunning(t *testing.T) {
	reg := New()
	sess, err := reg.CreateSession(alice)
	require.NoError(t, err)
	task, err := reg.AddTask(alice, sess.ID, models.CreateTaskRequest{Instructions: "x"})
	require.NoError(t, err)

	err = reg.StopTask(alice, sess.ID, task.ID)
	assert.ErrorIs(t, err, ErrNotRunning)

	cancelled := false
	reg.Update(sess.ID, func(s *models.Session) {
		s.Tasks[0].Status = models.TaskRunning
		s.Tasks[0].Cancel = func() { cancelled = true }
	})

	require.NoError(t, reg.StopTask(alice, sess.ID, task.ID))
	assert.True(t, cancelled)

	stopped, err := reg.FindTask(alice, sess.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStopped, stopped.Status)

	// Terminal statuses are never overwritten.
	err = reg.StopTask(alice, sess.ID, task.ID)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestCreateSessionForIssueLinksIssueKey(t *testing.T) {
	reg := New()
	sess, err := reg.CreateSessionForIssue("QA-17")
	require.NoError(t, err)

	snap, ok := reg.Snapshot(sess.ID)
	require.True(t, ok)
	assert.Equal(t, "QA-17", snap.JiraIssueKey)
	assert.Equal(t, "jira_automation", snap.Username)
}

func TestSnapshotIsolatesTaskSlice(t *testing.T) {
	reg := New()
	sess, err := reg.CreateSession(alice)
	require.NoError(t, err)
	_, err = reg.AddTask(alice, sess.ID, models.CreateTaskRequest{Instructions: "x"})
	require.NoError(t, err)

	snap, ok := reg.Snapshot(sess.ID)
	require.True(t, ok)

	_, err = reg.AddTask(alice, sess.ID, models.CreateTaskRequest{Instructions: "y"})
	require.NoError(t, err)

	assert.Len(t, snap.Tasks, 1)
}
