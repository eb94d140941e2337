package runner

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixqa/matrix-runner/internal/agent"
	"github.com/matrixqa/matrix-runner/internal/registry"
	"github.com/matrixqa/matrix-runner/pkg/models"
)

type recordedEvent struct {
	sessionID string
	event     models.Event
}

type fakeBus struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (b *fakeBus) Broadcast(sessionID string, ev models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recordedEvent{sessionID: sessionID, event: ev})
}

func (b *fakeBus) EnsureCapture(string, float64) {}

func (b *fakeBus) ofType(t models.ServerMessageType) []models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.Event
	for _, e := range b.events {
		if e.event.Type == t {
			out = append(out, e.event)
		}
	}
	return out
}

type fakeBrowser struct{}

func (fakeBrowser) Navigate(string) error     { return nil }
func (fakeBrowser) Click(string) error        { return nil }
func (fakeBrowser) Fill(string, string) error { return nil }
func (fakeBrowser) Text() (string, error)     { return "page text", nil }
func (fakeBrowser) URL() string               { return "about:blank" }
func (fakeBrowser) Close() error              { return nil }

type fakeLLM struct{}

func (fakeLLM) Complete(context.Context, string, string) (string, error) { return "", nil }

// fakeAgent returns a scripted run result, optionally invoking a hook
// before returning so tests can interleave a stop.
type fakeAgent struct {
	result     *agent.RunResult
	err        error
	beforeDone func()
}

func (f *fakeAgent) Run(ctx context.Context, instructions string, llm agent.LLM, page agent.Page, obs agent.Observer) (*agent.RunResult, error) {
	if obs != nil {
		obs(agent.StepInfo{Step: 1, Goal: "execute instructions", Action: "navigate(about:blank)"})
	}
	if f.beforeDone != nil {
		f.beforeDone()
	}
	return f.result, f.err
}

func newTestRunner(t *testing.T, reg *registry.Registry, bus *fakeBus, fa *fakeAgent) *Runner {
	t.Helper()
	resolve := func(string, string, string, bool) (agent.LLM, error) { return fakeLLM{}, nil }
	factory := func(context.Context, string, bool) (Browser, error) { return fakeBrowser{}, nil }
	r := New(reg, bus, resolve, factory, fa, nil, false)
	r.SetGracePeriod(0)
	return r
}

func TestExecuteCompletesTask(t *testing.T) {
	reg := registry.New()
	bus := &fakeBus{}

	sess, err := reg.CreateSession(models.Identity{Username: "alice"})
	require.NoError(t, err)
	task, err := reg.AddTask(models.Identity{Username: "alice"}, sess.ID,
		models.CreateTaskRequest{Instructions: "open example.com"})
	require.NoError(t, err)

	fa := &fakeAgent{result: &agent.RunResult{
		History: "INFO:browser_use.agent.service:🎯 open example.com\n" +
			"INFO:browser_use.agent.service:📄 Result: Navigated successfully\n" +
			"INFO:browser_use.agent.service:✅ Task finished\n",
		FinalMessage: "Navigated successfully",
	}}

	r := newTestRunner(t, reg, bus, fa)
	require.NoError(t, r.Execute(context.Background(), sess.ID, task.ID))

	done, err := reg.FindTask(models.Identity{Username: "alice"}, sess.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, done.Status)
	assert.Equal(t, "Navigated successfully", done.Result)
	assert.NotEmpty(t, done.RawOutput)

	completes := bus.ofType(models.MsgTaskComplete)
	require.Len(t, completes, 1)
	assert.Equal(t, "Navigated successfully", completes[0].Data["result"])
	assert.Equal(t, true, completes[0].Data["hide_raw"])

	steps := bus.ofType(models.MsgTaskStep)
	require.Len(t, steps, 1)
	assert.Equal(t, 1, steps[0].Data["step"])
}

func TestExecuteBroadcastsSingleTerminalEvent(t *testing.T) {
	reg := registry.New()
	bus := &fakeBus{}

	sess, err := reg.CreateSession(models.Identity{Username: "alice"})
	require.NoError(t, err)
	task, err := reg.AddTask(models.Identity{Username: "alice"}, sess.ID,
		models.CreateTaskRequest{Instructions: "open example.com"})
	require.NoError(t, err)

	fa := &fakeAgent{result: &agent.RunResult{
		History:      "INFO:browser_use.agent.service:📄 Result: done\n",
		FinalMessage: "done",
	}}
	r := newTestRunner(t, reg, bus, fa)
	require.NoError(t, r.Execute(context.Background(), sess.ID, task.ID))

	terminal := 0
	terminal += len(bus.ofType(models.MsgTaskComplete))
	terminal += len(bus.ofType(models.MsgTaskError))
	assert.Equal(t, 1, terminal)
}

func TestExecuteStopWinsOverCompletion(t *testing.T) {
	reg := registry.New()
	bus := &fakeBus{}

	alice := models.Identity{Username: "alice"}
	sess, err := reg.CreateSession(alice)
	require.NoError(t, err)
	task, err := reg.AddTask(alice, sess.ID, models.CreateTaskRequest{Instructions: "open example.com"})
	require.NoError(t, err)

	fa := &fakeAgent{
		result: &agent.RunResult{History: "INFO:browser_use.agent.service:📄 Result: too late\n"},
	}
	fa.beforeDone = func() {
		require.NoError(t, reg.StopTask(alice, sess.ID, task.ID))
	}

	r := newTestRunner(t, reg, bus, fa)
	require.NoError(t, r.Execute(context.Background(), sess.ID, task.ID))

	stopped, err := reg.FindTask(alice, sess.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStopped, stopped.Status)
	assert.Empty(t, bus.ofType(models.MsgTaskComplete))
}

func TestExecuteResolveFailureFailsTask(t *testing.T) {
	reg := registry.New()
	bus := &fakeBus{}

	alice := models.Identity{Username: "alice"}
	sess, err := reg.CreateSession(alice)
	require.NoError(t, err)
	task, err := reg.AddTask(alice, sess.ID, models.CreateTaskRequest{Instructions: "open example.com"})
	require.NoError(t, err)

	resolve := func(string, string, string, bool) (agent.LLM, error) {
		return nil, errors.New("no API key")
	}
	factory := func(context.Context, string, bool) (Browser, error) { return fakeBrowser{}, nil }
	r := New(reg, bus, resolve, factory, &fakeAgent{}, nil, false)
	r.SetGracePeriod(0)

	require.NoError(t, r.Execute(context.Background(), sess.ID, task.ID))

	failed, err := reg.FindTask(alice, sess.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, failed.Status)
	assert.Contains(t, failed.Error, "no API key")

	errs := bus.ofType(models.MsgTaskError)
	require.Len(t, errs, 1)
	assert.Empty(t, bus.ofType(models.MsgTaskComplete))
}

func TestExecuteCancelledAgentLeavesStoppedStatus(t *testing.T) {
	reg := registry.New()
	bus := &fakeBus{}

	alice := models.Identity{Username: "alice"}
	sess, err := reg.CreateSession(alice)
	require.NoError(t, err)
	task, err := reg.AddTask(alice, sess.ID, models.CreateTaskRequest{Instructions: "open example.com"})
	require.NoError(t, err)

	fa := &fakeAgent{err: context.Canceled}
	fa.beforeDone = func() {
		require.NoError(t, reg.StopTask(alice, sess.ID, task.ID))
	}
	r := newTestRunner(t, reg, bus, fa)
	require.NoError(t, r.Execute(context.Background(), sess.ID, task.ID))

	stopped, err := reg.FindTask(alice, sess.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStopped, stopped.Status)
	assert.Empty(t, bus.ofType(models.MsgTaskError))
	assert.Empty(t, bus.ofType(models.MsgTaskComplete))
}

func TestExecuteForIssueReturnsFinishedTask(t *testing.T) {
	reg := registry.New()
	bus := &fakeBus{}

	sess, err := reg.CreateSessionForIssue("QA-42")
	require.NoError(t, err)

	fa := &fakeAgent{result: &agent.RunResult{
		History:      "INFO:browser_use.agent.service:📄 Result: Issue checks passed\n",
		FinalMessage: "Issue checks passed",
	}}
	r := newTestRunner(t, reg, bus, fa)

	task, err := r.ExecuteForIssue(context.Background(), sess.ID, "verify the landing page")
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, task.Status)
	assert.Equal(t, "Issue checks passed", task.Result)
}
