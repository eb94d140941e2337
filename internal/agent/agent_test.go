package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedLLM replays canned replies in order.
type scriptedLLM struct {
	replies []string
	calls   int
}

func (s *scriptedLLM) Complete(_ context.Context, _, _ string) (string, error) {
	if s.calls >= len(s.replies) {
		return "", errors.New("script exhausted")
	}
	reply := s.replies[s.calls]
	s.calls++
	return reply, nil
}

type scriptedPage struct {
	url       string
	text      string
	navigated []string
	clicked   []string
	filled    map[string]string
}

func newScriptedPage() *scriptedPage {
	return &scriptedPage{url: "about:blank", text: "page body", filled: map[string]string{}}
}

func (p *scriptedPage) Navigate(url string) error {
	p.navigated = append(p.navigated, url)
	p.url = url
	return nil
}

func (p *scriptedPage) Click(selector string) error {
	p.clicked = append(p.clicked, selector)
	return nil
}

func (p *scriptedPage) Fill(selector, value string) error {
	p.filled[selector] = value
	return nil
}

func (p *scriptedPage) Text() (string, error) { return p.text, nil }
func (p *scriptedPage) URL() string           { return p.url }

func TestRunDrivesActionsUntilDone(t *testing.T) {
	llm := &scriptedLLM{replies: []string{
		`{"goal": "open the site", "action": {"navigate": {"url": "https://example.com"}}}`,
		`{"goal": "read the page", "action": {"extract": {}}}`,
		`{"goal": "finish", "action": {"done": {"text": "Example loaded fine"}}}`,
	}}
	page := newScriptedPage()

	var steps []StepInfo
	result, err := New().Run(context.Background(), "open example.com", llm, page,
		func(s StepInfo) { steps = append(steps, s) })
	require.NoError(t, err)

	assert.Equal(t, "Example loaded fine", result.FinalMessage)
	assert.Equal(t, []string{"https://example.com"}, page.navigated)
	require.Len(t, steps, 3)
	assert.Equal(t, 1, steps[0].Step)
	assert.Equal(t, "open the site", steps[0].Goal)

	// The history must be readable by the structured-log extractor.
	assert.Contains(t, result.History, "INFO:browser_use.agent.service:🎯 open the site")
	assert.Contains(t, result.History, "📄 Result: Example loaded fine")
	assert.Contains(t, result.History, "✅")
}

func TestRunToleratesCodeFencedReplies(t *testing.T) {
	llm := &scriptedLLM{replies: []string{
		"```json\n{\"goal\": \"finish\", \"action\": {\"done\": {\"text\": \"ok\"}}}\n```",
	}}

	result, err := New().Run(context.Background(), "noop", llm, newScriptedPage(), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.FinalMessage)
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	llm := &scriptedLLM{replies: []string{
		`{"goal": "finish", "action": {"done": {"text": "never reached"}}}`,
	}}

	_, err := New().Run(ctx, "noop", llm, newScriptedPage(), nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, llm.calls)
}

func TestRunFailsOnUnparseableReply(t *testing.T) {
	llm := &scriptedLLM{replies: []string{"I cannot do that"}}

	_, err := New().Run(context.Background(), "noop", llm, newScriptedPage(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unparseable")
}

func TestRunFailsOnUnknownAction(t *testing.T) {
	llm := &scriptedLLM{replies: []string{
		`{"goal": "do something odd", "action": {"teleport": {}}}`,
	}}

	_, err := New().Run(context.Background(), "noop", llm, newScriptedPage(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no recognized action")
}

func TestRunTruncatesLongPageText(t *testing.T) {
	page := newScriptedPage()
	page.text = strings.Repeat("x", pageTextLimit+500)

	llm := &scriptedLLM{replies: []string{
		`{"goal": "read", "action": {"extract": {}}}`,
		`{"goal": "finish", "action": {"done": {"text": "ok"}}}`,
	}}

	result, err := New().Run(context.Background(), "noop", llm, page, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.FinalMessage)
}
