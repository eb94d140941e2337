// Package agent runs one set of automation instructions against a
// session's browser page, asking the model for one action per step and
// reporting each step to an observer callback.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
)

const (
	maxSteps      = 100
	pageTextLimit = 4000

	systemPrompt = `You are a browser automation agent executing QA test instructions.
On every turn respond with a single JSON object and nothing else:
{"goal": "<your next goal>", "action": {"<name>": {...}}}
Actions:
  {"navigate": {"url": "https://..."}}
  {"click": {"selector": "<css selector>"}}
  {"fill": {"selector": "<css selector>", "value": "<text>"}}
  {"extract": {}}                 (read the current page text)
  {"done": {"text": "<final result summary>"}}
Finish with "done" as soon as the instructions are satisfied.`
)

// LLM is the resolved model handle the agent drives.
type LLM interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Page is the browser surface the agent acts on.
type Page interface {
	Navigate(url string) error
	Click(selector string) error
	Fill(selector, value string) error
	Text() (string, error)
	URL() string
}

// StepInfo describes one completed agent step for live broadcasting.
type StepInfo struct {
	Step   int    `json:"step"`
	Goal   string `json:"goal"`
	Action string `json:"action"`
}

// Observer receives a notification after each step. Extraction failures
// inside the observer path never abort the run.
type Observer func(StepInfo)

// RunResult is the agent's completed output: the raw step history in the
// structured-log format the result extractor understands, plus the final
// message the model produced.
type RunResult struct {
	History      string
	FinalMessage string
}

// Runner executes instruction runs. Stateless; safe for concurrent use.
type Runner struct{}

// New creates an agent runner.
func New() *Runner {
	return &Runner{}
}

type action struct {
	Navigate *struct {
		URL string `json:"url"`
	} `json:"navigate,omitempty"`
	Click *struct {
		Selector string `json:"selector"`
	} `json:"click,omitempty"`
	Fill *struct {
		Selector string `json:"selector"`
		Value    string `json:"value"`
	} `json:"fill,omitempty"`
	Extract *struct{} `json:"extract,omitempty"`
	Done    *struct {
		Text string `json:"text"`
	} `json:"done,omitempty"`
}

type turn struct {
	Goal   string `json:"goal"`
	Action action `json:"action"`
}

// Run drives the instruction loop until the model declares done, the step
// budget runs out, or ctx is cancelled between steps.
func (r *Runner) Run(ctx context.Context, instructions string, llm LLM, page Page, obs Observer) (*RunResult, error) {
	var history strings.Builder
	logLine := func(glyph, text string) {
		fmt.Fprintf(&history, "INFO:browser_use.agent.service:%s %s\n", glyph, text)
	}

	var lastObservation string
	finalMessage := ""

	for step := 1; step <= maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		prompt := buildPrompt(instructions, page.URL(), lastObservation, step)
		reply, err := llm.Complete(ctx, systemPrompt, prompt)
		if err != nil {
			return nil, fmt.Errorf("agent step %d: %w", step, err)
		}

		t, err := parseTurn(reply)
		if err != nil {
			return nil, fmt.Errorf("agent step %d: unparseable model reply: %w", step, err)
		}

		logLine("🎯", t.Goal)

		actionDesc, observation, done, err := r.apply(t.Action, page)
		if err != nil {
			logLine("❌", err.Error())
			return nil, fmt.Errorf("agent step %d: %w", step, err)
		}
		logLine("🛠️", actionDesc)
		if observation != "" {
			lastObservation = observation
		}

		if obs != nil {
			obs(StepInfo{Step: step, Goal: t.Goal, Action: actionDesc})
		}

		if done {
			finalMessage = t.Action.Done.Text
			logLine("📄 Result:", finalMessage)
			logLine("✅", "Task finished")
			break
		}
	}

	if finalMessage == "" {
		log.Println("Agent exhausted step budget without a done action")
		finalMessage = "Task completed, message not extracted."
	}

	return &RunResult{History: history.String(), FinalMessage: finalMessage}, nil
}

func (r *Runner) apply(a action, page Page) (desc, observation string, done bool, err error) {
	switch {
	case a.Navigate != nil:
		if err := page.Navigate(a.Navigate.URL); err != nil {
			return "", "", false, err
		}
		return fmt.Sprintf("navigate(%s)", a.Navigate.URL), "", false, nil
	case a.Click != nil:
		if err := page.Click(a.Click.Selector); err != nil {
			return "", "", false, err
		}
		return fmt.Sprintf("click(%s)", a.Click.Selector), "", false, nil
	case a.Fill != nil:
		if err := page.Fill(a.Fill.Selector, a.Fill.Value); err != nil {
			return "", "", false, err
		}
		return fmt.Sprintf("fill(%s)", a.Fill.Selector), "", false, nil
	case a.Extract != nil:
		text, err := page.Text()
		if err != nil {
			return "", "", false, err
		}
		if len(text) > pageTextLimit {
			text = text[:pageTextLimit]
		}
		return "extract()", text, false, nil
	case a.Done != nil:
		return fmt.Sprintf("done(%s)", a.Done.Text), "", true, nil
	default:
		return "", "", false, fmt.Errorf("model reply contained no recognized action")
	}
}

func buildPrompt(instructions, url, observation string, step int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Instructions: %s\n", instructions)
	fmt.Fprintf(&b, "Step: %d\n", step)
	fmt.Fprintf(&b, "Current URL: %s\n", url)
	if observation != "" {
		fmt.Fprintf(&b, "Last page text:\n%s\n", observation)
	}
	b.WriteString("Respond with your next action as JSON.")
	return b.String()
}

// parseTurn tolerates code fences and leading prose around the JSON body.
func parseTurn(reply string) (*turn, error) {
	cleaned := strings.TrimSpace(reply)
	if i := strings.Index(cleaned, "{"); i > 0 {
		cleaned = cleaned[i:]
	}
	if i := strings.LastIndex(cleaned, "}"); i >= 0 {
		cleaned = cleaned[:i+1]
	}
	var t turn
	if err := json.Unmarshal([]byte(cleaned), &t); err != nil {
		return nil, err
	}
	return &t, nil
}
