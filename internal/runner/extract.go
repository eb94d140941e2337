package runner

import (
	"regexp"
	"strings"

	"github.com/matrixqa/matrix-runner/pkg/models"
)

// FallbackResult is the terminal fallback when no recognizable result can
// be extracted from raw agent output. The hub's broadcast upgrade and the
// history formatter both key off this exact string.
const FallbackResult = "Task completed successfully."

const serviceMarker = "INFO:browser_use.agent.service:"

var (
	whitespaceRun  = regexp.MustCompile(`\s+`)
	inlineResultRe = regexp.MustCompile(`(?s)Result:\s*(.*)`)

	// Trailing-result fallbacks, tried in order against the cleaned text.
	// Each match runs to the next log marker or the end of the text.
	resultPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?is)📄 Result:\s*(.*?)(?:\n(?:INFO:|✅|📝)|\n?$)`),
		regexp.MustCompile(`(?is)INFO:browser_use\.agent\.service:📄 Result:\s*(.*?)(?:\nINFO:|\n?$)`),
		regexp.MustCompile(`(?is)📄\s*Result:\s*(.*?)(?:\n(?:INFO:|✅|📝)|\n?$)`),
		regexp.MustCompile(`(?is)Result:\s*(.*?)(?:\n(?:INFO:|✅|📝)|\n?$)`),
	}

	doneTextRe       = regexp.MustCompile(`"done":\s*\{"text":\s*"([^"]*)"`)
	doneTextSingleRe = regexp.MustCompile(`'done':\s*\{'text':\s*'([^']*)'`)

	extractedContentRe = regexp.MustCompile(`extracted_content='([^']*)'`)
	quotedTextRe       = regexp.MustCompile(`text': '([^']*)'`)

	jsonBlockRe = regexp.MustCompile("(?s)```json\n(.*?)\n```")

	multiNewlineRe = regexp.MustCompile(`\n{3,}`)
	infoLineRe     = regexp.MustCompile(`(INFO:[^\n]+)\n`)
)

func cleanText(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	s = strings.ReplaceAll(s, "\x00", "")
	return strings.TrimSpace(s)
}

// extractLogEntries splits raw agent output on the agent-service log
// marker and classifies each entry by its leading glyph.
func extractLogEntries(resultText string) []models.LogEntry {
	var entries []models.LogEntry
	cleaned := cleanText(resultText)

	var segments []string
	rest := cleaned
	for {
		idx := strings.Index(rest, serviceMarker)
		if idx < 0 {
			break
		}
		rest = rest[idx+len(serviceMarker):]
		end := strings.Index(rest, "\n"+serviceMarker)
		if end < 0 {
			segments = append(segments, rest)
			break
		}
		segments = append(segments, rest[:end])
		rest = rest[end:]
	}

	for _, seg := range segments {
		entry := strings.TrimSpace(seg)
		if entry == "" {
			continue
		}

		entryType, icon, text := "info", "", entry
		switch {
		case strings.HasPrefix(entry, "🧠"):
			entryType, icon, text = "memory", "🧠", strings.TrimPrefix(entry, "🧠")
		case strings.HasPrefix(entry, "🎯"):
			entryType, icon, text = "goal", "🎯", strings.TrimPrefix(entry, "🎯")
		case strings.HasPrefix(entry, "🛠️"):
			entryType, icon, text = "action", "🛠️", strings.TrimPrefix(entry, "🛠️")
		case strings.HasPrefix(entry, "📄 Result:"):
			entryType, icon, text = "result", "📄", strings.TrimPrefix(entry, "📄 Result:")
		case strings.HasPrefix(entry, "📄"):
			entryType, icon, text = "result", "📄", strings.TrimPrefix(entry, "📄")
		case strings.HasPrefix(entry, "✅"):
			entryType, icon, text = "success", "✅", strings.TrimPrefix(entry, "✅")
		case strings.HasPrefix(entry, "❌"):
			entryType, icon, text = "error", "❌", strings.TrimPrefix(entry, "❌")
		case strings.Contains(entry, "Result:"):
			entryType, icon = "result", "📄"
			if m := inlineResultRe.FindStringSubmatch(entry); m != nil {
				text = m[1]
			}
		}

		text = whitespaceRun.ReplaceAllString(strings.TrimSpace(text), " ")
		text = strings.TrimSpace(text)
		if text != "" {
			entries = append(entries, models.LogEntry{Type: entryType, Icon: icon, Text: text})
		}
	}
	return entries
}

func isJSONExtraction(text string) bool {
	return strings.Contains(text, "Extracted from page") && strings.Contains(text, "```json")
}

// cleanHistoryString scrapes a result from an agent history dump. Used as
// the last structured fallback when the raw output is a stringified
// history object rather than log lines.
func cleanHistoryString(historyStr string) string {
	cleaned := cleanText(historyStr)

	extracted := captureAll(extractedContentRe, cleaned)
	doneTexts := captureAll(quotedTextRe, cleaned)

	for _, content := range extracted {
		lower := strings.ToLower(content)
		if (strings.Contains(lower, "navigated to") && strings.Contains(lower, "requested")) ||
			(strings.Contains(lower, "successfully") && strings.Contains(lower, "requested")) {
			return content
		}
	}
	for i := len(doneTexts) - 1; i >= 0; i-- {
		if len(doneTexts[i]) > 5 {
			return doneTexts[i]
		}
	}
	if len(extracted) > 0 {
		return extracted[len(extracted)-1]
	}
	return FallbackResult
}

// ExtractCleanResult derives the human-readable result and structured log
// entries from raw agent output. The fallback ordering is a compatibility
// contract: structured result entries (last non-JSON-extraction one wins),
// then trailing Result: markers, then a done-text fragment, then history
// scraping, then a raw JSON block, then the literal fallback string.
func ExtractCleanResult(resultText string) (string, []models.LogEntry) {
	logEntries := extractLogEntries(resultText)

	var cleanResult, jsonExtraction string

	var resultEntries []models.LogEntry
	for _, e := range logEntries {
		if e.Type == "result" {
			resultEntries = append(resultEntries, e)
		}
	}
	for i := len(resultEntries) - 1; i >= 0; i-- {
		text := resultEntries[i].Text
		if isJSONExtraction(text) {
			if jsonExtraction == "" {
				jsonExtraction = text
			}
			continue
		}
		cleanResult = text
		break
	}

	if cleanResult == "" {
		cleaned := cleanText(resultText)
		for _, pattern := range resultPatterns {
			matches := pattern.FindAllStringSubmatch(cleaned, -1)
			if len(matches) == 0 {
				continue
			}
			found := strings.TrimSpace(matches[len(matches)-1][1])
			if isJSONExtraction(found) {
				if jsonExtraction == "" {
					jsonExtraction = found
				}
				continue
			}
			cleanResult = strings.TrimSpace(whitespaceRun.ReplaceAllString(found, " "))
			break
		}
	}

	if cleanResult == "" {
		if strings.Contains(resultText, `{"done":{"text":`) {
			if m := doneTextRe.FindStringSubmatch(resultText); m != nil {
				cleanResult = m[1]
			}
		} else if m := doneTextSingleRe.FindStringSubmatch(resultText); m != nil {
			cleanResult = m[1]
		}
	}

	if cleanResult == "" &&
		(strings.Contains(resultText, "AgentHistoryList") || strings.Contains(resultText, "ActionResult")) {
		cleanResult = cleanHistoryString(resultText)
	}

	var jsonContent string
	if m := jsonBlockRe.FindStringSubmatch(resultText); m != nil {
		jsonContent = strings.TrimSpace(m[1])
	}

	switch {
	case cleanResult != "":
		return cleanResult, logEntries
	case jsonExtraction != "":
		return jsonExtraction, logEntries
	case jsonContent != "":
		return "```json\n" + jsonContent + "\n```", logEntries
	default:
		return FallbackResult, logEntries
	}
}

// FormatRawOutput reflows raw agent output for diagnostic display.
func FormatRawOutput(rawOutput string) string {
	formatted := multiNewlineRe.ReplaceAllString(rawOutput, "\n\n")
	formatted = infoLineRe.ReplaceAllString(formatted, "$1\n\n")
	if strings.Contains(formatted, "AgentHistoryList") {
		r := strings.NewReplacer(
			", ", ",\n  ",
			"(", "(\n  ",
			")", "\n)",
			"[", "[\n  ",
			"]", "\n]",
		)
		formatted = r.Replace(formatted)
	}
	return formatted
}

func captureAll(re *regexp.Regexp, s string) []string {
	var out []string
	for _, m := range re.FindAllStringSubmatch(s, -1) {
		out = append(out, m[1])
	}
	return out
}
