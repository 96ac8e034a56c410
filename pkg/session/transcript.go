// Package session runs the daemon's background session lifecycle: it parses
// CLI transcripts to settle token usage, titles and summaries for finished
// sessions, reaps sessions whose process died, and expires stale handoffs.
package session

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"

	"github.com/gobbyhq/gobby/pkg/errkind"
	"github.com/gobbyhq/gobby/pkg/logger"
)

var transcriptLog = logger.New("session:transcript")

// maxTranscriptLine bounds one JSONL transcript entry. Tool results with
// embedded file contents get large.
const maxTranscriptLine = 8 << 20

// TranscriptStats aggregates what the lifecycle loop needs from a transcript.
type TranscriptStats struct {
	Entries      int
	UserPrompts  int
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	FirstPrompt  string
	LastPrompt   string
}

// transcriptEntry is the subset of a CLI transcript line we read. Both the
// Claude and Gemini JSONL shapes fit; unknown fields are ignored.
type transcriptEntry struct {
	Type    string  `json:"type"`
	CostUSD float64 `json:"costUSD"`
	Message struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
		Usage   struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

// ParseTranscript reads a JSONL transcript and aggregates usage. Unparseable
// lines are skipped, not fatal: transcripts are appended live and the last
// line may be torn.
func ParseTranscript(path string) (*TranscriptStats, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errkind.New(errkind.NotFound, "transcript not found: %s", path)
		}
		return nil, errkind.Wrap(errkind.StorageError, err, "open transcript")
	}
	defer f.Close()

	stats := &TranscriptStats{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64<<10), maxTranscriptLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry transcriptEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		stats.Entries++
		stats.CostUSD += entry.CostUSD
		stats.InputTokens += entry.Message.Usage.InputTokens
		stats.OutputTokens += entry.Message.Usage.OutputTokens
		if entry.Message.Role == "user" && entry.Type != "tool_result" {
			if text := contentText(entry.Message.Content); text != "" {
				stats.UserPrompts++
				if stats.FirstPrompt == "" {
					stats.FirstPrompt = text
				}
				stats.LastPrompt = text
			}
		}
	}
	if err := scanner.Err(); err != nil {
		transcriptLog.Printf("warn: transcript %s truncated: %v", path, err)
	}
	return stats, nil
}

// contentText extracts the plain text from a message content field, which is
// either a string or a list of typed blocks.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && strings.TrimSpace(b.Text) != "" {
			parts = append(parts, strings.TrimSpace(b.Text))
		}
	}
	return strings.Join(parts, "\n")
}
