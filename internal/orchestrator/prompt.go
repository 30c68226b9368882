package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"nanoclaw/internal/dispatch"
	"nanoclaw/internal/shared/jsonx"
	"nanoclaw/internal/store"
)

// promptEnvelope is the JSON object written to a container's stdin on spawn.
type promptEnvelope struct {
	Type        string `json:"type"`
	GroupFolder string `json:"group_folder"`
	ChatJID     string `json:"chat_jid"`
	Prompt      string `json:"prompt"`
	SessionID   string `json:"session_id,omitempty"`
	RunID       string `json:"run_id,omitempty"`
}

func encodePromptEnvelope(folder, chatJID, prompt, sessionID, runID string) ([]byte, error) {
	return jsonx.Marshal(promptEnvelope{
		Type:        "prompt",
		GroupFolder: folder,
		ChatJID:     chatJID,
		Prompt:      prompt,
		SessionID:   sessionID,
		RunID:       runID,
	})
}

// formatMessages renders a message batch the way the agent sees chat history.
func formatMessages(msgs []store.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		name := m.SenderName
		if name == "" {
			name = m.Sender
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.Timestamp.Format(time.RFC3339), name, m.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// buildDispatchPrompt renders the strict worker prompt for one dispatch
// envelope: the task, the repo coordinates, the acceptance gates, and the
// completion contract the run must end with.
func buildDispatchPrompt(env *dispatch.Envelope) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are executing run %s (%s).\n\n", env.RunID, env.TaskType)
	fmt.Fprintf(&b, "Task:\n%s\n\n", env.Input)
	fmt.Fprintf(&b, "Repository: %s\n", env.Repo)
	if env.BaseBranch != "" {
		fmt.Fprintf(&b, "Base branch: %s\n", env.BaseBranch)
	}
	fmt.Fprintf(&b, "Work branch: %s\n\n", env.Branch)

	b.WriteString("Acceptance tests (all must pass before you finish):\n")
	for _, t := range env.AcceptanceTests {
		fmt.Fprintf(&b, "  - %s\n", t)
	}

	fmt.Fprintf(&b, "\nWhen done, end your final message with a <completion> block containing a JSON object with exactly these fields: %s.\n",
		strings.Join(env.OutputContract.RequiredFields, ", "))
	b.WriteString("Provide exactly one of pr_url or pr_skipped_reason. commit_sha must be the real commit hash.\n")
	if env.OutputContract.BrowserEvidenceRequired {
		b.WriteString("Include browser_evidence with a 127.0.0.1 base_url, tools_listed, and execute_tool_evidence.\n")
	}
	return b.String()
}

// buildRepairPrompt asks a resumed session to re-emit a valid completion
// block after the first attempt failed validation.
func buildRepairPrompt(runID string, missing []string, excerpt string) string {
	const excerptLimit = 2000
	if len(excerpt) > excerptLimit {
		excerpt = excerpt[len(excerpt)-excerptLimit:]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Your previous output for run %s did not contain a valid <completion> block.\n\n", runID)
	b.WriteString("Problems:\n")
	for _, m := range missing {
		fmt.Fprintf(&b, "  - %s\n", m)
	}
	fmt.Fprintf(&b, "\nYour previous output ended with:\n%s\n\n", excerpt)
	b.WriteString("Do not redo the work. Emit only a corrected <completion> block for the work you already did.\n")
	return b.String()
}

// summarizeCompletion renders the one-line human summary sent back to the
// planning lane in place of the raw completion JSON.
func summarizeCompletion(c *dispatch.Completion) string {
	pr := c.PRURL
	if pr == "" {
		pr = "PR skipped: " + c.PRSkippedReason
	}
	files := 0
	if c.FilesChanged != nil {
		files = len(*c.FilesChanged)
	}
	return fmt.Sprintf("Run %s finished on %s (commit %s, %d files, risk: %s). %s",
		c.RunID, c.Branch, shortSHA(c.CommitSHA), files, c.Risk, pr)
}

func shortSHA(sha string) string {
	if len(sha) > 10 {
		return sha[:10]
	}
	return sha
}
