package orchestrator

import (
	"fmt"
	"regexp"
	"strings"

	"nanoclaw/internal/dispatch"
)

var internalBlockPattern = regexp.MustCompile(`(?is)<internal>.*?</internal>`)

// stripInternal removes agent-private reasoning blocks before anything
// reaches a chat.
func stripInternal(text string) string {
	return strings.TrimSpace(internalBlockPattern.ReplaceAllString(text, ""))
}

// sanitizeOutbound rewrites a lane's output that accidentally echoes a raw
// dispatch JSON into a human one-liner. Raw envelopes in chat would trip the
// dispatch gate when forwarded.
func sanitizeOutbound(text string) string {
	env, err := dispatch.ParseEnvelope(text)
	if err != nil {
		return text
	}
	if len(dispatch.ValidateEnvelope(env)) > 0 {
		return text
	}
	return fmt.Sprintf("Dispatched %s (%s) to %s on %s.", env.RunID, env.TaskType, env.Branch, env.Repo)
}

// greetings the planner lane answers from a canned response without spinning
// up a container.
var simpleGreetings = map[string]bool{
	"hi": true, "hello": true, "hey": true, "yo": true, "hiya": true,
	"good morning": true, "good afternoon": true, "good evening": true,
	"morning": true, "evening": true, "thanks": true, "thank you": true,
}

// isSimpleGreeting reports whether text is a bare greeting, optionally
// prefixed with the assistant trigger.
func isSimpleGreeting(text, assistantName string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.TrimPrefix(t, "@"+strings.ToLower(assistantName))
	t = strings.Trim(t, " \t.,!?")
	if t == "" {
		return false
	}
	if simpleGreetings[t] {
		return true
	}
	t = strings.TrimSuffix(t, " "+strings.ToLower(assistantName))
	t = strings.Trim(t, " \t.,!?")
	return simpleGreetings[t]
}

func greetingReply(assistantName string) string {
	return fmt.Sprintf("Hey! %s here. Send me a task or a dispatch and I'll get to work.", assistantName)
}
