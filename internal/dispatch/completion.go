package dispatch

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"nanoclaw/internal/shared/jsonx"
)

// BrowserEvidence is the optional UI proof bundle in a completion.
type BrowserEvidence struct {
	BaseURL             string   `json:"base_url"`
	ToolsListed         []string `json:"tools_listed"`
	ExecuteToolEvidence []string `json:"execute_tool_evidence"`
}

// Completion is the contract a worker run must emit before it terminates.
type Completion struct {
	RunID           string           `json:"run_id"`
	Branch          string           `json:"branch"`
	CommitSHA       string           `json:"commit_sha"`
	FilesChanged    *[]string        `json:"files_changed,omitempty"`
	TestResult      string           `json:"test_result"`
	Risk            string           `json:"risk"`
	PRURL           string           `json:"pr_url,omitempty"`
	PRSkippedReason string           `json:"pr_skipped_reason,omitempty"`
	SessionID       string           `json:"session_id,omitempty"`
	BrowserEvidence *BrowserEvidence `json:"browser_evidence,omitempty"`
}

// Result is the outcome of completion validation. Missing lists the field
// names and reason codes a repair prompt should ask for.
type Result struct {
	Valid   bool
	Missing []string
}

// Expectations binds a completion check to the dispatch that started the run.
type Expectations struct {
	RunID                   string
	Branch                  string
	RequiredFields          []string
	BrowserEvidenceRequired bool
	AllowNoCodeChanges      bool
}

var (
	commitSHAPattern  = regexp.MustCompile(`^[0-9a-fA-F]{6,40}$`)
	loopbackPattern   = regexp.MustCompile(`^https?://127\.0\.0\.1(:\d+)?(/|$)`)
	completionPattern = regexp.MustCompile(`(?is)<completion>(.*?)</completion>`)
	jsonFencePattern  = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
)

// noCodeSHAPlaceholders are accepted in commit_sha when the run is allowed to
// land no code changes.
var noCodeSHAPlaceholders = map[string]bool{"n/a": true, "na": true, "none": true, "no-commit": true}

// noCodeRunIDPrefixes identify operational runs that never produce commits.
var noCodeRunIDPrefixes = []string{"ping-", "smoke-", "health-", "sync-"}

// RunIDImpliesNoCode reports whether the run id alone permits a placeholder
// commit sha.
func RunIDImpliesNoCode(runID string) bool {
	for _, p := range noCodeRunIDPrefixes {
		if strings.HasPrefix(runID, p) {
			return true
		}
	}
	return false
}

// ErrNoCompletion is returned when agent output carries no completion payload.
var ErrNoCompletion = errors.New("no completion block in output")

// ParseCompletion extracts and decodes the completion contract from raw agent
// output. Search order: first <completion> block (case-insensitive), then a
// ```json fenced object, then a bare embedded JSON object. When the output is
// itself a JSON-escaped string (the agent serialized its own answer), one
// layer of \n, \", \\ unescaping is applied and the search repeats.
func ParseCompletion(output string) (*Completion, error) {
	if c, err := parseCompletionOnce(output); err == nil {
		return c, nil
	}
	unescaped, changed := unescapeOneLayer(output)
	if !changed {
		return nil, ErrNoCompletion
	}
	c, err := parseCompletionOnce(unescaped)
	if err != nil {
		return nil, ErrNoCompletion
	}
	return c, nil
}

func parseCompletionOnce(output string) (*Completion, error) {
	var candidate string
	if m := completionPattern.FindStringSubmatch(output); m != nil {
		candidate = strings.TrimSpace(m[1])
		// The block body may itself be fenced.
		if fm := jsonFencePattern.FindStringSubmatch(candidate); fm != nil {
			candidate = fm[1]
		}
	} else if fm := jsonFencePattern.FindStringSubmatch(output); fm != nil {
		candidate = fm[1]
	} else {
		candidate = extractJSONObject(output)
	}
	if candidate == "" {
		return nil, ErrNoCompletion
	}

	raw := []byte(candidate)
	if !jsonx.Valid(raw) {
		repaired, err := jsonrepair.JSONRepair(candidate)
		if err != nil {
			return nil, ErrNoCompletion
		}
		raw = []byte(repaired)
	}

	var c Completion
	if err := jsonx.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode completion: %w", err)
	}
	if c.RunID == "" && c.Branch == "" && c.CommitSHA == "" {
		return nil, ErrNoCompletion
	}
	return &c, nil
}

func unescapeOneLayer(s string) (string, bool) {
	if !strings.Contains(s, `\"`) && !strings.Contains(s, `\n`) {
		return s, false
	}
	r := strings.NewReplacer(`\n`, "\n", `\"`, `"`, `\\`, `\`)
	return r.Replace(s), true
}

// ValidateCompletion checks a parsed completion against the expectations of
// the dispatch that started the run.
func ValidateCompletion(c *Completion, exp Expectations) Result {
	var missing []string
	add := func(reason string) { missing = append(missing, reason) }

	if c == nil {
		return Result{Missing: []string{"completion block"}}
	}

	allowNoCode := exp.AllowNoCodeChanges || c.PRSkippedReason != "" || RunIDImpliesNoCode(c.RunID)

	if c.RunID != exp.RunID {
		add("run_id mismatch")
	}
	switch {
	case c.Branch == "":
		add("branch")
	case exp.Branch != "" && c.Branch != exp.Branch:
		add("branch mismatch")
	case exp.Branch == "" && !branchPattern.MatchString(c.Branch):
		add("branch format")
	}

	if !commitSHAPattern.MatchString(c.CommitSHA) {
		placeholder := c.CommitSHA == "" || noCodeSHAPlaceholders[strings.ToLower(c.CommitSHA)]
		if !placeholder || !allowNoCode {
			add("commit_sha format")
		}
	}

	switch {
	case c.FilesChanged == nil:
		if !allowNoCode {
			add("files_changed")
		}
	case len(*c.FilesChanged) == 0:
		if !allowNoCode {
			add("files_changed empty")
		}
	default:
		for _, f := range *c.FilesChanged {
			if strings.TrimSpace(f) == "" {
				add("files_changed entry empty")
				break
			}
		}
	}

	if strings.TrimSpace(c.TestResult) == "" {
		add("test_result")
	}
	if strings.TrimSpace(c.Risk) == "" {
		add("risk")
	}

	switch {
	case c.PRURL == "" && c.PRSkippedReason == "":
		add("pr_url or pr_skipped_reason")
	case c.PRURL != "" && c.PRSkippedReason != "":
		add("pr_url and pr_skipped_reason both present")
	}

	if requiresField(exp.RequiredFields, "session_id") {
		if c.SessionID == "" || len(c.SessionID) > 128 || !sessionIDPattern.MatchString(c.SessionID) {
			add("session_id")
		}
	}

	if exp.BrowserEvidenceRequired {
		missing = append(missing, validateBrowserEvidence(c.BrowserEvidence)...)
	}

	return Result{Valid: len(missing) == 0, Missing: missing}
}

func validateBrowserEvidence(ev *BrowserEvidence) []string {
	if ev == nil {
		return []string{"browser_evidence"}
	}
	var missing []string
	if !loopbackPattern.MatchString(ev.BaseURL) {
		missing = append(missing, "browser_evidence.base_url")
	}
	if len(ev.ToolsListed) == 0 {
		missing = append(missing, "browser_evidence.tools_listed")
	}
	if len(ev.ExecuteToolEvidence) == 0 {
		missing = append(missing, "browser_evidence.execute_tool_evidence")
	}
	for _, entries := range [][]string{ev.ToolsListed, ev.ExecuteToolEvidence} {
		for _, e := range entries {
			if screenshotDirectivePattern.MatchString(e) {
				missing = append(missing, "browser_evidence.no_screenshots")
				return missing
			}
		}
	}
	return missing
}

func requiresField(required []string, name string) bool {
	for _, f := range required {
		if f == name {
			return true
		}
	}
	return false
}

// SerializeCompletion renders a completion back into its wrapped wire form.
// ParseCompletion(SerializeCompletion(c)) round-trips for any valid c.
func SerializeCompletion(c *Completion) (string, error) {
	raw, err := jsonx.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", fmt.Errorf("serialize completion: %w", err)
	}
	return "<completion>\n" + string(raw) + "\n</completion>", nil
}
