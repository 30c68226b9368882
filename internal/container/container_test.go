package container

import (
	"strings"
	"testing"
)

func TestReadFramedOutput(t *testing.T) {
	stdout := strings.Join([]string{
		"booting agent...",
		OutputStartMarker,
		`{"status":"streaming","result":"working on it"}`,
		OutputEndMarker,
		"some incremental log",
		OutputStartMarker,
		`{"status":"success","result":"done","new_session_id":"sess-42",`,
		` "usage":{"input_tokens":10,"output_tokens":20,"duration_ms":1500,"peak_rss_mb":128}}`,
		OutputEndMarker,
	}, "\n")

	var events []Output
	var logs []string
	readFramedOutput(strings.NewReader(stdout),
		func(o Output) { events = append(events, o) },
		func(l string) { logs = append(logs, l) })

	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Status != StatusStreaming || events[0].Result == nil || *events[0].Result != "working on it" {
		t.Fatalf("first event = %+v", events[0])
	}
	last := events[1]
	if last.Status != StatusSuccess || last.NewSessionID != "sess-42" {
		t.Fatalf("last event = %+v", last)
	}
	if last.Usage == nil || last.Usage.OutputTokens != 20 {
		t.Fatalf("usage = %+v", last.Usage)
	}
	if len(logs) != 2 || logs[0] != "booting agent..." || logs[1] != "some incremental log" {
		t.Fatalf("logs = %v", logs)
	}
}

func TestReadFramedOutputMalformedPayloadBecomesLog(t *testing.T) {
	stdout := strings.Join([]string{
		OutputStartMarker,
		"not json at all {{{",
		OutputEndMarker,
	}, "\n")

	var events []Output
	var logs []string
	readFramedOutput(strings.NewReader(stdout),
		func(o Output) { events = append(events, o) },
		func(l string) { logs = append(logs, l) })

	if len(events) != 0 {
		t.Fatalf("malformed payload produced events: %+v", events)
	}
	if len(logs) != 1 || !strings.Contains(logs[0], "not json") {
		t.Fatalf("logs = %v", logs)
	}
}

func TestReadFramedOutputUnterminatedPayload(t *testing.T) {
	stdout := strings.Join([]string{
		OutputStartMarker,
		`{"status":"streaming","result":"cut off`,
	}, "\n")

	var events []Output
	readFramedOutput(strings.NewReader(stdout), func(o Output) { events = append(events, o) }, nil)
	if len(events) != 0 {
		t.Fatalf("unterminated payload produced events: %+v", events)
	}
}

func TestNamePrefix(t *testing.T) {
	got := NamePrefix("nanoclaw-", "jarvis-worker-1")
	if got != "nanoclaw-jarvis-worker-1-" {
		t.Fatalf("NamePrefix = %q", got)
	}
}
