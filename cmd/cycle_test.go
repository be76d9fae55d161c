package cmd

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"cmmsbridge/pkg/bridge"
	"cmmsbridge/pkg/config"
)

type recordingCycleRunner struct {
	mu       sync.Mutex
	requests []string
}

func (r *recordingCycleRunner) Cycle(_ context.Context, request []byte) bridge.Reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, string(request))
	if string(request) == "fail" {
		return bridge.Reply{Payload: bridge.ErrorPayload(bridge.MessageLaunchFailure), Outcome: bridge.OutcomeLaunchFailure}
	}
	return bridge.Reply{Payload: append([]byte("ok:"), request...), Outcome: bridge.OutcomeSuccess}
}

func TestIsExitCommand(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{input: "exit", want: true},
		{input: " quit ", want: true},
		{input: ":q", want: true},
		{input: "EXIT", want: true},
		{input: `{"action":"lister"}`, want: false},
		{input: "quit now", want: false},
	}

	for _, tt := range tests {
		if got := isExitCommand(tt.input); got != tt.want {
			t.Fatalf("isExitCommand(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestResolveRequestPrefersFlag(t *testing.T) {
	requestText = ` {"action":"lister"} `
	t.Cleanup(func() { requestText = "" })

	if got := resolveRequest([]string{"ignored"}, nil); got != `{"action":"lister"}` {
		t.Fatalf("resolveRequest = %q", got)
	}
}

func TestResolveRequestJoinsArgs(t *testing.T) {
	if got := resolveRequest([]string{`{"a":`, `1}`}, nil); got != `{"a": 1}` {
		t.Fatalf("resolveRequest = %q", got)
	}
	if got := resolveRequest(nil, nil); got != "" {
		t.Fatalf("resolveRequest without input = %q, want empty", got)
	}
}

func TestRunSingleCycle(t *testing.T) {
	runner := &recordingCycleRunner{}
	var out bytes.Buffer

	runSingleCycle(context.Background(), runner, &out, "{}")

	if got := out.String(); got != "ok:{}\n" {
		t.Fatalf("output = %q", got)
	}
}

func TestRunInteractiveStopsOnExit(t *testing.T) {
	runner := &recordingCycleRunner{}
	in := strings.NewReader("one\n\n fail \nexit\nnever\n")
	var out bytes.Buffer

	if err := runInteractive(context.Background(), runner, in, &out); err != nil {
		t.Fatalf("runInteractive error: %v", err)
	}

	if len(runner.requests) != 2 || runner.requests[0] != "one" || runner.requests[1] != "fail" {
		t.Fatalf("requests = %q, want [one fail]", runner.requests)
	}
	if !strings.Contains(out.String(), "ok:one") {
		t.Fatalf("output = %q, want reply for one", out.String())
	}
	if !strings.Contains(out.String(), `{"error":"Failed to execute worker"}`) {
		t.Fatalf("output = %q, want error payload", out.String())
	}
}

func TestRunInteractiveEndsAtEOF(t *testing.T) {
	runner := &recordingCycleRunner{}
	if err := runInteractive(context.Background(), runner, strings.NewReader("a\nb"), &bytes.Buffer{}); err != nil {
		t.Fatalf("runInteractive error: %v", err)
	}
	if len(runner.requests) != 2 {
		t.Fatalf("requests = %q, want 2", runner.requests)
	}
}

func TestResolveRequestConnectFlag(t *testing.T) {
	sendConnect = true
	t.Cleanup(func() { sendConnect = false })

	cfg := &config.Config{}
	cfg.ApplyDefaults()
	if got := resolveRequest([]string{"ignored"}, cfg); got != `{"action":"lister"}` {
		t.Fatalf("resolveRequest = %q, want connect request", got)
	}
}
