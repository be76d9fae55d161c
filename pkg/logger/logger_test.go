package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"cmmsbridge/pkg/config"
)

func TestLoggerJSONEntryShape(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "info"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.With("component", "bridge.orchestrator").Info("Cycle completed", "request_id", "42", "ok", true)

	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry LogEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}

	if entry.Level != "info" {
		t.Fatalf("level = %q, want %q", entry.Level, "info")
	}
	if entry.Message != "Cycle completed" {
		t.Fatalf("message = %q, want %q", entry.Message, "Cycle completed")
	}
	if entry.Component != "bridge.orchestrator" {
		t.Fatalf("component = %q, want %q", entry.Component, "bridge.orchestrator")
	}
	if entry.Timestamp == "" {
		t.Fatal("expected timestamp")
	}
	if entry.RequestID != "42" {
		t.Fatalf("request_id = %q, want %q", entry.RequestID, "42")
	}
	if _, ok := entry.Fields["request_id"]; ok {
		t.Fatal("request_id should not be duplicated into fields")
	}
	if got := entry.Fields["ok"]; got != true {
		t.Fatalf("fields.ok = %v, want true", got)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "error"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Info("Ignored")
	if got := strings.TrimSpace(out.String()); got != "" {
		t.Fatalf("expected no output for info, got %q", got)
	}

	log.Error("Kept")
	if got := strings.TrimSpace(out.String()); got == "" {
		t.Fatal("expected output for error")
	}
}

func TestLoggerEnvironmentOverrides(t *testing.T) {
	t.Setenv("CMMSBRIDGE_LOG_LEVEL", "debug")
	t.Setenv("CMMSBRIDGE_LOG_FORMAT", "text")
	defer unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "error"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Debug("Debug enabled", "component", "test")
	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected debug output with env override")
	}
	if strings.HasPrefix(line, "{") {
		t.Fatalf("expected text format override, got %q", line)
	}
}

func TestLoggerDefaultsToTextFormat(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Info("Default format")
	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected log output")
	}
	if strings.HasPrefix(line, "{") {
		t.Fatalf("expected text format by default, got %q", line)
	}
}

func unsetLoggingEnv(t *testing.T) {
	t.Helper()
	_ = os.Unsetenv("CMMSBRIDGE_LOG_LEVEL")
	_ = os.Unsetenv("CMMSBRIDGE_LOG_FORMAT")
	_ = os.Unsetenv("CMMSBRIDGE_LOG_ADD_SOURCE")
}

func TestLoggerJSONGroupsAndDurations(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "info"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.WithGroup("cycle").Info("Cycle timing", "duration", 1500*time.Millisecond)

	var entry LogEntry
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	if got := entry.Fields["cycle.duration"]; got != "1.5s" {
		t.Fatalf("fields[cycle.duration] = %v, want %q", got, "1.5s")
	}
}

type channelName string

func (c channelName) String() string { return "channel:" + string(c) }

func TestLoggerJSONErrorField(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "info"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	cause := fmt.Errorf("worker interrupted: %w", errors.New("context canceled"))
	log.Error("Cycle failed",
		"error", cause,
		"channel", channelName("websocket"),
		"reply", []byte(`{"error":"timeout"}`),
		"conn_id", "c7",
	)

	var entry LogEntry
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	if got := entry.Fields["error"]; got != "worker interrupted: context canceled" {
		t.Fatalf("fields.error = %#v, want error text", got)
	}
	if got := entry.Fields["channel"]; got != "channel:websocket" {
		t.Fatalf("fields.channel = %#v, want Stringer text", got)
	}
	if got := entry.Fields["reply"]; got != `{"error":"timeout"}` {
		t.Fatalf("fields.reply = %#v, want payload text", got)
	}
	if entry.ConnID != "c7" {
		t.Fatalf("conn_id = %q, want %q", entry.ConnID, "c7")
	}
}

func TestLoggerEnvironmentErrorNamesSource(t *testing.T) {
	unsetLoggingEnv(t)
	t.Setenv("CMMSBRIDGE_LOG_LEVEL", "loud")

	_, err := newWithWriter(config.LoggingConfig{Level: "info"}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "CMMSBRIDGE_LOG_LEVEL") {
		t.Fatalf("err = %v, want mention of CMMSBRIDGE_LOG_LEVEL", err)
	}
}

func TestLoggerRejectsUnknownFormat(t *testing.T) {
	unsetLoggingEnv(t)

	if _, err := newWithWriter(config.LoggingConfig{Format: "xml"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
	if _, err := newWithWriter(config.LoggingConfig{Level: "loud"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unsupported level")
	}
}

func TestPreview(t *testing.T) {
	if got := Preview([]byte(" {\"action\":\"lister\"} ")); got != `{"action":"lister"}` {
		t.Fatalf("Preview short = %q", got)
	}

	long := strings.Repeat("a", PreviewLimit+20)
	got := Preview([]byte(long))
	if len(got) != PreviewLimit+3 {
		t.Fatalf("Preview long len = %d, want %d", len(got), PreviewLimit+3)
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("Preview long = %q, want ellipsis suffix", got)
	}

	multibyte := strings.Repeat("a", PreviewLimit-1) + "é" + "tail"
	if got := Preview([]byte(multibyte)); !strings.HasSuffix(got, "a...") {
		t.Fatalf("Preview cut inside rune: %q", got[len(got)-8:])
	}
}
