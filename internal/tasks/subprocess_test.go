package tasks

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

type collectingReporter struct {
	logs []LogLine
}

func (c *collectingReporter) Log(level, message string) {
	c.logs = append(c.logs, LogLine{Level: level, Message: message})
}
func (c *collectingReporter) Result(Result)    {}
func (c *collectingReporter) Progress(int)     {}
func (c *collectingReporter) Cancelled() bool  { return false }
func (c *collectingReporter) Fail(string)      {}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "child.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestRunChildParsesResultAndLogs(t *testing.T) {
	script := writeScript(t, `
cat >/dev/null
echo "LOG:info:starting" 1>&2
echo "LOG:error:a warning" 1>&2
echo 'RESULT:{"success":true,"config":{"id":"e@x","csesidx":"c","config_id":"cid","secure_c_ses":"s","host_c_oses":"h","expires_at":"2030-01-01 00:00:00"}}'
`)
	reporter := &collectingReporter{}
	result, err := RunChild(context.Background(), script, LoginRequest{Action: "register", Email: "e@x"}, reporter)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success result, got %+v", result)
	}
	if result.Config == nil || result.Config.ID != "e@x" {
		t.Fatalf("unexpected config: %+v", result.Config)
	}
	if len(reporter.logs) != 2 {
		t.Fatalf("expected 2 streamed log lines, got %d: %+v", len(reporter.logs), reporter.logs)
	}
}

func TestRunChildSurfacesFailurePayload(t *testing.T) {
	script := writeScript(t, `
cat >/dev/null
echo 'RESULT:{"success":false,"error":"login failed"}'
`)
	reporter := &collectingReporter{}
	result, err := RunChild(context.Background(), script, LoginRequest{Action: "login"}, reporter)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure payload")
	}
	if result.Error != "login failed" {
		t.Fatalf("unexpected error message: %q", result.Error)
	}
}

func TestRunChildMissingResultLineErrors(t *testing.T) {
	script := writeScript(t, `
cat >/dev/null
echo "no result here"
`)
	reporter := &collectingReporter{}
	_, err := RunChild(context.Background(), script, LoginRequest{}, reporter)
	if err == nil {
		t.Fatal("expected an error when the child never emits a RESULT line")
	}
}

func TestParseLogLine(t *testing.T) {
	level, msg, ok := parseLogLine("LOG:warning:retrying in 2s")
	if !ok || level != "warning" || msg != "retrying in 2s" {
		t.Fatalf("unexpected parse: level=%q msg=%q ok=%v", level, msg, ok)
	}
	if _, _, ok := parseLogLine("not a log line"); ok {
		t.Fatal("expected non-LOG line to be rejected")
	}
}
