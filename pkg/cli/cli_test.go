package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"
	"testing"
	"time"
)

// ============================================================================
// Error Tests
// ============================================================================

func TestConfigError(t *testing.T) {
	inner := errors.New("limits.rules.ip.requests_per_minute: must be positive")
	err := NewConfigError("config.yaml", inner)

	expected := "config error in config.yaml: limits.rules.ip.requests_per_minute: must be positive"
	if err.Error() != expected {
		t.Errorf("Expected %q, got %q", expected, err.Error())
	}
	if !errors.Is(err, inner) {
		t.Error("Expected errors.Is to find the wrapped error")
	}

	if got := NewConfigError("", inner).Error(); !strings.HasPrefix(got, "config error: ") {
		t.Errorf("Expected pathless message, got %q", got)
	}
}

func TestCommandError(t *testing.T) {
	inner := errors.New("listen tcp: address in use")
	err := NewCommandError("run", inner)

	expected := "command run failed: listen tcp: address in use"
	if err.Error() != expected {
		t.Errorf("Expected %q, got %q", expected, err.Error())
	}
	if !errors.Is(err, inner) {
		t.Error("Expected errors.Is to find the wrapped error")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"config", NewConfigError("c.yaml", errors.New("bad")), ExitConfig},
		{"wrapped config", fmt.Errorf("run: %w", NewConfigError("", errors.New("bad"))), ExitConfig},
		{"command", NewCommandError("run", errors.New("boom")), ExitFailure},
		{"plain", errors.New("boom"), ExitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, got)
			}
		})
	}
}

// ============================================================================
// Output Tests
// ============================================================================

type report struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func (r report) Text() string { return fmt.Sprintf("%s=%d\n", r.Name, r.Count) }

func (r report) Header() []string { return []string{"name", "count"} }

func (r report) Rows() [][]string {
	return [][]string{{r.Name, fmt.Sprint(r.Count)}}
}

func TestFormatters(t *testing.T) {
	data := report{Name: "ip", Count: 3}

	tests := []struct {
		format OutputFormat
		want   string
	}{
		{FormatText, "ip=3\n"},
		{"", "ip=3\n"},
		{FormatJSON, "{\n  \"name\": \"ip\",\n  \"count\": 3\n}\n"},
		{FormatCSV, "name,count\nip,3\n"},
	}

	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			f, err := NewFormatter(tt.format)
			if err != nil {
				t.Fatalf("NewFormatter failed: %v", err)
			}
			var buf bytes.Buffer
			if err := f.FormatTo(&buf, data); err != nil {
				t.Fatalf("FormatTo failed: %v", err)
			}
			if buf.String() != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, buf.String())
			}
		})
	}
}

func TestTextFormatter_Fallback(t *testing.T) {
	var buf bytes.Buffer
	if err := (&TextFormatter{}).FormatTo(&buf, 42); err != nil {
		t.Fatalf("FormatTo failed: %v", err)
	}
	if buf.String() != "42\n" {
		t.Errorf("Expected %q, got %q", "42\n", buf.String())
	}
}

func TestCSVFormatter_Unsupported(t *testing.T) {
	var buf bytes.Buffer
	if err := (&CSVFormatter{}).FormatTo(&buf, map[string]int{"a": 1}); err == nil {
		t.Error("Expected error for non-tabular value")
	}
}

func TestNewFormatter_Unknown(t *testing.T) {
	if _, err := NewFormatter("xml"); err == nil {
		t.Error("Expected error for unknown format")
	}
}

// ============================================================================
// Progress Tests
// ============================================================================

func TestSimpleProgress(t *testing.T) {
	var buf bytes.Buffer
	start := time.Unix(1000, 0)
	clock := start
	p := &SimpleProgress{writer: &buf, now: func() time.Time { return clock }}

	p.Start(4)
	clock = start.Add(time.Second)
	p.Update(2)

	out := buf.String()
	if !strings.Contains(out, "(2/4)") {
		t.Errorf("Expected (2/4) in output, got %q", out)
	}
	if !strings.Contains(out, " 50.0%") {
		t.Errorf("Expected 50.0%% in output, got %q", out)
	}
	if !strings.Contains(out, "2 req/s") {
		t.Errorf("Expected 2 req/s in output, got %q", out)
	}

	p.Update(10)
	p.Finish()
	if !strings.HasSuffix(buf.String(), "(4/4) 4 req/s\n") {
		t.Errorf("Expected finished line, got %q", buf.String())
	}
}

func TestSimpleProgress_ZeroTotal(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgressReporter(&buf)
	p.Start(0)
	p.Update(1)
	if buf.Len() != 0 {
		t.Errorf("Expected no output for zero total, got %q", buf.String())
	}
}

// ============================================================================
// Signal Tests
// ============================================================================

func TestSetupSignalHandler(t *testing.T) {
	ctx, stop := SetupSignalHandler(context.Background())
	defer stop()

	select {
	case <-ctx.Done():
		t.Fatal("Context should not be cancelled initially")
	default:
	}

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("Failed to send SIGTERM: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Context was not cancelled by SIGTERM")
	}
}

func TestSetupSignalHandler_ParentCancel(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx, stop := SetupSignalHandler(parent)
	defer stop()

	cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("Context was not cancelled with its parent")
	}
}
