package logger

import (
	"bytes"
	"strings"
	"testing"
)

type captureSink struct {
	levels []string
	msgs   []string
}

func (c *captureSink) Write(level, msg string, args []any) {
	c.levels = append(c.levels, level)
	c.msgs = append(c.msgs, msg)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "WARN", "text")
	defer InitWithWriter(&buf, "INFO", "text")

	Debug("debug line")
	Info("info line")
	Warn("warn line")

	out := buf.String()
	if strings.Contains(out, "debug line") || strings.Contains(out, "info line") {
		t.Errorf("below-threshold entries were written: %q", out)
	}
	if !strings.Contains(out, "warn line") {
		t.Errorf("warn entry missing from output: %q", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json")
	defer InitWithWriter(&buf, "INFO", "text")

	Info("job finished", "job_id", "abc", "status", "success")

	out := buf.String()
	if !strings.Contains(out, `"msg":"job finished"`) {
		t.Errorf("expected JSON output, got %q", out)
	}
	if !strings.Contains(out, `"job_id":"abc"`) {
		t.Errorf("expected structured field in output, got %q", out)
	}
}

func TestSinkFanOut(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "DEBUG", "text")

	sink := &captureSink{}
	SetSink(sink)
	defer SetSink(nil)

	Debug("frame dump")
	Info("exchange done")
	Error("device failed", "code", -111018)

	if len(sink.msgs) != 2 {
		t.Fatalf("sink received %d entries, want 2 (debug excluded)", len(sink.msgs))
	}
	if sink.levels[0] != "INFO" || sink.levels[1] != "ERROR" {
		t.Errorf("sink levels = %v", sink.levels)
	}
	if sink.msgs[1] != "device failed" {
		t.Errorf("sink msg = %q", sink.msgs[1])
	}
}
