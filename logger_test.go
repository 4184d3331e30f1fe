package crawlerkit

import (
	"bytes"
	"strings"
	"testing"
)

func TestNoOpLogger(t *testing.T) {
	// NoOpLogger should not panic or produce output
	logger := &NoOpLogger{}

	logger.Debug("test message", "key", "value")
	logger.Info("test message", "key", "value")
	logger.Warn("test message", "key", "value")
	logger.Error("test message", "key", "value")
}

func TestStdLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStdLoggerTo(&buf, "crawl")

	logger.Debug("debug message", "key", "value")
	logger.Info("info message", "count", 3)
	logger.Warn("warn message")
	logger.Error("error message", "err", nil)

	out := buf.String()
	for _, want := range []string{
		"crawl [DEBUG] debug message key=value",
		"[INFO] info message count=3",
		"[WARN] warn message",
		"[ERROR] error message err=<nil>",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestStdLoggerPrefixBeforeMessage(t *testing.T) {
	var buf bytes.Buffer
	NewStdLoggerTo(&buf, "crawl").Info("bulk finished", "total", 10)

	line := strings.TrimSuffix(buf.String(), "\n")
	if !strings.HasSuffix(line, "crawl [INFO] bulk finished total=10") {
		t.Errorf("prefix should sit next to the message, got %q", line)
	}
	if strings.HasPrefix(line, "crawl") {
		t.Errorf("timestamp should lead the line, got %q", line)
	}
}

func TestLoggerInterface(t *testing.T) {
	var _ Logger = &NoOpLogger{}
	var _ Logger = &StdLogger{}
	var _ Logger = &ZapLogger{}
}

func TestStdLoggerFormatting(t *testing.T) {
	testCases := []struct {
		name   string
		fields []interface{}
		want   string
	}{
		{"no fields", nil, "[INFO] message\n"},
		{"one pair", []interface{}{"key", "value"}, "[INFO] message key=value\n"},
		{"multiple pairs", []interface{}{"k1", "v1", "k2", 2}, "[INFO] message k1=v1 k2=2\n"},
		{"odd fields", []interface{}{"k1", "v1", "k2"}, "[INFO] message k1=v1\n"},
		{"mixed types", []interface{}{"float", 45.67, "bool", true}, "[INFO] message float=45.67 bool=true\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewStdLoggerTo(&buf, "")
			logger.Info("message", tc.fields...)
			if !strings.HasSuffix(buf.String(), tc.want) {
				t.Errorf("got %q, want suffix %q", buf.String(), tc.want)
			}
		})
	}
}

func TestLoggerOrNoOp(t *testing.T) {
	if _, ok := loggerOrNoOp(nil).(*NoOpLogger); !ok {
		t.Error("nil logger should become NoOpLogger")
	}
	std := NewStdLogger("x")
	if loggerOrNoOp(std) != Logger(std) {
		t.Error("non-nil logger should be kept")
	}
}
