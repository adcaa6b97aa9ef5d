package log

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"info":    LevelInfo,
		"":        LevelInfo,
		"loud":    LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(LevelInfo)
	})

	SetLevel(LevelWarn)
	Info("quiet message")
	Warn("loud message", "count", 3)
	Error("failed message", errors.New("boom"))

	out := buf.String()
	if strings.Contains(out, "quiet message") {
		t.Errorf("info logged at warn level:\n%s", out)
	}
	for _, want := range []string{"loud message", "failed message", "boom"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	SetLevel(LevelDebug)
	Debug("debug message")
	if !strings.Contains(buf.String(), "debug message") {
		t.Errorf("debug not logged at debug level:\n%s", buf.String())
	}
}

func TestSetOutputWhileLogging(t *testing.T) {
	SetOutput(io.Discard)
	t.Cleanup(func() { SetOutput(os.Stderr) })

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				Info("tick", "n", j)
				Error("tock", errors.New("x"))
			}
		}()
	}
	for i := 0; i < 100; i++ {
		SetOutput(io.Discard)
	}
	wg.Wait()
}
