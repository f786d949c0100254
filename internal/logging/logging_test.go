package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestDiscard(t *testing.T) {
	logger := Discard()
	if logger == nil {
		t.Fatal("Discard() returned nil")
	}
	logger.Info("test message")
	logger.Debug("debug message")
}

func TestDefault(t *testing.T) {
	t.Run("nil returns discard", func(t *testing.T) {
		logger := Default(nil)
		if logger == nil {
			t.Fatal("Default(nil) returned nil")
		}
		if logger.Enabled(context.Background(), slog.LevelInfo) {
			t.Error("Default(nil) should return a discard logger")
		}
	})

	t.Run("non-nil returns same logger", func(t *testing.T) {
		var buf bytes.Buffer
		original := slog.New(slog.NewTextHandler(&buf, nil))
		result := Default(original)
		if result != original {
			t.Error("Default should return the same logger when non-nil")
		}
	})
}

// captureHandler records every Handle call for assertions. WithAttrs
// clones share the same backing slice so a scoped logger's output is
// still visible to the test.
type captureHandler struct {
	mu      *sync.Mutex
	records *[]slog.Record
	attrs   []slog.Attr
}

func newCaptureHandler() *captureHandler {
	var mu sync.Mutex
	var records []slog.Record
	return &captureHandler{mu: &mu, records: &records}
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	*h.records = append(*h.records, r)
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)
	return &captureHandler{mu: h.mu, records: h.records, attrs: newAttrs}
}

func (h *captureHandler) WithGroup(name string) slog.Handler { return h }

func (h *captureHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(*h.records)
}

func TestComponentFilterHandlerBasicFiltering(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewComponentFilterHandler(capture, slog.LevelInfo)
	logger := slog.New(filter)

	logger.Info("chunk stored", "component", "chunkstore")
	if capture.count() != 1 {
		t.Errorf("expected 1 record, got %d", capture.count())
	}

	logger.Debug("chunk stored", "component", "chunkstore")
	if capture.count() != 1 {
		t.Errorf("expected 1 record (debug filtered), got %d", capture.count())
	}

	logger.Warn("shard dir missing, recreating", "component", "chunkstore")
	if capture.count() != 2 {
		t.Errorf("expected 2 records, got %d", capture.count())
	}
}

func TestComponentFilterHandlerSetLevel(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewComponentFilterHandler(capture, slog.LevelInfo)
	logger := slog.New(filter)

	logger.Debug("mark phase touched chunk", "component", "gc")
	if capture.count() != 0 {
		t.Errorf("expected 0 records (debug filtered), got %d", capture.count())
	}

	filter.SetLevel("gc", slog.LevelDebug)

	logger.Debug("mark phase touched chunk", "component", "gc")
	if capture.count() != 1 {
		t.Errorf("expected 1 record, got %d", capture.count())
	}

	logger.Debug("restore session cache miss", "component", "restore")
	if capture.count() != 1 {
		t.Errorf("expected 1 record (other component filtered), got %d", capture.count())
	}
}

func TestComponentFilterHandlerClearLevel(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewComponentFilterHandler(capture, slog.LevelInfo)
	logger := slog.New(filter)

	filter.SetLevel("gc", slog.LevelDebug)

	logger.Debug("sweep candidate", "component", "gc")
	if capture.count() != 1 {
		t.Errorf("expected 1 record, got %d", capture.count())
	}

	filter.ClearLevel("gc")

	logger.Debug("sweep candidate", "component", "gc")
	if capture.count() != 1 {
		t.Errorf("expected 1 record (debug filtered after clear), got %d", capture.count())
	}
}

func TestComponentFilterHandlerLevel(t *testing.T) {
	filter := NewComponentFilterHandler(nil, slog.LevelInfo)

	if level := filter.Level("unknown"); level != slog.LevelInfo {
		t.Errorf("expected INFO, got %v", level)
	}

	filter.SetLevel("gc", slog.LevelDebug)
	if level := filter.Level("gc"); level != slog.LevelDebug {
		t.Errorf("expected DEBUG, got %v", level)
	}

	if level := filter.DefaultLevel(); level != slog.LevelInfo {
		t.Errorf("expected INFO, got %v", level)
	}
}

func TestComponentFilterHandlerWithAttrs(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewComponentFilterHandler(capture, slog.LevelInfo)

	logger := slog.New(filter).With("component", "gc")
	filter.SetLevel("gc", slog.LevelDebug)

	logger.Debug("mark phase touched chunk")
	if capture.count() != 1 {
		t.Errorf("expected 1 record, got %d", capture.count())
	}
}

func TestComponentFilterHandlerNoComponent(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewComponentFilterHandler(capture, slog.LevelInfo)
	logger := slog.New(filter)

	logger.Info("info message")
	if capture.count() != 1 {
		t.Errorf("expected 1 record, got %d", capture.count())
	}

	logger.Debug("debug message")
	if capture.count() != 1 {
		t.Errorf("expected 1 record (debug filtered), got %d", capture.count())
	}
}

func TestComponentFilterHandlerConcurrent(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewComponentFilterHandler(capture, slog.LevelInfo)
	logger := slog.New(filter)

	var wg sync.WaitGroup
	const goroutines = 10
	const iterations = 100

	for i := 0; i < goroutines; i++ {
		wg.Go(func() {
			for j := 0; j < iterations; j++ {
				logger.Info("chunk touched", "component", "gc")
			}
		})
	}

	for i := 0; i < goroutines; i++ {
		wg.Go(func() {
			for j := 0; j < iterations; j++ {
				filter.SetLevel("gc", slog.LevelDebug)
				filter.ClearLevel("gc")
			}
		})
	}

	wg.Wait()

	if count := capture.count(); count != goroutines*iterations {
		t.Errorf("expected %d records, got %d", goroutines*iterations, count)
	}
}

func TestComponentFilterHandlerIntegration(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	filter := NewComponentFilterHandler(base, slog.LevelInfo)
	logger := slog.New(filter)

	gcLogger := logger.With("component", "gc")
	restoreLogger := logger.With("component", "restore")

	gcLogger.Debug("gc debug 1")
	restoreLogger.Debug("restore debug 1")
	if buf.Len() != 0 {
		t.Errorf("expected no output, got: %s", buf.String())
	}

	filter.SetLevel("gc", slog.LevelDebug)

	gcLogger.Debug("gc debug 2")
	restoreLogger.Debug("restore debug 2")

	output := buf.String()
	if !strings.Contains(output, "gc debug 2") {
		t.Errorf("expected gc debug log, got: %s", output)
	}
	if strings.Contains(output, "restore debug") {
		t.Errorf("did not expect restore debug log, got: %s", output)
	}
}

func TestComponentFilterHandlerWithGroup(t *testing.T) {
	capture := newCaptureHandler()
	filter := NewComponentFilterHandler(capture, slog.LevelInfo)

	grouped := filter.WithGroup("mygroup")
	logger := slog.New(grouped)

	logger.Info("info message", "component", "chunkstore")
	if capture.count() != 1 {
		t.Errorf("expected 1 record, got %d", capture.count())
	}

	logger.Debug("debug message", "component", "chunkstore")
	if capture.count() != 1 {
		t.Errorf("expected 1 record (debug filtered), got %d", capture.count())
	}
}

func TestComponentFilterHandlerEscalatesCorruptAndFatal(t *testing.T) {
	capture := newCaptureHandler()
	// A component deliberately quieted down to Error.
	filter := NewComponentFilterHandler(capture, slog.LevelInfo)
	filter.SetLevel("verify", slog.LevelError)
	logger := slog.New(filter).With("component", "verify")

	logger.Warn("chunk touched", "err_kind", "not_found")
	if capture.count() != 0 {
		t.Errorf("expected 0 records (warn below component's error floor), got %d", capture.count())
	}

	logger.Warn("chunk failed digest check", "err_kind", "corrupt")
	if capture.count() != 1 {
		t.Errorf("expected corrupt record to bypass the component floor, got %d", capture.count())
	}

	logger.Info("manifest unreadable", "err_kind", "fatal")
	if capture.count() != 2 {
		t.Errorf("expected fatal record to bypass the component floor, got %d", capture.count())
	}
}

func TestComponentFilterHandlerClearLevelNonExistent(t *testing.T) {
	filter := NewComponentFilterHandler(nil, slog.LevelInfo)

	filter.ClearLevel("nonexistent")

	if level := filter.Level("nonexistent"); level != slog.LevelInfo {
		t.Errorf("expected INFO, got %v", level)
	}
}
