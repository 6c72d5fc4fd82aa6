// Package logsink formats and emits the two record shapes this framework
// writes to its serial transport: level-tagged log lines and
// pass/fail assertion records (spec §4.2, §6). It is built directly on
// log/slog, the way the teacher already writes structured records through
// a raw io.Writer in internal/hv/whp/whp.go
// (`slog.NewJSONHandler(w{}, nil).Handle(...)`); Sink generalizes that
// one-off into the framework's primary log surface, with a custom Handler
// for log lines. The assertion shape — which slog's default attribute
// layout cannot express — is written by Sink.Assert directly as its own
// fixed JSON object per spec §6, without going through the Handler.
package logsink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
)

// Level mirrors spec §4.2's five severities, mapped onto slog.Level so
// Sink can reuse slog's level-filtering machinery.
type Level = slog.Level

const (
	LevelDebug    = slog.LevelDebug
	LevelInfo     = slog.LevelInfo
	LevelWarning  = slog.LevelWarn
	LevelError    = slog.LevelError
	LevelCritical = slog.Level(12) // above Error; reserved for assertion records.
)

func levelName(l Level) string {
	switch {
	case l < LevelInfo:
		return "DEBUG"
	case l < LevelWarning:
		return "INFO"
	case l < LevelError:
		return "WARNING"
	case l < LevelCritical:
		return "ERROR"
	default:
		return "CRITICAL"
	}
}

// Sink writes one JSON object per line to w, serialized by a mutex so that
// "every record is atomic — no interleaving between VPs" (spec §4.2). w is
// normally a serial.Writer; tests use a bytes.Buffer or io.Discard.
type Sink struct {
	mu      sync.Mutex
	w       io.Writer
	logger  *slog.Logger
	handler *jsonHandler
}

// New constructs a Sink that drops records below threshold.
func New(w io.Writer, threshold Level) *Sink {
	s := &Sink{w: w}
	s.handler = &jsonHandler{sink: s, threshold: threshold}
	s.logger = slog.New(s.handler)
	return s
}

// Logger exposes the underlying slog.Logger for components that prefer
// slog's call conventions (With, WithGroup) over Sink's direct methods.
func (s *Sink) Logger() *slog.Logger { return s.logger }

func (s *Sink) log(level Level, msg string) {
	_, file, line, ok := runtime.Caller(2)
	fileLine := "unknown:0"
	if ok {
		fileLine = fmt.Sprintf("%s:%d", file, line)
	}
	s.logger.Log(context.Background(), level, msg, slog.String("line", fileLine))
}

func (s *Sink) Debug(format string, args ...any)   { s.log(LevelDebug, fmt.Sprintf(format, args...)) }
func (s *Sink) Info(format string, args ...any)    { s.log(LevelInfo, fmt.Sprintf(format, args...)) }
func (s *Sink) Warning(format string, args ...any) { s.log(LevelWarning, fmt.Sprintf(format, args...)) }
func (s *Sink) Error(format string, args ...any)   { s.log(LevelError, fmt.Sprintf(format, args...)) }

// Assert emits an assertion record. It always logs, regardless of
// threshold — a failed assertion is the product of the system (spec
// §4.2) — and reports the caller's file:line the way original_source's
// `tmk_assert!` macro captures `core::file!()`/`line!()`.
func (s *Sink) Assert(expr string, result bool) {
	_, file, line, ok := runtime.Caller(1)
	fileLine := "unknown:0"
	if ok {
		fileLine = fmt.Sprintf("%s:%d", file, line)
	}
	rec := assertionRecord{
		Type:            "assertion",
		Message:         expr,
		Level:           "CRITICAL",
		Line:            fileLine,
		AssertionResult: result,
	}
	s.writeRecord(rec)
}

type logRecord struct {
	Type    string `json:"type"`
	Level   string `json:"level"`
	Message string `json:"message"`
	Line    string `json:"line"`
}

type assertionRecord struct {
	Type            string `json:"type"`
	Message         string `json:"message"`
	Level           string `json:"level"`
	Line            string `json:"line"`
	AssertionResult bool   `json:"assertion_result"`
}

func (s *Sink) writeRecord(rec any) {
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.w.Write(b)
}

// jsonHandler implements slog.Handler, translating every Log call into the
// fixed `{"type":"log",...}` wire shape from spec §6 instead of slog's
// default key=value or generic-JSON attribute layout.
type jsonHandler struct {
	sink      *Sink
	threshold Level
	groups    []string
}

func (h *jsonHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.threshold
}

func (h *jsonHandler) Handle(_ context.Context, r slog.Record) error {
	line := "unknown:0"
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "line" {
			line = a.Value.String()
			return false
		}
		return true
	})
	rec := logRecord{
		Type:    "log",
		Level:   levelName(r.Level),
		Message: r.Message,
		Line:    line,
	}
	h.sink.writeRecord(rec)
	return nil
}

func (h *jsonHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *jsonHandler) WithGroup(name string) slog.Handler       { return h }

var _ slog.Handler = (*jsonHandler)(nil)
