package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/shellscope/internal/history"
	"github.com/loykin/shellscope/internal/store"
)

const (
	// Marker prefixes every lifecycle line on the event stream.
	Marker = "LOG::"
	// ReadyLine is written once before the first poll.
	ReadyLine = "ENGINE_STARTED"

	durationRunning = "Running"

	defaultSinkTimeout = 3 * time.Second
)

// Started is the wire payload for a process start.
type Started struct {
	PID        int32  `json:"pid"`
	Time       string `json:"time"`
	Child      string `json:"child"`
	Parent     string `json:"parent"`
	Args       string `json:"args"`
	Suspicious bool   `json:"suspicious"`
	Status     string `json:"status"`
	IsRunning  bool   `json:"isRunning"`
	Duration   string `json:"duration"`
}

// Ended is the wire payload for a process end.
type Ended struct {
	PID       int32  `json:"pid"`
	Status    string `json:"status"`
	IsRunning bool   `json:"isRunning"`
	Duration  string `json:"duration"`
}

// Stream writes lifecycle events as marker-prefixed JSON lines and forwards
// them to the configured history sinks. Lines are never interleaved.
type Stream struct {
	mu          sync.Mutex
	w           io.Writer
	sinks       []history.Sink
	sinkTimeout time.Duration
	log         *slog.Logger
}

func NewStream(w io.Writer, log *slog.Logger, sinks ...history.Sink) *Stream {
	if log == nil {
		log = slog.Default()
	}
	return &Stream{w: w, sinks: sinks, sinkTimeout: defaultSinkTimeout, log: log}
}

// SetSinkTimeout bounds each history Send. Non-positive values keep the default.
func (s *Stream) SetSinkTimeout(d time.Duration) {
	if d > 0 {
		s.sinkTimeout = d
	}
}

// Ready announces that the engine is about to start polling.
func (s *Stream) Ready() error {
	return s.writeLine(ReadyLine)
}

// Started emits the start line for rec, first observed at at.
func (s *Stream) Started(ctx context.Context, rec store.Record, at time.Time) error {
	err := s.writeJSON(StartedPayload(rec))
	s.forward(ctx, history.FromRecord(history.EventStart, at, rec))
	return err
}

// Ended emits the end line for a closed rec.
func (s *Stream) Ended(ctx context.Context, rec store.Record, at time.Time) error {
	err := s.writeJSON(EndedPayload(rec))
	s.forward(ctx, history.FromRecord(history.EventEnd, at, rec))
	return err
}

// StartedPayload shapes rec into the start wire payload.
func StartedPayload(rec store.Record) Started {
	return Started{
		PID:        rec.PID,
		Time:       rec.Time,
		Child:      rec.Child,
		Parent:     rec.Parent,
		Args:       rec.Args,
		Suspicious: rec.Suspicious,
		Status:     string(store.StatusNew),
		IsRunning:  true,
		Duration:   durationRunning,
	}
}

// EndedPayload shapes a closed rec into the end wire payload.
func EndedPayload(rec store.Record) Ended {
	return Ended{
		PID:       rec.PID,
		Status:    string(store.StatusClosed),
		IsRunning: false,
		Duration:  FormatDuration(rec.Duration.Float64),
	}
}

// FormatDuration renders seconds with two decimals and an "s" suffix.
func FormatDuration(seconds float64) string {
	return fmt.Sprintf("%.2fs", seconds)
}

func (s *Stream) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		s.log.Error("encode event", "error", err)
		return fmt.Errorf("encode event: %w", err)
	}
	return s.writeLine(Marker + string(b))
}

func (s *Stream) writeLine(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, line+"\n"); err != nil {
		s.log.Error("write event stream", "error", err)
		return fmt.Errorf("write event stream: %w", err)
	}
	if f, ok := s.w.(interface{ Sync() error }); ok {
		_ = f.Sync()
	}
	return nil
}

func (s *Stream) forward(ctx context.Context, e history.Event) {
	for _, sink := range s.sinks {
		sctx, cancel := context.WithTimeout(ctx, s.sinkTimeout)
		if err := sink.Send(sctx, e); err != nil {
			s.log.Warn("history sink send failed", "type", e.Type, "pid", e.PID, "error", err)
		}
		cancel()
	}
}
