package orchestrator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ProgressSink receives loosely-typed run events. Sinks must tolerate
// unknown keys; the event stream is diagnostic, not contractual.
type ProgressSink interface {
	Emit(event map[string]any)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(map[string]any) {}

// FileSink appends events as ndjson under <root>/runs/<run_id>/progress.ndjson.
type FileSink struct {
	mu   sync.Mutex
	path string
}

func NewFileSink(root, runID string) (*FileSink, error) {
	dir := filepath.Join(root, "runs", runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileSink{path: filepath.Join(dir, "progress.ndjson")}, nil
}

// RunSink routes events into per-run progress files keyed by the
// event's run_id. Events without one are dropped.
type RunSink struct {
	mu    sync.Mutex
	root  string
	sinks map[string]*FileSink
}

func NewRunSink(root string) *RunSink {
	return &RunSink{root: root, sinks: map[string]*FileSink{}}
}

func (s *RunSink) Emit(event map[string]any) {
	runID, _ := event["run_id"].(string)
	if runID == "" {
		return
	}
	s.mu.Lock()
	sink, ok := s.sinks[runID]
	if !ok {
		var err error
		sink, err = NewFileSink(s.root, runID)
		if err != nil {
			s.mu.Unlock()
			return
		}
		s.sinks[runID] = sink
	}
	s.mu.Unlock()
	sink.Emit(event)
}

func (s *FileSink) Emit(event map[string]any) {
	if event == nil {
		return
	}
	if _, ok := event["ts"]; !ok {
		event["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	b, err := json.Marshal(event)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()
	_, _ = f.Write(append(b, '\n'))
}
