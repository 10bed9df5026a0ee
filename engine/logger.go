package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// LogLine is one record of a job's log file. Data lines carry step
// output; control lines mark step lifecycle transitions, so a reader
// replaying the file can reconstruct per-step timelines without
// parsing output.
type LogLine struct {
	Kind   string `json:"kind"` // "data" or "control"
	Step   int    `json:"step"`
	Stream string `json:"stream,omitempty"` // data: "stdout" or "stderr"
	Data   string `json:"data,omitempty"`
	Event  string `json:"event,omitempty"` // control: "started", "succeeded", "failed", "skipped"
	Name   string `json:"name,omitempty"`  // control: step display name
}

func NewDataLogLine(idx int, data, stream string) LogLine {
	return LogLine{Kind: "data", Step: idx, Stream: stream, Data: data}
}

func NewControlLogLine(idx int, name, event string) LogLine {
	return LogLine{Kind: "control", Step: idx, Name: name, Event: event}
}

// JobLogger appends JSON lines to one job's log file. Writers for
// both output streams may be driven from different goroutines; the
// encoder is serialized here.
type JobLogger struct {
	mu      sync.Mutex
	w       io.WriteCloser
	encoder *json.Encoder
}

func NewJobLogger(baseDir, runID string, job *Job) (*JobLogger, error) {
	path := LogFilePath(baseDir, runID, job)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}

	return &JobLogger{
		w:       file,
		encoder: json.NewEncoder(file),
	}, nil
}

// NewDiscardLogger returns a logger that drops everything, for runs
// that keep no logs.
func NewDiscardLogger() *JobLogger {
	return &JobLogger{
		w:       nopCloser{io.Discard},
		encoder: json.NewEncoder(io.Discard),
	}
}

func LogFilePath(baseDir, runID string, job *Job) string {
	return filepath.Join(baseDir, runID, fmt.Sprintf("%s.log", job.PathSafe()))
}

func OpenLogFile(baseDir, runID string, job *Job) (*os.File, error) {
	file, err := os.Open(LogFilePath(baseDir, runID, job))
	if err != nil {
		return nil, fmt.Errorf("error opening log file: %w", err)
	}
	return file, nil
}

func (l *JobLogger) Close() error {
	return l.w.Close()
}

func (l *JobLogger) encode(entry LogLine) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.encoder.Encode(entry)
}

// Control records a step lifecycle transition.
func (l *JobLogger) Control(idx int, name, event string) {
	// a log write failing must not fail the step
	_ = l.encode(NewControlLogLine(idx, name, event))
}

// DataWriter returns a writer feeding one output stream of one step
// into the log, line by line.
func (l *JobLogger) DataWriter(idx int, stream string) io.Writer {
	return &dataWriter{logger: l, idx: idx, stream: stream}
}

type dataWriter struct {
	logger *JobLogger
	idx    int
	stream string
}

func (w *dataWriter) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\r\n")
	if err := w.logger.encode(NewDataLogLine(w.idx, line, w.stream)); err != nil {
		return 0, err
	}
	return len(p), nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
