package streaming

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rendis/pipewright/internal/blobstore"
	"github.com/rendis/pipewright/internal/secrets"
	"github.com/rendis/pipewright/pkg/schema"
)

// Log streams.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamSystem = "system"
)

// Log levels.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
	LevelDebug = "debug"
)

// LogEntry is one line of a run log; persisted logs are NDJSON of these.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"runId"`
	JobID     string    `json:"jobId"`
	StepID    string    `json:"stepId,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Stream    string    `json:"stream"`
}

type runLog struct {
	repoID     string
	workflowID string
	masker     *secrets.Masker
	entries    []LogEntry
}

// Facade buffers the log of every open run, publishes each line as an
// EventLogLine on the hub and writes the buffered log to the blob store
// when the run completes.
type Facade struct {
	hub    Hub
	blobs  *blobstore.Store
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	runs map[string]*runLog
}

// NewFacade creates a Facade. hub and blobs may be nil: lines are then
// only buffered, or never persisted.
func NewFacade(hub Hub, blobs *blobstore.Store, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{
		hub:    hub,
		blobs:  blobs,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		runs:   make(map[string]*runLog),
	}
}

// Open starts buffering runID. Secret values known to masker are redacted
// from every line of the run.
func (f *Facade) Open(runID, repoID, workflowID string, masker *secrets.Masker) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rl, ok := f.runs[runID]; ok {
		rl.masker = masker
		return
	}
	f.runs[runID] = &runLog{repoID: repoID, workflowID: workflowID, masker: masker}
}

// Append records e, masking secrets, and publishes it. Lines of runs that
// are not open are dropped.
func (f *Facade) Append(ctx context.Context, e LogEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = f.now()
	}
	if e.Level == "" {
		e.Level = LevelInfo
	}
	if e.Stream == "" {
		e.Stream = StreamSystem
	}

	f.mu.Lock()
	rl, ok := f.runs[e.RunID]
	if !ok {
		f.mu.Unlock()
		f.logger.Debug("log line dropped: run log not open", slog.String("run_id", e.RunID))
		return
	}
	e.Message = rl.masker.Mask(e.Message)
	rl.entries = append(rl.entries, e)
	repoID, workflowID := rl.repoID, rl.workflowID
	f.mu.Unlock()

	if f.hub == nil {
		return
	}
	err := f.hub.Publish(ctx, Event{
		Type:       schema.EventLogLine,
		RepoID:     repoID,
		WorkflowID: workflowID,
		RunID:      e.RunID,
		JobID:      e.JobID,
		StepID:     e.StepID,
		Timestamp:  e.Timestamp,
		Payload:    e,
	})
	if err != nil {
		f.logger.Debug("log line not published", slog.String("run_id", e.RunID), slog.Any("error", err))
	}
}

// Logf appends a system line at level.
func (f *Facade) Logf(ctx context.Context, runID, jobID, stepID, level, msg string) {
	f.Append(ctx, LogEntry{RunID: runID, JobID: jobID, StepID: stepID, Level: level, Message: msg, Stream: StreamSystem})
}

// Lines returns a copy of the buffered lines of runID.
func (f *Facade) Lines(runID string) []LogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	rl, ok := f.runs[runID]
	if !ok {
		return nil
	}
	return append([]LogEntry(nil), rl.entries...)
}

// Persist writes the buffered log of runID as an NDJSON blob, releases the
// buffer (also when the write fails) and returns the content id. Without a blob store the buffer is
// released and the id is empty.
func (f *Facade) Persist(ctx context.Context, runID string) (string, error) {
	f.mu.Lock()
	rl, ok := f.runs[runID]
	var entries []LogEntry
	if ok {
		entries = rl.entries
	}
	f.mu.Unlock()

	if f.blobs == nil {
		f.Discard(runID)
		return "", nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			f.Discard(runID)
			return "", schema.NewError(schema.ErrCodeStore, "encode log line").WithCause(err).WithRun(runID)
		}
	}
	id, err := f.blobs.PutLog(ctx, buf.Bytes())
	if err != nil {
		f.Discard(runID)
		return "", err
	}
	f.Discard(runID)
	return id, nil
}

// Discard drops the buffer of runID.
func (f *Facade) Discard(runID string) {
	f.mu.Lock()
	delete(f.runs, runID)
	f.mu.Unlock()
}

// Read loads a persisted log.
func (f *Facade) Read(ctx context.Context, contentID string) ([]LogEntry, error) {
	if f.blobs == nil {
		return nil, schema.NewError(schema.ErrCodeStore, "no blob store configured")
	}
	data, err := f.blobs.Get(ctx, contentID)
	if err != nil {
		return nil, err
	}
	return ParseNDJSON(data)
}

// ParseNDJSON decodes a persisted log.
func ParseNDJSON(data []byte) ([]LogEntry, error) {
	var out []LogEntry
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "malformed log line").WithCause(err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

// LineWriter is an io.Writer that turns written bytes into log lines of
// one step stream. Close flushes a trailing partial line.
type LineWriter struct {
	ctx    context.Context
	facade *Facade
	tmpl   LogEntry

	mu      sync.Mutex
	partial []byte
}

// Writer returns a LineWriter appending to runID/jobID/stepID on stream.
// Lines on stderr are logged at warn level.
func (f *Facade) Writer(ctx context.Context, runID, jobID, stepID, stream string) *LineWriter {
	level := LevelInfo
	if stream == StreamStderr {
		level = LevelWarn
	}
	return &LineWriter{
		ctx:    ctx,
		facade: f,
		tmpl:   LogEntry{RunID: runID, JobID: jobID, StepID: stepID, Level: level, Stream: stream},
	}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.emit(string(w.partial[:i]))
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

// Close flushes any unterminated line.
func (w *LineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.emit(string(w.partial))
		w.partial = nil
	}
	return nil
}

func (w *LineWriter) emit(line string) {
	e := w.tmpl
	e.Message = strings.TrimRight(line, "\r")
	w.facade.Append(w.ctx, e)
}
