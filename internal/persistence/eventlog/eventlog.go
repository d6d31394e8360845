// Package eventlog writes the append-only run logs: one compressed
// JSONL stream for infection events and one for day reports. These
// files are the source of truth for a run; the sqlite index is derived.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"contagion.dev/internal/protocol"
)

// JSONLZstdWriter appends JSON lines to zstd-compressed segment files,
// one segment per simulated day.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string

	mu     sync.Mutex
	curDay int
	f      *os.File
	enc    *zstd.Encoder
	w      *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		curDay:  -1,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(day int, v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if day != w.curDay {
		if err := w.rotateLocked(day); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(day int) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.pathForDay(day)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curDay = day
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curDay = -1
	return err1
}

func (w *JSONLZstdWriter) pathForDay(day int) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%03d.jsonl.zst", w.prefix, day))
}

// InfectionLogger writes one JSONL entry per infection (compressed).
type InfectionLogger struct{ w *JSONLZstdWriter }

func NewInfectionLogger(runDir string) *InfectionLogger {
	return &InfectionLogger{w: NewJSONLZstdWriter(filepath.Join(runDir, "infections"), "infections")}
}

func (l *InfectionLogger) WriteInfection(ev protocol.InfectionEvent) error { return l.w.Write(ev.Day, ev) }
func (l *InfectionLogger) Close() error                                   { return l.w.Close() }

// ReportLogger writes one JSONL entry per day report (compressed).
type ReportLogger struct{ w *JSONLZstdWriter }

func NewReportLogger(runDir string) *ReportLogger {
	return &ReportLogger{w: NewJSONLZstdWriter(filepath.Join(runDir, "reports"), "reports")}
}

func (l *ReportLogger) WriteReport(rep protocol.DayReport) error { return l.w.Write(rep.Day, rep) }
func (l *ReportLogger) Close() error                             { return l.w.Close() }
