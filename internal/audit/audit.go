// Package audit records every gateway execution decision as JSON lines in
// date-organized files. Writing is async and lossy under pressure: a full
// buffer drops the record rather than blocking the call path.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Record is one audited call.
type Record struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"time"`
	UserID     string    `json:"user_id"`
	Endpoint   string    `json:"endpoint"`
	Path       string    `json:"path"`
	Outcome    string    `json:"outcome"` // "ok" or the error code
	Status     int       `json:"status,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Detail     string    `json:"detail,omitempty"`
}

// Log is an async JSONL audit writer. A nil *Log discards records, which is
// how auditing is disabled.
type Log struct {
	baseDir     string
	maxSizeMB   int
	writeCh     chan Record
	done        chan struct{}
	wg          sync.WaitGroup
	currentDate string
	logger      *lumberjack.Logger
	mu          sync.Mutex
}

// NewLog creates an audit log under baseDir.
func NewLog(baseDir string, bufferSize, maxSizeMB int) *Log {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	l := &Log{
		baseDir:   baseDir,
		maxSizeMB: maxSizeMB,
		writeCh:   make(chan Record, bufferSize),
		done:      make(chan struct{}),
	}
	l.wg.Add(1)
	go l.writeLoop()
	return l
}

// Write queues a record. The record id and timestamp are filled in when
// absent.
func (l *Log) Write(rec Record) error {
	if l == nil {
		return nil
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	select {
	case <-l.done:
		return fmt.Errorf("audit log is closed")
	default:
	}
	select {
	case l.writeCh <- rec:
		return nil
	default:
		// Channel full, log warning but don't block
		slog.Warn("audit buffer full, dropping record",
			"endpoint", rec.Endpoint)
		return fmt.Errorf("buffer full")
	}
}

// Close shuts down the writer and flushes pending records.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	close(l.done)

	// Drain remaining items with timeout
	timeout := time.After(5 * time.Second)
	for {
		select {
		case rec := <-l.writeCh:
			l.writeRecord(rec)
		case <-timeout:
			slog.Warn("audit close timeout, some records may be lost")
			goto done
		default:
			goto done
		}
	}

done:
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logger != nil {
		return l.logger.Close()
	}
	return nil
}

func (l *Log) writeLoop() {
	defer l.wg.Done()

	for {
		select {
		case rec := <-l.writeCh:
			l.writeRecord(rec)
		case <-l.done:
			return
		}
	}
}

func (l *Log) writeRecord(rec Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		slog.Error("failed to marshal audit record", "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	currentDate := time.Now().UTC().Format("2006-01-02")
	if currentDate != l.currentDate || l.logger == nil {
		l.rotateForDate(currentDate)
	}
	if l.logger == nil {
		return
	}

	if _, err := l.logger.Write(append(data, '\n')); err != nil {
		slog.Error("failed to write audit record", "error", err)
	}
}

func (l *Log) rotateForDate(date string) {
	if l.logger != nil {
		l.logger.Close()
	}

	dir := filepath.Join(l.baseDir, date)
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Error("failed to create audit directory",
			"error", err,
			"dir", dir)
		l.logger = nil
		return
	}

	filename := filepath.Join(dir, "executions.jsonl")
	l.logger = &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    l.maxSizeMB,
		MaxBackups: 100,
		MaxAge:     30,
		Compress:   false,
		LocalTime:  false, // Use UTC
	}

	l.currentDate = date
	slog.Info("opened audit file", "file", filename)
}
