// Package eventlog persists order-mutating requests as raw wire records
// in a single append-only file, and replays them to rebuild engine state
// after a restart. Records are written before the engine is invoked, so a
// crash anywhere downstream is recoverable.
package eventlog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/nathanyu/matching-engine/internal/protocol"
)

// FileName is the fixed name of the order event log.
const FileName = "orders.bin"

// Log is an append-only event log. Append is called from the gateway
// dispatch goroutine only.
type Log struct {
	path string
	f    *os.File
	log  *zap.Logger
}

// Open creates dir if needed and opens (or creates) the event log inside
// it for appending.
func Open(dir string, logger *zap.Logger) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create dir: %w", err)
	}
	path := filepath.Join(dir, FileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	logger.Info("event log opened", zap.String("path", path))
	return &Log{path: path, f: f, log: logger}, nil
}

// Append writes one complete wire record. The record must carry its own
// header; nothing is added or transformed.
func (l *Log) Append(record []byte) error {
	if _, err := l.f.Write(record); err != nil {
		return fmt.Errorf("eventlog: append: %w", err)
	}
	return nil
}

// Sync flushes the file to stable storage.
func (l *Log) Sync() error {
	return l.f.Sync()
}

// Close syncs and closes the file.
func (l *Log) Close() error {
	if err := l.f.Sync(); err != nil {
		l.log.Warn("event log sync on close failed", zap.Error(err))
	}
	return l.f.Close()
}

// Path returns the log file path.
func (l *Log) Path() string {
	return l.path
}

// Replay reads the log from the beginning and invokes fn for each whole
// record. A trailing partial record (crash mid-write) terminates the scan
// with a warning log; it is not an error. The record count is returned. A missing
// file replays zero records.
func Replay(path string, logger *zap.Logger, fn func(h protocol.Header, frame []byte) error) (int, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Info("no event log to replay", zap.String("path", path))
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("eventlog: open for replay: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	count := 0
	for {
		h, frame, err := protocol.ReadFrame(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Short or malformed tail: stop at the last whole record.
			logger.Warn("event log replay stopped at partial record",
				zap.Int("records", count), zap.Error(err))
			break
		}
		if err := fn(h, frame); err != nil {
			return count, fmt.Errorf("eventlog: replay record %d: %w", count, err)
		}
		count++
	}
	logger.Info("event log replayed", zap.String("path", path), zap.Int("records", count))
	return count, nil
}
