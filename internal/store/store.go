// Package store persists visits as an append-only JSONL log.
//
// Reads are full scans: every query re-reads the log and filters in memory.
// That is deliberate — at this scale (one process, one site) the log stays
// small and a scan is cheaper to reason about than an index. Offset-based
// pagination is not cursor-stable under concurrent writes; callers that page
// while visits arrive may see a row twice or skip one.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pagewatch/pagewatch/internal/visit"
)

// MaxLimit caps the number of rows a single query may return.
const MaxLimit = 2000

// maxLineBytes bounds a single serialized record. Append rejects anything
// larger, and the reader skips over-long lines written by other tools, so
// one oversize entry can never hide the records after it.
const maxLineBytes = 64 * 1024

// Log is an append-only visit log backed by a single JSONL file.
// Appends are serialized; reads may run concurrently with writes.
type Log struct {
	path string
	now  func() time.Time

	mu sync.Mutex // guards f
	f  *os.File
}

// Open opens (or creates) the log file at path for appending.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open visit log %s: %w", path, err)
	}
	return &Log{path: path, now: time.Now, f: f}, nil
}

// Append stamps rec with the arrival time, serializes it and writes it as
// one line. The timestamp is taken under the append lock, so timestamps are
// non-decreasing in file order. Completed appends are durable across
// restart; a crash mid-write leaves at most one malformed trailing line,
// which readers skip.
func (l *Log) Append(rec *visit.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec.Timestamp = l.now().Unix()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal visit: %w", err)
	}
	if len(data) >= maxLineBytes {
		return fmt.Errorf("visit record too large (%d bytes)", len(data))
	}
	data = append(data, '\n')

	if _, err := l.f.Write(data); err != nil {
		return fmt.Errorf("append visit log: %w", err)
	}
	return nil
}

// Query returns records matching term, newest-first. term is a
// case-insensitive substring tested against ip, path, user agent, referer
// and geo fields; empty term matches everything. offset is applied after
// filtering, limit is clamped to MaxLimit.
func (l *Log) Query(term string, limit, offset int) ([]*visit.Record, error) {
	if limit <= 0 || limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	term = strings.ToLower(term)

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read visit log %s: %w", l.path, err)
	}
	defer f.Close()

	var matched []*visit.Record
	r := bufio.NewReaderSize(f, maxLineBytes)
	for {
		line, isPrefix, err := r.ReadLine()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("scan visit log %s: %w", l.path, err)
		}
		if isPrefix {
			// Over-long line: discard its remainder and keep scanning
			// so every record after it stays visible.
			for isPrefix && err == nil {
				_, isPrefix, err = r.ReadLine()
			}
			if err != nil {
				break
			}
			continue
		}
		if len(line) == 0 {
			continue
		}
		var rec visit.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			// Truncated or corrupt line (crash mid-append). Skip it.
			continue
		}
		if term != "" && !strings.Contains(rec.SearchText(), term) {
			continue
		}
		matched = append(matched, &rec)
	}

	// File order is oldest-first; serve newest-first.
	rows := make([]*visit.Record, 0, limit)
	for i := len(matched) - 1 - offset; i >= 0 && len(rows) < limit; i-- {
		rows = append(rows, matched[i])
	}
	return rows, nil
}

// Close closes the underlying file. Appends after Close fail.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
