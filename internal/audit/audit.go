// Package audit keeps a tamper-evident record of every capture grant and
// denial. Records are JSON lines linked by a SHA-256 hash chain.
package audit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/screenshare/internal/logging"
)

var log = logging.L("audit")

// Event types.
const (
	EventDaemonStart = "daemon_start"
	EventDaemonStop  = "daemon_stop"
	EventGranted     = "capture_granted"
	EventDenied      = "capture_denied"
	EventLogRotated  = "log_rotated"
)

// genesis is the PrevHash of the first record ever written to a trail.
const genesis = "genesis"

// synced events are fsynced before Record returns.
var synced = map[string]bool{
	EventDaemonStart: true,
	EventDaemonStop:  true,
	EventGranted:     true,
}

// Entry is one audit record.
type Entry struct {
	Timestamp string            `json:"timestamp"`
	Event     string            `json:"event"`
	RequestID string            `json:"requestId,omitempty"`
	SessionID string            `json:"sessionId,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	PrevHash  string            `json:"prevHash"`
	Hash      string            `json:"hash"`
}

// Trail appends entries to a size-rotated file. A nil *Trail discards
// everything, so callers need not check whether auditing is enabled.
type Trail struct {
	mu         sync.Mutex
	path       string
	file       *os.File
	maxSize    int64
	maxBackups int
	written    int64
	prevHash   string
	dropped    atomic.Int64
}

// Open opens (or creates) the trail at path and resumes its hash chain.
func Open(path string, maxSizeMB, maxBackups int) (*Trail, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}

	prev, err := lastHash(path)
	if err != nil {
		return nil, err
	}

	t := &Trail{
		path:       path,
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		prevHash:   prev,
	}
	if err := t.open(); err != nil {
		return nil, err
	}
	log.Info("audit trail opened", "path", path)
	return t, nil
}

// Record appends one entry. The chain advances only when the write
// succeeds, so a failed write leaves no gap.
func (t *Trail) Record(event, requestID, sessionID string, fields map[string]string) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file == nil {
		t.dropped.Add(1)
		return
	}

	entry := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Event:     event,
		RequestID: requestID,
		SessionID: sessionID,
		Fields:    fields,
		PrevHash:  t.prevHash,
	}
	entry.Hash = hashEntry(entry)

	line, err := json.Marshal(entry)
	if err != nil {
		log.Error("audit entry marshal failed", "event", event, logging.KeyError, err)
		t.dropped.Add(1)
		return
	}
	line = append(line, '\n')

	if t.written+int64(len(line)) > t.maxSize {
		if err := t.rotate(); err != nil {
			log.Error("audit rotation failed", logging.KeyError, err)
			t.dropped.Add(1)
			return
		}
		entry.PrevHash = t.prevHash
		entry.Hash = hashEntry(entry)
		line, _ = json.Marshal(entry)
		line = append(line, '\n')
	}

	if err := t.write(line); err != nil {
		log.Error("audit write failed", "event", event, logging.KeyError, err)
		t.dropped.Add(1)
		return
	}
	t.prevHash = entry.Hash

	if synced[event] {
		if err := t.file.Sync(); err != nil {
			log.Error("audit fsync failed", "event", event, logging.KeyError, err)
		}
	}
}

// Dropped is the number of entries that could not be written, or -1 for a
// nil trail.
func (t *Trail) Dropped() int64 {
	if t == nil {
		return -1
	}
	return t.dropped.Load()
}

// Close closes the trail file.
func (t *Trail) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}

func (t *Trail) write(line []byte) error {
	n, err := t.file.Write(line)
	t.written += int64(n)
	return err
}

func (t *Trail) open() error {
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("audit: open: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("audit: stat: %w", err)
	}
	t.file = f
	t.written = info.Size()
	return nil
}

// rotate shifts path -> path.1 -> ... -> path.N and starts the new file
// with a sentinel that links back to the last entry of the old one.
func (t *Trail) rotate() error {
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}

	os.Remove(t.backup(t.maxBackups))
	for i := t.maxBackups; i > 1; i-- {
		if err := os.Rename(t.backup(i-1), t.backup(i)); err != nil && !os.IsNotExist(err) {
			log.Warn("audit backup rename failed", "from", t.backup(i-1), logging.KeyError, err)
		}
	}
	if err := os.Rename(t.path, t.backup(1)); err != nil && !os.IsNotExist(err) {
		log.Warn("audit rename failed", logging.KeyError, err)
	}

	if err := t.open(); err != nil {
		return err
	}

	sentinel := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Event:     EventLogRotated,
		Fields:    map[string]string{"previousFile": t.backup(1)},
		PrevHash:  t.prevHash,
	}
	sentinel.Hash = hashEntry(sentinel)
	line, _ := json.Marshal(sentinel)
	if err := t.write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write rotation sentinel: %w", err)
	}
	t.prevHash = sentinel.Hash
	return nil
}

func (t *Trail) backup(i int) string {
	return fmt.Sprintf("%s.%d", t.path, i)
}

// hashEntry hashes every field but Hash. Each field is length-prefixed so
// no two field combinations can produce the same input.
func hashEntry(e Entry) string {
	h := sha256.New()
	for _, f := range []string{e.Timestamp, e.Event, e.RequestID, e.SessionID, e.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(f), f)
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%d:%s%d:%s", len(k), k, len(e.Fields[k]), e.Fields[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// lastHash returns the hash of the last entry in path, or genesis for a
// missing or empty file.
func lastHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return genesis, nil
	}
	if err != nil {
		return "", fmt.Errorf("audit: read: %w", err)
	}
	data = bytes.TrimRight(data, "\n")
	if len(data) == 0 {
		return genesis, nil
	}
	if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
		data = data[i+1:]
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return "", fmt.Errorf("audit: last entry of %s is corrupt: %w", path, err)
	}
	return e.Hash, nil
}

// ChainError reports the first entry that breaks the chain.
type ChainError struct {
	Line   int
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit: line %d: %s", e.Line, e.Reason)
}

// Verify checks every entry's hash and its link to the previous entry in
// one trail file. It returns the number of entries checked.
func Verify(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("audit: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var prev string
	n := 0
	for scanner.Scan() {
		n++
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return n - 1, &ChainError{Line: n, Reason: "not a valid entry"}
		}
		if got := hashEntry(e); got != e.Hash {
			return n - 1, &ChainError{Line: n, Reason: "hash mismatch"}
		}
		if n > 1 && e.PrevHash != prev {
			return n - 1, &ChainError{Line: n, Reason: "does not link to previous entry"}
		}
		prev = e.Hash
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("audit: %w", err)
	}
	return n, nil
}
