// Package journal persists agent events in a segmented append-only
// log. Records are CRC-framed JSON, so a crashed process can reopen
// its journal, drop a torn tail, and rehydrate recent history with
// Tail. Old segments are pruned by count instead of by position: the
// journal is a sliding window over the agent's life, not a replicated
// log.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	// DefaultSegmentBytes limits every segment to 4MB before rotation.
	DefaultSegmentBytes int64 = 4 * 1024 * 1024
	// DefaultMaxSegments bounds how many rotated segments are retained.
	DefaultMaxSegments = 8
)

// ErrClosed indicates that the journal has already been closed.
var ErrClosed = errors.New("journal: closed")

type config struct {
	segmentBytes int64
	maxSegments  int
	disableSync  bool
	fileMode     os.FileMode
}

// Option configures Journal instances.
type Option func(*config)

// WithSegmentBytes overrides the default segment size limit.
func WithSegmentBytes(n int64) Option {
	return func(cfg *config) {
		if n > headerSize+crcSize {
			cfg.segmentBytes = n
		}
	}
}

// WithMaxSegments sets how many segments are kept. Zero keeps all of
// them.
func WithMaxSegments(n int) Option {
	return func(cfg *config) {
		if n >= 0 {
			cfg.maxSegments = n
		}
	}
}

// WithDisabledSync turns off fsync (tests only).
func WithDisabledSync() Option {
	return func(cfg *config) {
		cfg.disableSync = true
	}
}

// WithFileMode sets the permission bits applied to new journal files.
func WithFileMode(mode os.FileMode) Option {
	return func(cfg *config) {
		cfg.fileMode = mode
	}
}

// Journal is a segmented append-only event log. All methods are safe
// for concurrent use.
type Journal struct {
	dir string
	cfg config

	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	current  *segment
	segments []*segment
	nextIdx  int64
	closed   bool
}

type segment struct {
	index int64
	path  string
	size  int64
	count int
}

// Open initializes a journal rooted at dir, creating it if needed.
// Existing segments are scanned and any partially written tail left by
// a crash is truncated away.
func Open(dir string, opts ...Option) (*Journal, error) {
	cfg := config{
		segmentBytes: DefaultSegmentBytes,
		maxSegments:  DefaultMaxSegments,
		fileMode:     0o600,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.segmentBytes <= headerSize+crcSize {
		return nil, fmt.Errorf("journal: segment size too small")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: mkdir %s: %w", dir, err)
	}

	j := &Journal{
		dir: dir,
		cfg: cfg,
	}
	if err := j.loadSegments(); err != nil {
		return nil, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.pruneLocked(); err != nil {
		return nil, err
	}
	return j, j.ensureActiveSegmentLocked()
}

// Append marshals v and writes it under kind. The frame is flushed to
// the OS before Append returns; call Sync for durability against power
// loss.
func (j *Journal) Append(kind string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("journal: marshal %q record: %w", kind, err)
	}
	frame, err := encodeRecord(kind, data)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if err := j.ensureActiveSegmentLocked(); err != nil {
		return err
	}
	if err := j.rollLocked(len(frame)); err != nil {
		return err
	}

	n, err := j.writer.Write(frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return io.ErrShortWrite
	}
	if err := j.writer.Flush(); err != nil {
		return err
	}
	j.current.size += int64(len(frame))
	j.current.count++
	return nil
}

// Sync flushes buffered writes to disk and issues fsync unless
// disabled.
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.syncLocked()
}

// Replay iterates through every retained record in order.
func (j *Journal) Replay(apply func(Record) error) error {
	if apply == nil {
		return fmt.Errorf("journal: replay callback required")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.syncLocked(); err != nil {
		return err
	}

	for _, seg := range j.segments {
		if err := replaySegment(seg, apply); err != nil {
			return err
		}
	}
	return nil
}

// Tail returns the newest n records in chronological order.
func (j *Journal) Tail(n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	recs := make([]Record, 0, n)
	err := j.Replay(func(r Record) error {
		if len(recs) == n {
			copy(recs, recs[1:])
			recs = recs[:n-1]
		}
		recs = append(recs, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// Count returns how many records the retained segments hold.
func (j *Journal) Count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	total := 0
	for _, seg := range j.segments {
		total += seg.count
	}
	return total
}

// Close flushes and releases underlying resources.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true

	var err error
	if syncErr := j.syncLocked(); syncErr != nil {
		err = syncErr
	}
	if j.file != nil {
		if closeErr := j.file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	j.file = nil
	j.writer = nil
	j.current = nil
	return err
}

func (j *Journal) rollLocked(frameLen int) error {
	if j.current == nil {
		return j.createSegmentLocked()
	}
	if j.current.size+int64(frameLen) <= j.cfg.segmentBytes {
		return nil
	}
	if err := j.syncLocked(); err != nil {
		return err
	}
	if err := j.file.Close(); err != nil {
		return err
	}
	j.file = nil
	j.writer = nil
	j.current = nil
	if err := j.createSegmentLocked(); err != nil {
		return err
	}
	return j.pruneLocked()
}

func (j *Journal) ensureActiveSegmentLocked() error {
	if len(j.segments) == 0 {
		return j.createSegmentLocked()
	}
	if j.current != nil {
		return nil
	}
	last := j.segments[len(j.segments)-1]
	file, err := os.OpenFile(last.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, j.cfg.fileMode)
	if err != nil {
		return err
	}
	j.file = file
	j.writer = bufio.NewWriter(file)
	j.current = last
	return nil
}

func (j *Journal) createSegmentLocked() error {
	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(j.dir, segmentName(j.nextIdx))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, j.cfg.fileMode)
	if err != nil {
		return err
	}
	seg := &segment{
		index: j.nextIdx,
		path:  path,
	}
	j.nextIdx++
	j.segments = append(j.segments, seg)
	j.file = file
	j.writer = bufio.NewWriter(file)
	j.current = seg
	return nil
}

// pruneLocked drops the oldest segments once the retention bound is
// exceeded. The active segment is never pruned.
func (j *Journal) pruneLocked() error {
	if j.cfg.maxSegments <= 0 {
		return nil
	}
	for len(j.segments) > j.cfg.maxSegments {
		victim := j.segments[0]
		if victim == j.current {
			return nil
		}
		if err := os.Remove(victim.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		j.segments = j.segments[1:]
	}
	return nil
}

func (j *Journal) syncLocked() error {
	if j.writer != nil {
		if err := j.writer.Flush(); err != nil {
			return err
		}
	}
	if j.file != nil && !j.cfg.disableSync {
		return j.file.Sync()
	}
	return nil
}

func (j *Journal) loadSegments() error {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return err
	}
	var indexes []int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if idx, ok := segmentIndex(entry.Name()); ok {
			indexes = append(indexes, idx)
		}
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	for _, idx := range indexes {
		seg, err := j.scanSegment(filepath.Join(j.dir, segmentName(idx)), idx)
		if err != nil {
			return err
		}
		j.segments = append(j.segments, seg)
		j.nextIdx = idx + 1
	}
	if j.nextIdx == 0 {
		j.nextIdx = 1
	}
	return nil
}

// scanSegment counts the intact records of one segment and truncates a
// torn tail in place.
func (j *Journal) scanSegment(path string, idx int64) (*segment, error) {
	file, err := os.OpenFile(path, os.O_RDWR, j.cfg.fileMode)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	seg := &segment{
		index: idx,
		path:  path,
	}
	var offset int64
	for {
		_, read, err := decodeRecord(reader)
		if err == io.EOF {
			break
		}
		if errors.Is(err, errPartial) {
			if truncErr := file.Truncate(offset); truncErr != nil {
				return nil, truncErr
			}
			break
		}
		if err != nil {
			return nil, fmt.Errorf("journal: scan %s: %w", filepath.Base(path), err)
		}
		seg.count++
		offset += read
	}
	seg.size = offset
	return seg, nil
}

func replaySegment(seg *segment, apply func(Record) error) error {
	if seg.count == 0 {
		return nil
	}
	file, err := os.Open(seg.path)
	if err != nil {
		return err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	for {
		rec, _, err := decodeRecord(reader)
		if err == io.EOF {
			break
		}
		if errors.Is(err, errPartial) {
			// dangling bytes written after the scan; ignore
			break
		}
		if err != nil {
			return err
		}
		if err := apply(rec); err != nil {
			return err
		}
	}
	return nil
}

func segmentName(index int64) string {
	return fmt.Sprintf("journal-%06d.log", index)
}

func segmentIndex(name string) (int64, bool) {
	if !strings.HasPrefix(name, "journal-") || !strings.HasSuffix(name, ".log") {
		return 0, false
	}
	trimmed := strings.TrimSuffix(strings.TrimPrefix(name, "journal-"), ".log")
	if trimmed == "" {
		return 0, false
	}
	var idx int64
	for _, ch := range trimmed {
		if ch < '0' || ch > '9' {
			return 0, false
		}
		idx = idx*10 + int64(ch-'0')
	}
	return idx, true
}
