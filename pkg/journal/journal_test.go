package journal

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
)

type beatRecord struct {
	Beat  int    `json:"beat"`
	State string `json:"state"`
}

func TestJournalAppendReplay(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}

	input := []beatRecord{
		{Beat: 1, State: "idle"},
		{Beat: 2, State: "thinking"},
		{Beat: 3, State: "executing"},
	}
	for _, rec := range input {
		if err := j.Append("heartbeat", rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := j.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	j, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()

	var replay []beatRecord
	if err := j.Replay(func(r Record) error {
		if r.Kind != "heartbeat" {
			t.Fatalf("kind = %q", r.Kind)
		}
		var rec beatRecord
		if err := r.Decode(&rec); err != nil {
			return err
		}
		replay = append(replay, rec)
		return nil
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}

	if len(replay) != len(input) {
		t.Fatalf("replayed %d records, want %d", len(replay), len(input))
	}
	for i, rec := range replay {
		if rec != input[i] {
			t.Fatalf("record %d = %+v want %+v", i, rec, input[i])
		}
	}
}

func TestJournalRotatesSegments(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, WithSegmentBytes(256), WithMaxSegments(0))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()

	for i := 0; i < 32; i++ {
		if err := j.Append("heartbeat", beatRecord{Beat: i}); err != nil {
			t.Fatalf("append #%d: %v", i, err)
		}
	}
	if err := j.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "journal-*.log"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(files) < 2 {
		t.Fatalf("expected rotation, found %d segments", len(files))
	}
}

func TestJournalRetentionPrunesOldSegments(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, WithSegmentBytes(128), WithMaxSegments(2))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	total := 40
	for i := 0; i < total; i++ {
		if err := j.Append("heartbeat", beatRecord{Beat: i}); err != nil {
			t.Fatalf("append #%d: %v", i, err)
		}
	}
	if err := j.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "journal-*.log"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(files) > 2 {
		t.Fatalf("retention kept %d segments, want at most 2", len(files))
	}

	var first beatRecord
	got := 0
	if err := j.Replay(func(r Record) error {
		if got == 0 {
			if err := r.Decode(&first); err != nil {
				return err
			}
		}
		got++
		return nil
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if got >= total {
		t.Fatalf("replayed %d records, pruning kept everything", got)
	}
	if first.Beat == 0 {
		t.Fatal("oldest record survived pruning")
	}
	if got != j.Count() {
		t.Fatalf("count = %d, replay saw %d", j.Count(), got)
	}
	j.Close()
}

func TestJournalCrashRecoveryTruncatesPartialRecord(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := j.Append("heartbeat", beatRecord{Beat: 7}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := j.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if j.current == nil {
		t.Fatalf("current segment nil")
	}
	f, err := os.OpenFile(j.current.path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	if _, err := f.Write([]byte{0x50, 0x4C, 0x53}); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	f.Close()
	j.Close()

	j, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()

	var replay []Record
	if err := j.Replay(func(r Record) error {
		replay = append(replay, r)
		return nil
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(replay) != 1 {
		t.Fatalf("replay after crash = %d records", len(replay))
	}
	var rec beatRecord
	if err := replay[0].Decode(&rec); err != nil || rec.Beat != 7 {
		t.Fatalf("decoded %+v err=%v", rec, err)
	}
}

func TestJournalTail(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, WithDisabledSync())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()

	for i := 0; i < 10; i++ {
		if err := j.Append("heartbeat", beatRecord{Beat: i}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	tail, err := j.Tail(3)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(tail) != 3 {
		t.Fatalf("tail length = %d", len(tail))
	}
	for i, r := range tail {
		var rec beatRecord
		if err := r.Decode(&rec); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if rec.Beat != 7+i {
			t.Fatalf("tail[%d].Beat = %d want %d", i, rec.Beat, 7+i)
		}
	}

	if tail, err := j.Tail(0); err != nil || tail != nil {
		t.Fatalf("tail(0) = %v, %v", tail, err)
	}
	if tail, err := j.Tail(100); err != nil || len(tail) != 10 {
		t.Fatalf("tail(100) length = %d err=%v", len(tail), err)
	}
}

func TestJournalClosed(t *testing.T) {
	j, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := j.Append("heartbeat", beatRecord{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("append after close: %v", err)
	}
	if err := j.Sync(); !errors.Is(err, ErrClosed) {
		t.Fatalf("sync after close: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestJournalAppendRequiresKind(t *testing.T) {
	j, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()
	if err := j.Append("", beatRecord{}); err == nil {
		t.Fatal("expected error for empty kind")
	}
}

func TestRecordDecode(t *testing.T) {
	rec := Record{Kind: "heartbeat", Data: []byte(`{"beat":4,"state":"idle"}`)}
	var got beatRecord
	if err := rec.Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Beat != 4 || got.State != "idle" {
		t.Fatalf("decoded %+v", got)
	}
	if err := (Record{Kind: "empty"}).Decode(&got); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestJournalConcurrentAppend(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, WithDisabledSync())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()

	var wg sync.WaitGroup
	workers := runtime.NumCPU()
	perWorker := 32
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(id int) {
			defer wg.Done()
			for k := 0; k < perWorker; k++ {
				if err := j.Append("heartbeat", beatRecord{Beat: id*perWorker + k}); err != nil {
					t.Errorf("append worker %d: %v", id, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	count := 0
	if err := j.Replay(func(Record) error {
		count++
		return nil
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if count != workers*perWorker {
		t.Fatalf("replayed %d records want %d", count, workers*perWorker)
	}
}
