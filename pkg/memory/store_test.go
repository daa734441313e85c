package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingBackend struct {
	mu       sync.Mutex
	lastCore map[string]*Block
	saved    []*Block
	deleted  []string
}

func (r *recordingBackend) LoadCore(string) (map[string]*Block, error) { return nil, ErrNotFound }

func (r *recordingBackend) SaveCore(_ string, blocks map[string]*Block) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastCore = make(map[string]*Block, len(blocks))
	for k, b := range blocks {
		r.lastCore[k] = b.Clone()
	}
	return nil
}

func (r *recordingBackend) LoadArchival(string) ([]*Block, error) { return nil, nil }

func (r *recordingBackend) SaveArchival(_ string, block *Block) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, block.Clone())
	return nil
}

func (r *recordingBackend) DeleteArchival(_, blockID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, blockID)
	return nil
}

func (r *recordingBackend) Close() error { return nil }

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := NewStore("test-agent", opts...)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestNewStoreRequiresAgentID(t *testing.T) {
	t.Parallel()
	if _, err := NewStore("  "); err == nil {
		t.Fatal("expected error for blank agent id")
	}
}

func TestWriteCoreBudget(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, WithCoreLimit(20))

	if !s.WriteCore("persona", "0123456789") {
		t.Fatal("first write should fit")
	}
	if s.WriteCore("user", strings.Repeat("x", 15)) {
		t.Fatal("write exceeding budget should be rejected")
	}
	if got := s.Stats(); got.CoreChars != 10 {
		t.Fatalf("rejected write must not mutate, core chars = %d", got.CoreChars)
	}

	// Overwriting a key counts only the other blocks against the budget.
	if !s.WriteCore("persona", strings.Repeat("y", 20)) {
		t.Fatal("exact-fit overwrite should succeed")
	}
	if s.WriteCore("persona", strings.Repeat("y", 21)) {
		t.Fatal("one-over overwrite should be rejected")
	}
	if got := s.Stats(); got.CoreChars != 20 {
		t.Fatalf("core chars = %d, want 20", got.CoreChars)
	}
}

func TestReadCoreLabeledSections(t *testing.T) {
	t.Parallel()
	backend := &recordingBackend{}
	s := newTestStore(t, WithBackend(backend))

	s.WriteCore("persona", "I am Pulse.")
	s.WriteCore("user_info", "Name: Ada")

	want := "[PERSONA]\nI am Pulse.\n\n[USER_INFO]\nName: Ada"
	if got := s.ReadCore(); got != want {
		t.Fatalf("ReadCore:\n%q\nwant:\n%q", got, want)
	}

	// The read bumped access counters; the next write persists them.
	s.WriteCore("persona", "I am Pulse v2.")
	if got := backend.lastCore["user_info"].AccessCount; got != 1 {
		t.Fatalf("access count = %d, want 1", got)
	}
}

func TestReadCoreEmpty(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if got := s.ReadCore(); got != "" {
		t.Fatalf("empty store ReadCore = %q", got)
	}
}

func TestDeleteCore(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	s.WriteCore("persona", "hello")
	if !s.DeleteCore("persona") {
		t.Fatal("delete existing should report true")
	}
	if s.DeleteCore("persona") {
		t.Fatal("delete absent should report false")
	}
}

func TestRecallFIFOEviction(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, WithRecallLimit(3))

	for i := 1; i <= 4; i++ {
		s.AppendRecall("user", fmt.Sprintf("m%d", i))
	}

	all := s.ReadRecall(0)
	if len(all) != 3 {
		t.Fatalf("recall length = %d, want 3", len(all))
	}
	for i, want := range []string{"m2", "m3", "m4"} {
		if all[i].Content != want {
			t.Fatalf("recall[%d] = %q, want %q", i, all[i].Content, want)
		}
	}
	if all[0].Seq >= all[1].Seq || all[1].Seq >= all[2].Seq {
		t.Fatalf("sequence numbers not increasing: %+v", all)
	}

	last := s.ReadRecall(2)
	if len(last) != 2 || last[0].Content != "m3" || last[1].Content != "m4" {
		t.Fatalf("ReadRecall(2) = %+v", last)
	}

	s.ClearRecall()
	if got := s.Stats(); got.RecallCount != 0 {
		t.Fatalf("recall count after clear = %d", got.RecallCount)
	}
}

func TestArchiveAndSearchRanking(t *testing.T) {
	t.Parallel()
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, WithClock(func() time.Time { return fixed }))

	idA := s.Archive("go concurrency patterns", []string{"golang"}, 0.9)
	idB := s.Archive("go runtime scheduler design", []string{"golang"}, 0)
	s.Archive("python asyncio notes", []string{"python"}, 0)

	if !strings.HasPrefix(idA, "arch_") {
		t.Fatalf("unexpected archival id %q", idA)
	}

	// Two matching words beat one, regardless of importance.
	results := s.SearchArchival("go scheduler", nil, 10)
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].ID != idB || results[1].ID != idA {
		t.Fatalf("ranking wrong: got [%s %s], want [%s %s]", results[0].ID, results[1].ID, idB, idA)
	}

	// Equal match counts fall back to importance.
	results = s.SearchArchival("go", nil, 1)
	if len(results) != 1 || results[0].ID != idA {
		t.Fatalf("importance tie-break wrong: %+v", results)
	}

	// Tag filter requires at least one shared tag.
	results = s.SearchArchival("notes asyncio", []string{"python"}, 10)
	if len(results) != 1 || !strings.Contains(results[0].Content, "python") {
		t.Fatalf("tag filter wrong: %+v", results)
	}
	if results := s.SearchArchival("asyncio", []string{"golang"}, 10); len(results) != 0 {
		t.Fatalf("mismatched tag filter should exclude, got %+v", results)
	}

	if results := s.SearchArchival("   ", nil, 10); results != nil {
		t.Fatalf("blank query should return nil, got %+v", results)
	}
}

func TestSearchBumpsOnlyReturnedBlocks(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	s.Archive("alpha beats", nil, 0.9)
	s.Archive("alpha bravo", nil, 0.1)

	// Limited search touches only the top result.
	first := s.SearchArchival("alpha", nil, 1)
	if len(first) != 1 || first[0].AccessCount != 1 {
		t.Fatalf("limited search: %+v", first)
	}

	both := s.SearchArchival("alpha", nil, 10)
	if len(both) != 2 {
		t.Fatalf("expected both blocks, got %d", len(both))
	}
	if both[0].AccessCount != 2 || both[1].AccessCount != 1 {
		t.Fatalf("access counts = [%d %d], want [2 1]", both[0].AccessCount, both[1].AccessCount)
	}
}

func TestDeleteArchival(t *testing.T) {
	t.Parallel()
	backend := &recordingBackend{}
	s := newTestStore(t, WithBackend(backend))

	id := s.Archive("to be removed", nil, 0)
	if !s.DeleteArchival(id) {
		t.Fatal("delete existing should report true")
	}
	if s.DeleteArchival(id) {
		t.Fatal("second delete should report false")
	}
	if len(backend.deleted) != 1 || backend.deleted[0] != id {
		t.Fatalf("backend deletes = %+v", backend.deleted)
	}
	if results := s.SearchArchival("removed", nil, 10); len(results) != 0 {
		t.Fatalf("deleted block still searchable: %+v", results)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, WithCoreLimit(100), WithRecallLimit(5))

	s.WriteCore("persona", "abcde")
	s.AppendRecall("user", "hi")
	s.Archive("fact", nil, 0)

	got := s.Stats()
	want := Stats{CoreChars: 5, CoreLimit: 100, RecallCount: 1, RecallLimit: 5, ArchivalCount: 1}
	if got != want {
		t.Fatalf("stats = %+v, want %+v", got, want)
	}
}

func TestConcurrentCoreWritesHoldBudget(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, WithCoreLimit(100))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.WriteCore(fmt.Sprintf("k%d", i), strings.Repeat("z", 30))
		}(i)
	}
	wg.Wait()

	if got := s.Stats(); got.CoreChars > 100 {
		t.Fatalf("budget violated under concurrency: %d chars", got.CoreChars)
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	open := func() *Store {
		backend, err := NewFileBackend(dir, nil)
		if err != nil {
			t.Fatalf("NewFileBackend: %v", err)
		}
		return newTestStore(t, WithBackend(backend))
	}

	s1 := open()
	s1.WriteCore("persona", "durable persona")
	id := s1.Archive("durable archival fact", []string{"fact"}, 0.7)

	s2 := open()
	if got := s2.ReadCore(); !strings.Contains(got, "durable persona") {
		t.Fatalf("core did not survive restart: %q", got)
	}
	results := s2.SearchArchival("durable fact", []string{"fact"}, 10)
	if len(results) != 1 || results[0].ID != id || results[0].Importance != 0.7 {
		t.Fatalf("archival did not survive restart: %+v", results)
	}

	// Recall is ephemeral.
	s1.AppendRecall("user", "gone on restart")
	if got := open().Stats(); got.RecallCount != 0 {
		t.Fatalf("recall should not persist, count = %d", got.RecallCount)
	}
}

func TestFileBackendSkipsCorruptRecords(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	backend, err := NewFileBackend(dir, nil)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	s1 := newTestStore(t, WithBackend(backend))
	s1.WriteCore("persona", "good core")
	s1.Archive("good block", nil, 0)

	archDir := filepath.Join(dir, "archival", "test-agent")
	if err := os.WriteFile(filepath.Join(archDir, "arch_bad_0.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write corrupt record: %v", err)
	}

	s2 := newTestStore(t, WithBackend(backend))
	if got := s2.Stats(); got.ArchivalCount != 1 {
		t.Fatalf("corrupt record should be skipped, archival count = %d", got.ArchivalCount)
	}

	// A corrupt core file empties the core tier but archival still loads.
	if err := os.WriteFile(filepath.Join(dir, "test-agent_core.json"), []byte("garbage"), 0o600); err != nil {
		t.Fatalf("corrupt core file: %v", err)
	}
	s3 := newTestStore(t, WithBackend(backend))
	if got := s3.Stats(); got.CoreChars != 0 || got.ArchivalCount != 1 {
		t.Fatalf("load after core corruption = %+v", got)
	}
}

func TestBadgerBackendRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	backend, err := NewBadgerBackend(dir, nil)
	if err != nil {
		t.Fatalf("NewBadgerBackend: %v", err)
	}
	s1 := newTestStore(t, WithBackend(backend))
	s1.WriteCore("persona", "badger persona")
	id := s1.Archive("badger archival fact", nil, 0)
	if !s1.DeleteArchival(id) {
		t.Fatal("delete should succeed")
	}
	keep := s1.Archive("kept fact", nil, 0)
	if err := backend.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	backend2, err := NewBadgerBackend(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer backend2.Close()

	s2 := newTestStore(t, WithBackend(backend2))
	if got := s2.ReadCore(); !strings.Contains(got, "badger persona") {
		t.Fatalf("core did not survive restart: %q", got)
	}
	results := s2.SearchArchival("kept", nil, 10)
	if len(results) != 1 || results[0].ID != keep {
		t.Fatalf("archival after restart = %+v", results)
	}
	if got := s2.Stats(); got.ArchivalCount != 1 {
		t.Fatalf("deleted block resurrected, count = %d", got.ArchivalCount)
	}
}

func TestBlockIDs(t *testing.T) {
	t.Parallel()
	now := time.Unix(1750000000, 0)

	core := CoreBlockID("persona", "content")
	if !strings.HasPrefix(core, "core_persona_") || len(core) != len("core_persona_")+12 {
		t.Fatalf("core id = %q", core)
	}

	arch := ArchivalBlockID("content", now)
	if !strings.HasPrefix(arch, "arch_") || !strings.HasSuffix(arch, "_1750000000") {
		t.Fatalf("archival id = %q", arch)
	}
	if ArchivalBlockID("content", now) != arch {
		t.Fatal("archival id should be deterministic for same content and time")
	}
	if ArchivalBlockID("other", now) == arch {
		t.Fatal("different content should produce different id")
	}
}
