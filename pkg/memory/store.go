package memory

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultCoreLimit   = 2048
	defaultRecallLimit = 100
	defaultSearchLimit = 50
)

// Stats is a point-in-time usage snapshot of the store.
type Stats struct {
	CoreChars     int `json:"core_chars"`
	CoreLimit     int `json:"core_limit"`
	RecallCount   int `json:"recall_count"`
	RecallLimit   int `json:"recall_limit"`
	ArchivalCount int `json:"archival_count"`
}

// Store owns all memory blocks for one agent. Every operation is safe for
// concurrent use. In-memory state is authoritative: persistence failures
// are logged and swallowed, never rolled back.
type Store struct {
	mu      sync.Mutex
	agentID string
	logger  *zap.Logger
	backend Backend
	now     func() time.Time

	coreLimit   int
	recallLimit int
	searchLimit int

	core      map[string]*Block
	recall    []RecallEntry
	recallSeq uint64
	archival  map[string]*Block
}

// Option customizes a Store.
type Option func(*Store)

// WithBackend attaches a durable layer for core and archival blocks.
func WithBackend(backend Backend) Option {
	return func(s *Store) { s.backend = backend }
}

// WithLogger sets the store logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithCoreLimit sets the core tier character budget.
func WithCoreLimit(limit int) Option {
	return func(s *Store) {
		if limit > 0 {
			s.coreLimit = limit
		}
	}
}

// WithRecallLimit sets the recall buffer capacity.
func WithRecallLimit(limit int) Option {
	return func(s *Store) {
		if limit > 0 {
			s.recallLimit = limit
		}
	}
}

// WithSearchLimit sets the default archival search result cap.
func WithSearchLimit(limit int) Option {
	return func(s *Store) {
		if limit > 0 {
			s.searchLimit = limit
		}
	}
}

// NewStore builds a Store for agentID and loads any persisted state. A
// corrupt or unreadable corpus never fails construction; whatever loads
// cleanly is kept and the rest is logged and skipped.
func NewStore(agentID string, opts ...Option) (*Store, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, errors.New("memory: agent id is required")
	}
	s := &Store{
		agentID:     agentID,
		logger:      zap.NewNop(),
		now:         time.Now,
		coreLimit:   defaultCoreLimit,
		recallLimit: defaultRecallLimit,
		searchLimit: defaultSearchLimit,
		core:        make(map[string]*Block),
		archival:    make(map[string]*Block),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.load()
	return s, nil
}

func (s *Store) load() {
	if s.backend == nil {
		return
	}
	core, err := s.backend.LoadCore(s.agentID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		s.logger.Warn("memory: core load failed, starting empty", zap.Error(err))
	default:
		for key, block := range core {
			if block == nil || block.ID == "" {
				s.logger.Warn("memory: skipping corrupt core record", zap.String("key", key))
				continue
			}
			s.core[key] = block
		}
		s.logger.Info("memory: core loaded", zap.Int("blocks", len(s.core)))
	}

	archival, err := s.backend.LoadArchival(s.agentID)
	if err != nil {
		s.logger.Warn("memory: archival load failed, starting empty", zap.Error(err))
		return
	}
	for _, block := range archival {
		s.archival[block.ID] = block
	}
	if len(s.archival) > 0 {
		s.logger.Info("memory: archival loaded", zap.Int("blocks", len(s.archival)))
	}
}

// ReadCore renders every core block as a labeled section, ordered by key,
// and bumps each block's access counter.
func (s *Store) ReadCore() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.core))
	for key := range s.core {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		block := s.core[key]
		parts = append(parts, fmt.Sprintf("[%s]\n%s", strings.ToUpper(key), block.Content))
		block.AccessCount++
	}
	return strings.Join(parts, "\n\n")
}

// WriteCore upserts a core block. It reports false and leaves the store
// untouched when the other blocks' combined length plus the new content
// would exceed the character budget.
func (s *Store) WriteCore(key, content string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	other := 0
	for k, block := range s.core {
		if k != key {
			other += len(block.Content)
		}
	}
	if other+len(content) > s.coreLimit {
		s.logger.Warn("memory: core budget exceeded",
			zap.String("key", key),
			zap.Int("attempted", other+len(content)),
			zap.Int("limit", s.coreLimit))
		return false
	}

	now := s.now()
	if block, ok := s.core[key]; ok {
		block.Content = content
		block.UpdatedAt = now
	} else {
		s.core[key] = &Block{
			ID:         CoreBlockID(key, content),
			Content:    content,
			Tier:       TierCore,
			CreatedAt:  now,
			UpdatedAt:  now,
			Importance: 1.0,
		}
	}
	s.persistCore()
	s.logger.Debug("memory: core updated", zap.String("key", key))
	return true
}

// DeleteCore removes a core block, reporting whether it existed.
func (s *Store) DeleteCore(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.core[key]; !ok {
		return false
	}
	delete(s.core, key)
	s.persistCore()
	return true
}

// AppendRecall records one conversational turn, evicting the oldest entry
// when the buffer is full.
func (s *Store) AppendRecall(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recallSeq++
	entry := RecallEntry{Role: role, Content: content, Seq: s.recallSeq}
	if len(s.recall) >= s.recallLimit {
		s.recall = append(s.recall[1:], entry)
	} else {
		s.recall = append(s.recall, entry)
	}
}

// ReadRecall returns the most recent limit entries in chronological order,
// or the whole buffer when limit is non-positive.
func (s *Store) ReadRecall(limit int) []RecallEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.recall)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]RecallEntry, limit)
	copy(out, s.recall[n-limit:])
	return out
}

// ClearRecall empties the recall buffer.
func (s *Store) ClearRecall() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recall = nil
}

// Archive stores content in the archival tier and returns the new block's
// identifier. Non-positive importance falls back to the 0.5 default.
func (s *Store) Archive(content string, tags []string, importance float64) string {
	if importance <= 0 {
		importance = 0.5
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	block := &Block{
		ID:         ArchivalBlockID(content, now),
		Content:    content,
		Tier:       TierArchival,
		CreatedAt:  now,
		UpdatedAt:  now,
		Importance: importance,
		Tags:       append([]string(nil), tags...),
	}
	s.archival[block.ID] = block
	s.persistArchival(block)
	s.logger.Debug("memory: archival added", zap.String("id", block.ID))
	return block.ID
}

// SearchArchival tokenizes query into lowercase words and returns blocks
// containing at least one of them, filtered by tags when given, ranked by
// match count then importance (block ID breaks remaining ties). Returned
// blocks get their access counter bumped.
func (s *Store) SearchArchival(query string, tags []string, limit int) []*Block {
	words := queryWords(query)
	if len(words) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	type candidate struct {
		score int
		block *Block
	}
	var cands []candidate
	for _, block := range s.archival {
		if len(tags) > 0 && !sharesTag(block.Tags, tags) {
			continue
		}
		contentLower := strings.ToLower(block.Content)
		score := 0
		for _, w := range words {
			if strings.Contains(contentLower, w) {
				score++
			}
		}
		if score > 0 {
			cands = append(cands, candidate{score: score, block: block})
		}
	}

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		if cands[i].block.Importance != cands[j].block.Importance {
			return cands[i].block.Importance > cands[j].block.Importance
		}
		return cands[i].block.ID < cands[j].block.ID
	})

	if limit <= 0 {
		limit = s.searchLimit
	}
	if len(cands) > limit {
		cands = cands[:limit]
	}

	out := make([]*Block, 0, len(cands))
	for _, c := range cands {
		c.block.AccessCount++
		out = append(out, c.block.Clone())
	}
	return out
}

// DeleteArchival removes an archival block, reporting whether it existed.
func (s *Store) DeleteArchival(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.archival[id]; !ok {
		return false
	}
	delete(s.archival, id)
	if s.backend != nil {
		if err := s.backend.DeleteArchival(s.agentID, id); err != nil {
			s.logger.Warn("memory: archival delete failed", zap.String("id", id), zap.Error(err))
		}
	}
	return true
}

// Stats reports current usage across all three tiers.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	chars := 0
	for _, block := range s.core {
		chars += len(block.Content)
	}
	return Stats{
		CoreChars:     chars,
		CoreLimit:     s.coreLimit,
		RecallCount:   len(s.recall),
		RecallLimit:   s.recallLimit,
		ArchivalCount: len(s.archival),
	}
}

// persistCore and persistArchival run with s.mu held.
func (s *Store) persistCore() {
	if s.backend == nil {
		return
	}
	if err := s.backend.SaveCore(s.agentID, s.core); err != nil {
		s.logger.Warn("memory: core persist failed", zap.Error(err))
	}
}

func (s *Store) persistArchival(block *Block) {
	if s.backend == nil {
		return
	}
	if err := s.backend.SaveArchival(s.agentID, block); err != nil {
		s.logger.Warn("memory: archival persist failed", zap.String("id", block.ID), zap.Error(err))
	}
}

func queryWords(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	if len(fields) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(fields))
	words := fields[:0]
	for _, w := range fields {
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		words = append(words, w)
	}
	return words
}

func sharesTag(blockTags, filter []string) bool {
	for _, want := range filter {
		for _, have := range blockTags {
			if have == want {
				return true
			}
		}
	}
	return false
}
