// Package attention assembles the message sequence handed to the model
// backend each cycle, keeping it inside a fixed token budget with a
// strict recency bias on recall history.
package attention

import (
	"math"
	"strings"
	"sync"

	"github.com/nervestack/pulse/pkg/memory"
	modelpkg "github.com/nervestack/pulse/pkg/model"
)

const (
	defaultWindowTokens = 4096
	defaultSafetyMargin = 500

	archivalTopK       = 5
	archivalExcerptMax = 200

	coreMemoryHeader       = "\n\n### CORE MEMORY ###\n"
	relevantMemoriesHeader = "\n### RELEVANT MEMORIES ###\n"
)

// Context is the per-assembly usage snapshot. It is recomputed on every
// call and never persisted.
type Context struct {
	TotalTokens     int    `json:"total_tokens"`
	CoreTokens      int    `json:"core_tokens"`
	RecallTokens    int    `json:"recall_tokens"`
	SystemTokens    int    `json:"system_tokens"`
	AvailableTokens int    `json:"available_tokens"`
	FocusTopic      string `json:"focus_topic,omitempty"`
}

// Stats is the external observability view of the last assembly.
type Stats struct {
	TotalTokens     int     `json:"total_tokens"`
	CoreTokens      int     `json:"core_tokens"`
	RecallTokens    int     `json:"recall_tokens"`
	AvailableTokens int     `json:"available_tokens"`
	UtilizationPct  float64 `json:"utilization_pct"`
	FocusTopic      string  `json:"focus_topic,omitempty"`
}

// Budgeter builds bounded message sequences from the memory store. Reads
// only; identical store state and inputs yield identical output.
type Budgeter struct {
	store  *memory.Store
	window int
	margin int

	mu   sync.Mutex
	last Context
}

// Option customizes a Budgeter.
type Option func(*Budgeter)

// WithWindow sets the total token budget.
func WithWindow(tokens int) Option {
	return func(b *Budgeter) {
		if tokens > 0 {
			b.window = tokens
		}
	}
}

// WithMargin sets the safety margin reserved off the top of the budget.
func WithMargin(tokens int) Option {
	return func(b *Budgeter) {
		if tokens >= 0 {
			b.margin = tokens
		}
	}
}

// NewBudgeter builds a Budgeter reading from store.
func NewBudgeter(store *memory.Store, opts ...Option) *Budgeter {
	b := &Budgeter{
		store:  store,
		window: defaultWindowTokens,
		margin: defaultSafetyMargin,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Assemble composes the system message (prompt plus core memory, plus an
// archival excerpt when a focus query is given and cheap enough), then
// fills what is left of the budget with recall entries newest-first,
// re-ordered chronologically. Entries that would overflow are dropped
// whole, never truncated.
func (b *Budgeter) Assemble(systemPrompt, focus string) ([]modelpkg.Message, Context) {
	systemTokens := estimateTokens(systemPrompt)
	core := b.store.ReadCore()
	coreTokens := estimateTokens(core)

	system := systemPrompt + coreMemoryHeader + core
	used := systemTokens + coreTokens
	remaining := b.window - used - b.margin

	if focus != "" {
		if blocks := b.store.SearchArchival(focus, nil, archivalTopK); len(blocks) > 0 {
			parts := make([]string, 0, len(blocks))
			for _, block := range blocks {
				parts = append(parts, "- "+truncate(block.Content, archivalExcerptMax))
			}
			excerpt := relevantMemoriesHeader + strings.Join(parts, "\n")
			cost := estimateTokens(excerpt)
			// All-or-nothing: the excerpt rides along only when it
			// costs less than a third of what is left.
			if cost < remaining/3 {
				system += "\n" + excerpt
				used += cost
				remaining -= cost
			}
		}
	}

	messages := []modelpkg.Message{{Role: modelpkg.RoleSystem, Content: system}}

	entries := b.store.ReadRecall(0)
	recallTokens := 0
	selected := 0
	for i := len(entries) - 1; i >= 0; i-- {
		cost := estimateTokens(entries[i].Content)
		if recallTokens+cost > remaining {
			break
		}
		recallTokens += cost
		selected++
	}
	for _, entry := range entries[len(entries)-selected:] {
		messages = append(messages, modelpkg.Message{Role: entry.Role, Content: entry.Content})
	}
	used += recallTokens

	ctx := Context{
		TotalTokens:     used,
		CoreTokens:      coreTokens,
		RecallTokens:    recallTokens,
		SystemTokens:    systemTokens,
		AvailableTokens: b.window - used,
		FocusTopic:      focus,
	}

	b.mu.Lock()
	b.last = ctx
	b.mu.Unlock()
	return messages, ctx
}

// Last returns the snapshot from the most recent Assemble call.
func (b *Budgeter) Last() Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Stats reports the last assembly with window utilization.
func (b *Budgeter) Stats() Stats {
	last := b.Last()
	pct := 0.0
	if b.window > 0 {
		pct = math.Round(float64(last.TotalTokens)/float64(b.window)*1000) / 10
	}
	return Stats{
		TotalTokens:     last.TotalTokens,
		CoreTokens:      last.CoreTokens,
		RecallTokens:    last.RecallTokens,
		AvailableTokens: last.AvailableTokens,
		UtilizationPct:  pct,
		FocusTopic:      last.FocusTopic,
	}
}

// estimateTokens is the fixed cost heuristic: length divided by four,
// rounded down.
func estimateTokens(text string) int {
	return len(text) / 4
}

func truncate(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return text[:max-3] + "..."
}
