// Package memory implements the three-tier store backing an agent: core
// blocks that are always in context, a bounded recall buffer of recent
// turns, and an unbounded archival tier with keyword search. Core and
// archival blocks survive restarts; recall is in-memory only.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Tier labels which layer of the store a block belongs to.
type Tier string

const (
	TierCore     Tier = "core"
	TierRecall   Tier = "recall"
	TierArchival Tier = "archival"
)

// Block is one unit of stored memory.
type Block struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	Tier        Tier      `json:"tier"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Importance  float64   `json:"importance"`
	AccessCount int       `json:"access_count"`
	Tags        []string  `json:"tags,omitempty"`
}

// Clone returns a deep copy safe to hand out across the store boundary.
func (b *Block) Clone() *Block {
	if b == nil {
		return nil
	}
	clone := *b
	if b.Tags != nil {
		clone.Tags = append([]string(nil), b.Tags...)
	}
	return &clone
}

// RecallEntry is one conversational turn held in the recall buffer.
type RecallEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Seq     uint64 `json:"seq"`
}

// CoreBlockID derives the identifier for a core block created under key.
func CoreBlockID(key, content string) string {
	return fmt.Sprintf("core_%s_%s", key, contentHash(content))
}

// ArchivalBlockID derives a content-addressed identifier with a time
// component so identical content archived twice stays distinct.
func ArchivalBlockID(content string, now time.Time) string {
	return fmt.Sprintf("arch_%s_%d", contentHash(content), now.Unix())
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:12]
}
