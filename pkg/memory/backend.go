package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// ErrNotFound reports that a backend holds no record for the requested key.
var ErrNotFound = errors.New("memory: not found")

// Backend is the durable layer beneath the store. Implementations must be
// safe for concurrent use; the store serializes its own calls but tests
// and tooling may not.
type Backend interface {
	// LoadCore returns the core block set for an agent, or ErrNotFound
	// when nothing has been persisted yet.
	LoadCore(agentID string) (map[string]*Block, error)
	// SaveCore replaces the persisted core block set for an agent.
	SaveCore(agentID string, blocks map[string]*Block) error
	// LoadArchival returns every readable archival block for an agent.
	// Unreadable records are skipped, not fatal.
	LoadArchival(agentID string) ([]*Block, error)
	// SaveArchival persists a single archival block.
	SaveArchival(agentID string, block *Block) error
	// DeleteArchival removes a persisted archival block. Deleting an
	// absent block is not an error.
	DeleteArchival(agentID, blockID string) error
	Close() error
}

// FileBackend persists memory as JSON files: one core file per agent plus
// one file per archival block under an agent subdirectory.
type FileBackend struct {
	root     string
	fileMode os.FileMode
	logger   *zap.Logger
}

var _ Backend = (*FileBackend)(nil)

// NewFileBackend creates a filesystem-backed Backend rooted at root.
func NewFileBackend(root string, logger *zap.Logger) (*FileBackend, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("memory: backend root required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileBackend{
		root:     abs,
		fileMode: 0o600,
		logger:   logger,
	}, nil
}

// LoadCore reads the per-agent core file.
func (f *FileBackend) LoadCore(agentID string) (map[string]*Block, error) {
	data, err := os.ReadFile(f.corePath(agentID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	blocks := make(map[string]*Block)
	if err := json.Unmarshal(data, &blocks); err != nil {
		return nil, fmt.Errorf("memory: decode core file: %w", err)
	}
	return blocks, nil
}

// SaveCore writes the full core block set in one file.
func (f *FileBackend) SaveCore(agentID string, blocks map[string]*Block) error {
	data, err := json.MarshalIndent(blocks, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.corePath(agentID), data, f.fileMode)
}

// LoadArchival reads every block file under the agent's archival directory,
// skipping records that fail to parse.
func (f *FileBackend) LoadArchival(agentID string) ([]*Block, error) {
	dir := f.archivalDir(agentID)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var blocks []*Block
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			f.logger.Warn("memory: skipping unreadable archival record",
				zap.String("path", path), zap.Error(err))
			continue
		}
		var block Block
		if err := json.Unmarshal(data, &block); err != nil || block.ID == "" {
			f.logger.Warn("memory: skipping corrupt archival record",
				zap.String("path", path), zap.Error(err))
			continue
		}
		blocks = append(blocks, &block)
	}
	return blocks, nil
}

// SaveArchival writes one block file.
func (f *FileBackend) SaveArchival(agentID string, block *Block) error {
	dir := f.archivalDir(agentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(block, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, block.ID+".json"), data, f.fileMode)
}

// DeleteArchival removes one block file.
func (f *FileBackend) DeleteArchival(agentID, blockID string) error {
	err := os.Remove(filepath.Join(f.archivalDir(agentID), blockID+".json"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Close is a no-op for the file backend.
func (f *FileBackend) Close() error { return nil }

func (f *FileBackend) corePath(agentID string) string {
	return filepath.Join(f.root, agentID+"_core.json")
}

func (f *FileBackend) archivalDir(agentID string) string {
	return filepath.Join(f.root, "archival", agentID)
}
