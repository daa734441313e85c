package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// BadgerBackend persists memory in an embedded Badger database. Core block
// sets live under one key per agent, archival blocks under one key each.
type BadgerBackend struct {
	db     *badger.DB
	logger *zap.Logger
}

var _ Backend = (*BadgerBackend)(nil)

// NewBadgerBackend opens (or creates) the database under root.
func NewBadgerBackend(root string, logger *zap.Logger) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(filepath.Join(root, "badger")).
		WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("memory: open badger: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BadgerBackend{db: db, logger: logger}, nil
}

// LoadCore reads the core block set stored under core/<agentID>.
func (b *BadgerBackend) LoadCore(agentID string) (map[string]*Block, error) {
	var blocks map[string]*Block
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(coreKey(agentID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &blocks)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("memory: load core: %w", err)
	}
	return blocks, nil
}

// SaveCore replaces the stored core block set.
func (b *BadgerBackend) SaveCore(agentID string, blocks map[string]*Block) error {
	data, err := json.Marshal(blocks)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(coreKey(agentID), data)
	})
}

// LoadArchival iterates archival/<agentID>/ and returns every block that
// decodes cleanly; corrupt values are skipped.
func (b *BadgerBackend) LoadArchival(agentID string) ([]*Block, error) {
	prefix := archivalPrefix(agentID)
	var blocks []*Block
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 10
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var block Block
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &block)
			})
			if err != nil || block.ID == "" {
				b.logger.Warn("memory: skipping corrupt archival record",
					zap.ByteString("key", item.KeyCopy(nil)), zap.Error(err))
				continue
			}
			blocks = append(blocks, &block)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("memory: load archival: %w", err)
	}
	return blocks, nil
}

// SaveArchival writes one block under archival/<agentID>/<blockID>.
func (b *BadgerBackend) SaveArchival(agentID string, block *Block) error {
	data, err := json.Marshal(block)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(archivalKey(agentID, block.ID), data)
	})
}

// DeleteArchival removes one archival record; deleting an absent key is
// not an error.
func (b *BadgerBackend) DeleteArchival(agentID, blockID string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(archivalKey(agentID, blockID))
	})
}

// Close shuts the database down.
func (b *BadgerBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func coreKey(agentID string) []byte {
	return []byte("core/" + agentID)
}

func archivalPrefix(agentID string) []byte {
	return []byte("archival/" + agentID + "/")
}

func archivalKey(agentID, blockID string) []byte {
	return append(archivalPrefix(agentID), blockID...)
}
