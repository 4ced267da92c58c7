package state

import (
	"encoding/binary"
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"nhbchain/storage"
)

// Manager reads and writes the escrow ledger to a key-value database. Every
// key is hashed with Keccak-256 so the on-disk layout does not leak record
// boundaries.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

var (
	metaKeyBytes       = []byte("escrow/meta")
	dealPrefix         = []byte("escrow/deal/")
	unknownPrefix      = []byte("escrow/uf/")
	freeSlotPrefix     = []byte("escrow/uf-free/")
	errManagerUnusable = errors.New("state: manager unavailable")
)

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

func indexedKey(prefix []byte, index uint32) []byte {
	buf := make([]byte, len(prefix)+4)
	copy(buf, prefix)
	binary.BigEndian.PutUint32(buf[len(prefix):], index)
	return kvKey(buf)
}

func metaKey() []byte                 { return kvKey(metaKeyBytes) }
func dealKey(id uint32) []byte        { return indexedKey(dealPrefix, id) }
func unknownKey(key uint32) []byte    { return indexedKey(unknownPrefix, key) }
func freeSlotKey(index uint32) []byte { return indexedKey(freeSlotPrefix, index) }

// KVPut RLP-encodes value and stores it under the hashed key.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if m == nil || m.db == nil {
		return errManagerUnusable
	}
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if m == nil || m.db == nil {
		return false, errManagerUnusable
	}
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	return m.getHashed(kvKey(key), out)
}

func (m *Manager) getHashed(hashed []byte, out interface{}) (bool, error) {
	data, err := m.db.Get(hashed)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}
