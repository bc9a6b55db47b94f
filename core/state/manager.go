package state

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"haggle/storage"
)

var errClosedTxn = errors.New("state: transaction already finished")

// Manager owns the node state stored in a key-value database. Writes go
// through Update which serialises writers and commits each transaction as a
// single batch; readers use View and run concurrently.
type Manager struct {
	db storage.Database
	mu sync.RWMutex
}

// NewManager creates a state manager on top of the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// View runs fn against a read-only snapshot of the committed state. Writes
// staged by fn are discarded.
func (m *Manager) View(fn func(*Txn) error) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state: manager not initialised")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	txn := newTxn(m.db)
	defer txn.discard()
	return fn(txn)
}

// Update runs fn inside a write transaction. When fn returns nil every staged
// write is committed atomically; otherwise nothing is persisted.
func (m *Manager) Update(fn func(*Txn) error) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state: manager not initialised")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	txn := newTxn(m.db)
	defer txn.discard()
	if err := fn(txn); err != nil {
		return err
	}
	return txn.commit()
}

// Txn stages writes over the committed database. Reads observe the staged
// writes first.
type Txn struct {
	db      storage.Database
	writes  map[string][]byte
	deletes map[string]struct{}
	done    bool
}

func newTxn(db storage.Database) *Txn {
	return &Txn{
		db:      db,
		writes:  make(map[string][]byte),
		deletes: make(map[string]struct{}),
	}
}

func (t *Txn) get(key []byte) ([]byte, bool, error) {
	if t.done {
		return nil, false, errClosedTxn
	}
	k := string(key)
	if _, deleted := t.deletes[k]; deleted {
		return nil, false, nil
	}
	if value, ok := t.writes[k]; ok {
		return value, true, nil
	}
	value, err := t.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (t *Txn) put(key, value []byte) error {
	if t.done {
		return errClosedTxn
	}
	k := string(key)
	delete(t.deletes, k)
	t.writes[k] = append([]byte(nil), value...)
	return nil
}

func (t *Txn) del(key []byte) error {
	if t.done {
		return errClosedTxn
	}
	k := string(key)
	delete(t.writes, k)
	t.deletes[k] = struct{}{}
	return nil
}

// iterate visits committed and staged keys under prefix in ascending order.
func (t *Txn) iterate(prefix []byte, fn func(key, value []byte) error) error {
	if t.done {
		return errClosedTxn
	}
	merged := make(map[string][]byte)
	if err := t.db.Iterate(prefix, func(key, value []byte) error {
		merged[string(key)] = value
		return nil
	}); err != nil {
		return err
	}
	for k, v := range t.writes {
		if strings.HasPrefix(k, string(prefix)) {
			merged[k] = v
		}
	}
	for k := range t.deletes {
		delete(merged, k)
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn([]byte(k), merged[k]); err != nil {
			return err
		}
	}
	return nil
}

func (t *Txn) putRLP(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return t.put(key, encoded)
}

func (t *Txn) getRLP(key []byte, out interface{}) (bool, error) {
	data, ok, err := t.get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := decodeRLP(data, out); err != nil {
		return false, fmt.Errorf("state: decode %q: %w", key, err)
	}
	return true, nil
}

func decodeRLP(data []byte, out interface{}) error {
	return rlp.DecodeBytes(data, out)
}

func (t *Txn) commit() error {
	if t.done {
		return errClosedTxn
	}
	batch := storage.NewBatch()
	for k, v := range t.writes {
		batch.Put([]byte(k), v)
	}
	for k := range t.deletes {
		batch.Delete([]byte(k))
	}
	t.done = true
	return t.db.Write(batch)
}

func (t *Txn) discard() {
	t.done = true
	t.writes = nil
	t.deletes = nil
}
