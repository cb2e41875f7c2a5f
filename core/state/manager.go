package state

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"oyamarket/core/events"
	"oyamarket/storage"
)

var errReadOnly = errors.New("state: write attempted in read-only view")

// Manager owns every ledger and escrow record stored in the database. Writes
// go through Update, which runs against an overlay and commits it in a single
// batch, so a failed closure leaves the database untouched.
type Manager struct {
	mu      sync.Mutex
	db      storage.Database
	emitter events.Emitter
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db, emitter: events.NoopEmitter{}}
}

// SetEmitter configures the emitter receiving ledger events after commit.
// Passing nil resets the emitter to a no-op implementation.
func (m *Manager) SetEmitter(emitter events.Emitter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	m.emitter = emitter
}

// Update runs fn inside a transaction. Updates are serialised; events queued
// by the transaction are emitted once the batch has been written.
func (m *Manager) Update(fn func(tx *Tx) error) error {
	m.mu.Lock()
	tx := newTx(m.db, false)
	if err := fn(tx); err != nil {
		m.mu.Unlock()
		return err
	}
	if err := tx.commit(); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("state: commit: %w", err)
	}
	emitter := m.emitter
	pending := tx.events
	m.mu.Unlock()

	for _, evt := range pending {
		emitter.Emit(evt)
	}
	return nil
}

// View runs fn against committed state. Writes fail with an error.
func (m *Manager) View(fn func(tx *Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(newTx(m.db, true))
}

// Tx buffers reads and writes of a single Update.
type Tx struct {
	db       storage.Database
	writes   map[string][]byte
	order    []string
	events   []events.Event
	readOnly bool
}

func newTx(db storage.Database, readOnly bool) *Tx {
	return &Tx{db: db, writes: make(map[string][]byte), readOnly: readOnly}
}

func (tx *Tx) get(key []byte) ([]byte, error) {
	if value, ok := tx.writes[string(key)]; ok {
		return value, nil
	}
	value, err := tx.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return value, err
}

func (tx *Tx) put(key, value []byte) error {
	if tx.readOnly {
		return errReadOnly
	}
	k := string(key)
	if _, ok := tx.writes[k]; !ok {
		tx.order = append(tx.order, k)
	}
	tx.writes[k] = append([]byte(nil), value...)
	return nil
}

func (tx *Tx) getRLP(key []byte, out interface{}) (bool, error) {
	data, err := tx.get(key)
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

func (tx *Tx) putRLP(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return tx.put(key, encoded)
}

func (tx *Tx) emit(evt events.Event) {
	if tx.readOnly || evt == nil {
		return
	}
	tx.events = append(tx.events, evt)
}

func (tx *Tx) commit() error {
	if len(tx.order) == 0 {
		return nil
	}
	batch := tx.db.NewBatch()
	for _, k := range tx.order {
		batch.Put([]byte(k), tx.writes[k])
	}
	return batch.Write()
}

func kvKey(key []byte) []byte {
	buf := make([]byte, 0, len("kv:")+len(key))
	buf = append(buf, "kv:"...)
	buf = append(buf, key...)
	return ethcrypto.Keccak256(buf)
}

// KVPut stores an arbitrary RLP-encodable value under key.
func (tx *Tx) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return tx.putRLP(kvKey(key), value)
}

// KVGet decodes the value stored under key into out. The boolean reports
// whether the key existed.
func (tx *Tx) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	return tx.getRLP(kvKey(key), out)
}

// appendList appends value to the RLP list stored under an already hashed
// key. Duplicates are ignored to keep the index deterministic.
func (tx *Tx) appendList(hashed []byte, value []byte) error {
	var list [][]byte
	if _, err := tx.getRLP(hashed, &list); err != nil {
		return err
	}
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	return tx.putRLP(hashed, list)
}

func (tx *Tx) loadList(hashed []byte) ([][]byte, error) {
	var list [][]byte
	if _, err := tx.getRLP(hashed, &list); err != nil {
		return nil, err
	}
	if list == nil {
		list = [][]byte{}
	}
	return list, nil
}

// KVGetList decodes an RLP list stored under key into the slice pointed to by
// out. A missing key yields an empty slice.
func (tx *Tx) KVGetList(key []byte, out interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	ok, err := tx.getRLP(kvKey(key), out)
	if err != nil || ok {
		return err
	}
	val := reflect.ValueOf(out)
	if val.Kind() != reflect.Ptr || val.IsNil() {
		return fmt.Errorf("kv: destination must be a non-nil pointer")
	}
	elem := val.Elem()
	if elem.Kind() != reflect.Slice {
		return fmt.Errorf("kv: destination must point to a slice")
	}
	elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
	return nil
}

// KVPut stores value under key in its own update.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	return m.Update(func(tx *Tx) error { return tx.KVPut(key, value) })
}

// KVGet reads a value written by KVPut.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	var found bool
	err := m.View(func(tx *Tx) error {
		var err error
		found, err = tx.KVGet(key, out)
		return err
	})
	return found, err
}
