package bunker

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/dgraph-io/badger"
)

// Backend persists encoded records by sequence number plus a few metadata
// values. Implementations must be safe for concurrent use.
type Backend interface {
	Put(seq uint64, data []byte) error
	Delete(seqs ...uint64) error
	// ForEach visits records in ascending sequence order.
	ForEach(fn func(seq uint64, data []byte) error) error
	PutMeta(key string, value []byte) error
	// GetMeta returns nil when the key is absent.
	GetMeta(key string) ([]byte, error)
	Close() error
}

const (
	recordPrefix = "rec/"
	metaPrefix   = "meta/"
)

func recordKey(seq uint64) []byte {
	k := make([]byte, len(recordPrefix)+8)
	copy(k, recordPrefix)
	binary.BigEndian.PutUint64(k[len(recordPrefix):], seq)
	return k
}

func metaKey(key string) []byte {
	return []byte(metaPrefix + key)
}

// MemoryBackend keeps everything in process memory.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[uint64][]byte
	meta    map[string][]byte
}

var _ Backend = (*MemoryBackend)(nil)

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records: make(map[uint64][]byte),
		meta:    make(map[string][]byte),
	}
}

func (m *MemoryBackend) Put(seq uint64, data []byte) error {
	m.mu.Lock()
	m.records[seq] = append([]byte(nil), data...)
	m.mu.Unlock()
	return nil
}

// Get returns the stored bytes for seq.
func (m *MemoryBackend) Get(seq uint64) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.records[seq]
	return append([]byte(nil), data...), ok
}

func (m *MemoryBackend) Delete(seqs ...uint64) error {
	m.mu.Lock()
	for _, seq := range seqs {
		delete(m.records, seq)
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) ForEach(fn func(seq uint64, data []byte) error) error {
	m.mu.RLock()
	seqs := make([]uint64, 0, len(m.records))
	for seq := range m.records {
		seqs = append(seqs, seq)
	}
	m.mu.RUnlock()
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	for _, seq := range seqs {
		data, ok := m.Get(seq)
		if !ok {
			continue
		}
		if err := fn(seq, data); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryBackend) PutMeta(key string, value []byte) error {
	m.mu.Lock()
	m.meta[key] = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) GetMeta(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.meta[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryBackend) Close() error { return nil }

// BadgerBackend stores records in a badger database with synchronous writes,
// so an acknowledged append survives a crash.
type BadgerBackend struct {
	db   *badger.DB
	path string
}

var _ Backend = (*BadgerBackend)(nil)

// OpenBadgerBackend opens or creates the database at path.
func OpenBadgerBackend(path string, logger *slog.Logger) (*BadgerBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(path).
		WithSyncWrites(true).
		WithTruncate(true).
		WithLogger(badgerLogger{logger.With("component", "badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open offline store at %s: %w", path, err)
	}
	return &BadgerBackend{db: db, path: path}, nil
}

func (b *BadgerBackend) Put(seq uint64, data []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(seq), data)
	})
}

func (b *BadgerBackend) Delete(seqs ...uint64) error {
	return b.db.Update(func(txn *badger.Txn) error {
		for _, seq := range seqs {
			if err := txn.Delete(recordKey(seq)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerBackend) ForEach(fn func(seq uint64, data []byte) error) error {
	prefix := []byte(recordPrefix)
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.Key()
			if len(key) != len(recordPrefix)+8 {
				continue
			}
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(binary.BigEndian.Uint64(key[len(recordPrefix):]), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerBackend) PutMeta(key string, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(key), value)
	})
}

func (b *BadgerBackend) GetMeta(key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

// badgerLogger routes badger's printf logging into slog.
type badgerLogger struct {
	l *slog.Logger
}

func (b badgerLogger) Errorf(format string, args ...interface{}) {
	b.l.Error(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Warningf(format string, args ...interface{}) {
	b.l.Warn(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Infof(format string, args ...interface{}) {
	b.l.Debug(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Debugf(format string, args ...interface{}) {
	b.l.Debug(fmt.Sprintf(format, args...))
}
