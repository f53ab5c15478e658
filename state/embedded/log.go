// Package embedded keeps the feedback history in a local Badger database for
// single-node deployments that run without Postgres.
package embedded

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/izavyalov-dev/delta-select/feedback"
)

var (
	recordPrefix = []byte("r/")
	testPrefix   = []byte("t/")
	timePrefix   = []byte("s/")
)

const maxConflictRetries = 3

// Config controls how the Badger database is opened.
type Config struct {
	// Path is the database directory. Required unless InMemory is set.
	Path string

	InMemory   bool
	SyncWrites bool
	Logger     *slog.Logger

	// GCInterval enables periodic value log GC for persistent databases.
	GCInterval     time.Duration
	GCDiscardRatio float64
}

func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Log is a feedback.Log backed by Badger. Records are stored once under their
// (run, test) key and indexed by test and by timestamp.
type Log struct {
	db     *badger.DB
	logger *slog.Logger
	stopGC chan struct{}
	doneGC chan struct{}
}

// Open opens or creates the database described by cfg.
func Open(cfg Config) (*Log, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("embedded: path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	l := &Log{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		l.stopGC = make(chan struct{})
		l.doneGC = make(chan struct{})
		go l.runGC(cfg.GCInterval, ratio)
	}
	return l, nil
}

func (l *Log) Close() error {
	if l.stopGC != nil {
		close(l.stopGC)
		<-l.doneGC
	}
	return l.db.Close()
}

// Append stores a record. It returns false when the (run, test) pair already exists.
func (l *Log) Append(ctx context.Context, record feedback.Record) (bool, error) {
	if err := record.Validate(); err != nil {
		return false, err
	}
	record.Timestamp = record.Timestamp.UTC()
	value, err := json.Marshal(record)
	if err != nil {
		return false, err
	}

	var inserted bool
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		inserted = false
		err = l.db.Update(func(txn *badger.Txn) error {
			primary := recordKey(record)
			if _, err := txn.Get(primary); err == nil {
				return nil
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Set(primary, value); err != nil {
				return err
			}
			if err := txn.Set(testIndexKey(record), value); err != nil {
				return err
			}
			if err := txn.Set(timeIndexKey(record), value); err != nil {
				return err
			}
			inserted = true
			return nil
		})
		if errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetries {
			continue
		}
		break
	}
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// ListByTest returns records of one test newer than since, newest first.
func (l *Log) ListByTest(ctx context.Context, testID string, since time.Time, limit int) ([]feedback.Record, error) {
	prefix := append(append([]byte{}, testPrefix...), testID...)
	prefix = append(prefix, 0)
	cutoff := encodeTime(since)

	var out []feedback.Record
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := it.Item().Key()
			ts := key[len(prefix) : len(prefix)+8]
			if bytes.Compare(ts, cutoff) <= 0 {
				break
			}
			record, err := decodeItem(it.Item())
			if err != nil {
				return err
			}
			out = append(out, record)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// ListSince returns every record newer than since, oldest first.
func (l *Log) ListSince(ctx context.Context, since time.Time) ([]feedback.Record, error) {
	cutoff := encodeTime(since)
	var out []feedback.Record
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = timePrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append(append([]byte{}, timePrefix...), cutoff...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(timePrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			ts := it.Item().Key()[len(timePrefix) : len(timePrefix)+8]
			if bytes.Compare(ts, cutoff) <= 0 {
				continue
			}
			record, err := decodeItem(it.Item())
			if err != nil {
				return err
			}
			out = append(out, record)
		}
		return nil
	})
	return out, err
}

func (l *Log) runGC(interval time.Duration, ratio float64) {
	defer close(l.doneGC)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopGC:
			return
		case <-ticker.C:
			if err := l.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				l.logger.Warn("badger value log gc failed", "event", "feedback_gc_failed", "error", err)
			}
		}
	}
}

func decodeItem(item *badger.Item) (feedback.Record, error) {
	var record feedback.Record
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &record)
	})
	if err != nil {
		return feedback.Record{}, fmt.Errorf("decode feedback record %q: %w", item.Key(), err)
	}
	return record, nil
}

func recordKey(record feedback.Record) []byte {
	key := append([]byte{}, recordPrefix...)
	return append(key, record.Key()...)
}

// t/<test>\x00<ts><run>
func testIndexKey(record feedback.Record) []byte {
	key := append([]byte{}, testPrefix...)
	key = append(key, record.TestID...)
	key = append(key, 0)
	key = append(key, encodeTime(record.Timestamp)...)
	return append(key, record.RunID...)
}

// s/<ts><run>\x00<test>
func timeIndexKey(record feedback.Record) []byte {
	key := append([]byte{}, timePrefix...)
	key = append(key, encodeTime(record.Timestamp)...)
	return append(key, record.Key()...)
}

func encodeTime(t time.Time) []byte {
	var buf [8]byte
	nanos := t.UnixNano()
	if t.IsZero() || nanos < 0 {
		nanos = 0
	}
	binary.BigEndian.PutUint64(buf[:], uint64(nanos))
	return buf[:]
}

type badgerLogger struct {
	logger *slog.Logger
}

func (b *badgerLogger) Errorf(format string, args ...interface{}) {
	b.logger.Error(fmt.Sprintf(format, args...))
}

func (b *badgerLogger) Warningf(format string, args ...interface{}) {
	b.logger.Warn(fmt.Sprintf(format, args...))
}

func (b *badgerLogger) Infof(format string, args ...interface{}) {
	b.logger.Debug(fmt.Sprintf(format, args...))
}

func (b *badgerLogger) Debugf(format string, args ...interface{}) {
	b.logger.Debug(fmt.Sprintf(format, args...))
}

var _ feedback.Log = (*Log)(nil)
