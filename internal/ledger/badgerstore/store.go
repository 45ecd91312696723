// Package badgerstore is an embedded ledger.Store on BadgerDB, for
// single-node deployments without a database server.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/raphaelgruber/contentops/internal/ledger"
	"github.com/raphaelgruber/contentops/internal/models"
)

const entryPrefix = "entry/"

// Store keeps one JSON document per entry under entry/<type>/<name>.
// Optimistic transactions give per-entry compare-and-swap: a commit that
// raced with another writer fails with badger.ErrConflict.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

var _ ledger.Store = (*Store)(nil)

type loggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*loggerAdapter)(nil)

func (a *loggerAdapter) Errorf(msg string, items ...any) {
	a.logger.Error(fmt.Sprintf(msg, items...))
}

func (a *loggerAdapter) Warningf(msg string, items ...any) {
	a.logger.Warn(fmt.Sprintf(msg, items...))
}

func (a *loggerAdapter) Infof(msg string, items ...any) {
	a.logger.Debug(fmt.Sprintf(msg, items...))
}

func (a *loggerAdapter) Debugf(msg string, items ...any) {
	a.logger.Debug(fmt.Sprintf(msg, items...))
}

// Open opens (or creates) a store at dir. An empty dir opens an in-memory store.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create badger dir: %w", err)
		}
		opts = badger.DefaultOptions(dir)
	}
	opts.Logger = &loggerAdapter{logger: logger.With("component", "badger")}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func entryKey(key models.Key) []byte {
	return []byte(entryPrefix + string(key.ContentType) + "/" + key.Name)
}

func typePrefix(ct models.ContentType) []byte {
	return []byte(entryPrefix + string(ct) + "/")
}

func readEntry(txn *badger.Txn, key models.Key) (*models.ContentEntry, error) {
	item, err := txn.Get(entryKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var e models.ContentEntry
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &e)
	})
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &e, nil
}

func writeEntry(txn *badger.Txn, e *models.ContentEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s: %w", e.Key(), err)
	}
	return txn.Set(entryKey(e.Key()), data)
}

func mapCommitErr(err error) error {
	if errors.Is(err, badger.ErrConflict) {
		return ledger.ErrVersionConflict
	}
	return err
}

func (s *Store) Get(_ context.Context, key models.Key) (*models.ContentEntry, error) {
	var out *models.ContentEntry
	err := s.db.View(func(txn *badger.Txn) error {
		e, err := readEntry(txn, key)
		out = e
		return err
	})
	return out, err
}

func (s *Store) Create(_ context.Context, entry *models.ContentEntry) error {
	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	if _, err := readEntry(txn, entry.Key()); err == nil {
		return ledger.ErrAlreadyExists
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return err
	}

	stored := entry.Clone()
	stored.Version = 1
	if err := writeEntry(txn, stored); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		// A concurrent create of the same key is the only conflict here.
		if errors.Is(err, badger.ErrConflict) {
			return ledger.ErrAlreadyExists
		}
		return err
	}
	entry.Version = 1
	return nil
}

func (s *Store) Update(_ context.Context, entry *models.ContentEntry) error {
	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	current, err := readEntry(txn, entry.Key())
	if err != nil {
		return err
	}
	if current.Version != entry.Version {
		return ledger.ErrVersionConflict
	}

	stored := entry.Clone()
	stored.Version = entry.Version + 1
	if err := writeEntry(txn, stored); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return mapCommitErr(err)
	}
	entry.Version = stored.Version
	return nil
}

func (s *Store) Delete(_ context.Context, key models.Key, version int64) error {
	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	current, err := readEntry(txn, key)
	if err != nil {
		return err
	}
	if current.Version != version {
		return ledger.ErrVersionConflict
	}
	if err := txn.Delete(entryKey(key)); err != nil {
		return err
	}
	return mapCommitErr(txn.Commit())
}

// Query scans the content type prefixes named by the filter (or all entries)
// and applies the rest of the filter in memory.
func (s *Store) Query(ctx context.Context, filter ledger.Filter) ([]*models.ContentEntry, error) {
	prefixes := [][]byte{[]byte(entryPrefix)}
	if len(filter.ContentTypes) > 0 {
		prefixes = prefixes[:0]
		for _, ct := range filter.ContentTypes {
			prefixes = append(prefixes, typePrefix(ct))
		}
	}

	var out []*models.ContentEntry
	err := s.db.View(func(txn *badger.Txn) error {
		for _, prefix := range prefixes {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				if err := ctx.Err(); err != nil {
					it.Close()
					return err
				}
				var e models.ContentEntry
				if err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &e)
				}); err != nil {
					it.Close()
					return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
				}
				if filter.Matches(&e) {
					out = append(out, &e)
				}
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	ledger.SortEntries(out)
	return out, nil
}
