// Package recovery keeps finished notes whose persistence failed in a local
// spool and replays them into the knowledge store once it accepts writes.
package recovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/kalambet/vidnote/internal/storage"
)

const notePrefix = "note/"

// Spool is a badger-backed holding area for unpersisted notes.
type Spool struct {
	db     *badger.DB
	logger *slog.Logger
}

// badgerLogger adapts slog.Logger to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLogger)(nil)

func (l *badgerLogger) Errorf(msg string, items ...any) {
	l.logger.Error(fmt.Sprintf(msg, items...))
}

func (l *badgerLogger) Warningf(msg string, items ...any) {
	l.logger.Warn(fmt.Sprintf(msg, items...))
}

func (l *badgerLogger) Infof(msg string, items ...any) {
	l.logger.Debug(fmt.Sprintf(msg, items...))
}

func (l *badgerLogger) Debugf(msg string, items ...any) {
	l.logger.Debug(fmt.Sprintf(msg, items...))
}

// OpenSpool opens the spool in dir, creating it if needed.
// An empty dir opens an in-memory spool (used by tests). Badger's own log
// lines go to logger, or slog.Default() when it is nil.
func OpenSpool(dir string, logger *slog.Logger) (*Spool, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating spool dir: %w", err)
		}
		opts = badger.DefaultOptions(dir)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "spool")
	opts.Logger = &badgerLogger{logger: logger}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening spool: %w", err)
	}
	return &Spool{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Spool) Close() error {
	return s.db.Close()
}

// Save stores a note, replacing any earlier copy with the same id.
func (s *Spool) Save(n storage.Note) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encoding note %s: %w", n.ID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(notePrefix+n.ID), data)
	})
	if err != nil {
		return err
	}
	s.logger.Info("note spooled", "note_id", n.ID, "code", n.Code)
	return nil
}

// List returns every spooled note in key order.
func (s *Spool) List() ([]storage.Note, error) {
	notes := []storage.Note{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(notePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var n storage.Note
				if err := json.Unmarshal(val, &n); err != nil {
					return err
				}
				notes = append(notes, n)
				return nil
			})
			if err != nil {
				return fmt.Errorf("decoding %s: %w", it.Item().Key(), err)
			}
		}
		return nil
	})
	return notes, err
}

// Delete removes a note. Deleting an absent note is not an error.
func (s *Spool) Delete(id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(notePrefix + id))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}
