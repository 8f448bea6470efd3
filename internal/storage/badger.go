package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"edgebrain/internal/model"
)

const (
	checkpointPrefix = "checkpoint/"
	summaryPrefix    = "run/"
	historyPrefix    = "history/"
)

// BadgerStore keeps checkpoints and history in a badger key-value store. An
// empty path opens an in-memory database.
type BadgerStore struct {
	path   string
	logger *slog.Logger

	mu sync.RWMutex
	db *badger.DB
}

func NewBadgerStore(path string, logger *slog.Logger) *BadgerStore {
	return &BadgerStore{path: path, logger: logger}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (s *BadgerStore) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	var opts badger.Options
	if s.path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(s.path, 0o750); err != nil {
			return fmt.Errorf("create badger directory %s: %w", s.path, err)
		}
		opts = badger.DefaultOptions(s.path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if s.logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: s.logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("open badger database: %w", err)
	}
	s.db = db
	return nil
}

func (s *BadgerStore) SaveCheckpoint(ctx context.Context, checkpoint model.Checkpoint) error {
	if err := validateRunID(checkpoint.RunID); err != nil {
		return err
	}
	if err := checkVersion(checkpoint.VersionedRecord); err != nil {
		return err
	}
	payload, err := EncodeCheckpoint(checkpoint)
	if err != nil {
		return err
	}
	summary, err := EncodeSummary(Summarize(checkpoint))
	if err != nil {
		return err
	}

	return s.update(ctx, func(txn *badger.Txn) error {
		if err := txn.Set([]byte(checkpointPrefix+checkpoint.RunID), payload); err != nil {
			return err
		}
		return txn.Set([]byte(summaryPrefix+checkpoint.RunID), summary)
	})
}

func (s *BadgerStore) GetCheckpoint(ctx context.Context, runID string) (model.Checkpoint, bool, error) {
	var payload []byte
	err := s.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(checkpointPrefix + runID))
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return model.Checkpoint{}, false, nil
	}
	if err != nil {
		return model.Checkpoint{}, false, err
	}

	checkpoint, err := DecodeCheckpoint(payload)
	if err != nil {
		return model.Checkpoint{}, false, fmt.Errorf("decode checkpoint %s: %w", runID, err)
	}
	return checkpoint, true, nil
}

func (s *BadgerStore) ListRuns(ctx context.Context) ([]model.RunSummary, error) {
	var runs []model.RunSummary
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, summaryPrefix, func(val []byte) error {
			run, err := DecodeSummary(val)
			if err != nil {
				return err
			}
			runs = append(runs, run)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortRuns(runs)
	return runs, nil
}

// historyKey zero-pads the step so key order is step order.
func historyKey(runID string, step int) []byte {
	return []byte(fmt.Sprintf("%s%s/%012d", historyPrefix, runID, step))
}

func (s *BadgerStore) AppendHistory(ctx context.Context, runID string, rows ...model.StepMetrics) error {
	if err := validateRunID(runID); err != nil {
		return err
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		for _, row := range rows {
			if row.Step < 0 {
				return fmt.Errorf("negative history step %d", row.Step)
			}
			payload, err := EncodeStepMetrics(row)
			if err != nil {
				return err
			}
			if err := txn.Set(historyKey(runID, row.Step), payload); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) GetHistory(ctx context.Context, runID string) ([]model.StepMetrics, bool, error) {
	var history []model.StepMetrics
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, historyPrefix+runID+"/", func(val []byte) error {
			row, err := DecodeStepMetrics(val)
			if err != nil {
				return err
			}
			history = append(history, row)
			return nil
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("read history %s: %w", runID, err)
	}
	return history, len(history) > 0, nil
}

func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *BadgerStore) getDB() (*badger.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errNotInitialized
	}
	return s.db, nil
}

func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	db, err := s.getDB()
	if err != nil {
		return err
	}
	return db.Update(fn)
}

func (s *BadgerStore) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	db, err := s.getDB()
	if err != nil {
		return err
	}
	return db.View(fn)
}

func scanPrefix(txn *badger.Txn, prefix string, fn func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}
