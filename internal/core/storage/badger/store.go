package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/aevon-lab/tally/internal/core/aggregation"
	"github.com/aevon-lab/tally/internal/core/record"
	"github.com/aevon-lab/tally/internal/core/storage"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// Key prefixes. Components after the prefix are separated by sep, so prefix
// iteration returns rows ordered by source, then date, then query.
var (
	prefixProcessed = []byte("pf/")
	prefixWatermark = []byte("wm/")
	prefixPageViews = []byte("pv/")
	prefixSearches  = []byte("sd/")
)

const sep = 0x00

// Config holds Badger configuration.
type Config struct {
	// Path to store database files.
	Path string

	// InMemory mode (for tests and dry runs).
	InMemory bool
}

// Store implements storage.Store on an embedded Badger database.
type Store struct {
	db *badger.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens (or creates) the Badger database.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}

	// Aggregates are small; keep memory bounds modest and log through slog only on warnings.
	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithLogger(badgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	slog.Info("[Badger] Store opened", "path", cfg.Path, "in_memory", cfg.InMemory)
	return &Store{db: db}, nil
}

// IsProcessed reports whether token is already in the admission ledger.
func (s *Store) IsProcessed(ctx context.Context, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(processedKey(token))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to check processed file: %w", err)
	}
	return found, nil
}

// RecordProcessed registers an ingested file. A known token is left untouched.
func (s *Store) RecordProcessed(ctx context.Context, f storage.ProcessedFile) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode processed file: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		key := processedKey(f.Token)
		if _, err := txn.Get(key); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, value)
	})
	if err != nil {
		return fmt.Errorf("failed to record processed file: %w", err)
	}
	return nil
}

// DeleteProcessed removes the records of source with date in [from, to].
func (s *Store) DeleteProcessed(ctx context.Context, source string, from, to time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	from, to = record.Day(from), record.Day(to)
	var deleted int64
	err := s.db.Update(func(txn *badger.Txn) error {
		var doomed [][]byte
		err := scanPrefix(txn, prefixProcessed, func(key, val []byte) error {
			var f storage.ProcessedFile
			if err := json.Unmarshal(val, &f); err != nil {
				return fmt.Errorf("decode processed file: %w", err)
			}
			d := record.Day(f.Date)
			if f.Source == source && !d.Before(from) && !d.After(to) {
				doomed = append(doomed, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range doomed {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		deleted = int64(len(doomed))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete processed files: %w", err)
	}

	slog.Info("[Badger] Forgot processed files",
		"source", source,
		"from", record.FormatDay(from),
		"to", record.FormatDay(to),
		"deleted", deleted)
	return deleted, nil
}

// ListProcessed returns the records of source ordered by date then path.
func (s *Store) ListProcessed(ctx context.Context, source string) ([]storage.ProcessedFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []storage.ProcessedFile
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, prefixProcessed, func(_, val []byte) error {
			var f storage.ProcessedFile
			if err := json.Unmarshal(val, &f); err != nil {
				return fmt.Errorf("decode processed file: %w", err)
			}
			if f.Source == source {
				out = append(out, f)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list processed files: %w", err)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

// Watermark returns the snapshot watermark of source, or storage.ErrNotFound.
func (s *Store) Watermark(ctx context.Context, source string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	var wm time.Time
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(watermarkKey(source))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			wm = decodeTime(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return time.Time{}, storage.ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read watermark: %w", err)
	}
	return wm, nil
}

// AdvanceWatermark moves the watermark of source forward to wm. Older values are ignored.
func (s *Store) AdvanceWatermark(ctx context.Context, source string, wm time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		key := watermarkKey(source)
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			var current time.Time
			if err := item.Value(func(val []byte) error {
				current = decodeTime(val)
				return nil
			}); err != nil {
				return err
			}
			if !wm.After(current) {
				return nil
			}
		}
		return txn.Set(key, encodeTime(wm))
	})
	if err != nil {
		return fmt.Errorf("failed to advance watermark: %w", err)
	}
	return nil
}

// ReplacePageViews deletes the (source, day) row and writes row in one transaction.
func (s *Store) ReplacePageViews(ctx context.Context, source string, day time.Time, row *aggregation.PageViewDaily) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := pageViewsKey(source, day)
	err := s.db.Update(func(txn *badger.Txn) error {
		if row == nil {
			return txn.Delete(key)
		}
		value, err := json.Marshal(pageViewsValue{Views: row.Views, UniqIPs: row.UniqIPs})
		if err != nil {
			return err
		}
		return txn.Set(key, value)
	})
	if err != nil {
		return fmt.Errorf("page_views_daily replace %s: %w", record.FormatDay(day), err)
	}
	return nil
}

// ReplaceSearches deletes every (source, day) row and writes rows in one transaction.
func (s *Store) ReplaceSearches(ctx context.Context, source string, day time.Time, rows []aggregation.SearchDaily) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dayPrefix := searchesDayPrefix(source, day)
	err := s.db.Update(func(txn *badger.Txn) error {
		var doomed [][]byte
		if err := scanPrefix(txn, dayPrefix, func(key, _ []byte) error {
			doomed = append(doomed, key)
			return nil
		}); err != nil {
			return err
		}
		for _, key := range doomed {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		for _, r := range rows {
			var cnt [8]byte
			binary.BigEndian.PutUint64(cnt[:], uint64(r.Count))
			if err := txn.Set(append(bytes.Clone(dayPrefix), r.Query...), cnt[:]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("searches_daily replace %s: %w", record.FormatDay(day), err)
	}
	return nil
}

// PageViews lists page_views_daily rows for source (all sources when empty).
func (s *Store) PageViews(ctx context.Context, source string) ([]aggregation.PageViewDaily, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []aggregation.PageViewDaily
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, sourcePrefix(prefixPageViews, source), func(key, val []byte) error {
			parts := bytes.SplitN(key[len(prefixPageViews):], []byte{sep}, 2)
			if len(parts) != 2 {
				return fmt.Errorf("malformed page views key %q", key)
			}
			day, err := record.ParseDay(string(parts[1]))
			if err != nil {
				return err
			}
			var v pageViewsValue
			if err := json.Unmarshal(val, &v); err != nil {
				return err
			}
			out = append(out, aggregation.PageViewDaily{
				Source:  string(parts[0]),
				Date:    day,
				Views:   v.Views,
				UniqIPs: v.UniqIPs,
			})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("query page_views_daily: %w", err)
	}
	return out, nil
}

// Searches lists searches_daily rows for source (all sources when empty).
func (s *Store) Searches(ctx context.Context, source string) ([]aggregation.SearchDaily, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []aggregation.SearchDaily
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, sourcePrefix(prefixSearches, source), func(key, val []byte) error {
			parts := bytes.SplitN(key[len(prefixSearches):], []byte{sep}, 3)
			if len(parts) != 3 || len(val) != 8 {
				return fmt.Errorf("malformed searches key %q", key)
			}
			day, err := record.ParseDay(string(parts[1]))
			if err != nil {
				return err
			}
			out = append(out, aggregation.SearchDaily{
				Source: string(parts[0]),
				Date:   day,
				Query:  string(parts[2]),
				Count:  int64(binary.BigEndian.Uint64(val)),
			})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("query searches_daily: %w", err)
	}
	return out, nil
}

// Ping reports whether the database is open.
func (s *Store) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger database is closed")
	}
	return nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close badger: %w", err)
	}
	slog.Info("[Badger] Store closed")
	return nil
}

type pageViewsValue struct {
	Views   int64 `json:"views"`
	UniqIPs int64 `json:"uniq_ips"`
}

// scanPrefix calls fn for every key under prefix. Keys and values passed to fn are copies.
func scanPrefix(txn *badger.Txn, prefix []byte, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(item.KeyCopy(nil), val); err != nil {
			return err
		}
	}
	return nil
}

func processedKey(token string) []byte {
	return append(bytes.Clone(prefixProcessed), token...)
}

func watermarkKey(source string) []byte {
	return append(bytes.Clone(prefixWatermark), source...)
}

func pageViewsKey(source string, day time.Time) []byte {
	key := sourcePrefix(prefixPageViews, source)
	return append(key, record.FormatDay(day)...)
}

func searchesDayPrefix(source string, day time.Time) []byte {
	key := sourcePrefix(prefixSearches, source)
	key = append(key, record.FormatDay(day)...)
	return append(key, sep)
}

// sourcePrefix returns prefix+source+sep, or prefix alone for an empty source.
func sourcePrefix(prefix []byte, source string) []byte {
	key := bytes.Clone(prefix)
	if source == "" {
		return key
	}
	key = append(key, source...)
	return append(key, sep)
}

func encodeTime(t time.Time) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(t.UTC().UnixMicro()))
	return buf[:]
}

func decodeTime(b []byte) time.Time {
	return time.UnixMicro(int64(binary.BigEndian.Uint64(b))).UTC()
}

// badgerLogger routes Badger's internal logging into slog.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	slog.Error("[Badger] " + fmt.Sprintf(format, args...))
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	slog.Warn("[Badger] " + fmt.Sprintf(format, args...))
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
