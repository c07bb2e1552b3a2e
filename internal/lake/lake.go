package lake

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/aevon-lab/tally/internal/core/partition"
	"github.com/aevon-lab/tally/internal/core/record"
	"github.com/natefinch/atomic"
	"github.com/parquet-go/parquet-go"
)

var (
	// ErrNoPartition is returned when reading a (source, day) that has no partition file.
	ErrNoPartition = errors.New("partition does not exist")

	// ErrInvalidRow is returned by Write when a row carries no usable event date.
	ErrInvalidRow = errors.New("row has no valid event date")
)

// Lake is the day-partitioned Parquet store under one root directory.
// It is not safe for concurrent writers to the same (source, day); runs are serialized
// by the pipeline lock.
type Lake struct {
	dir string
}

// New returns a Lake rooted at dir.
func New(dir string) *Lake {
	return &Lake{dir: dir}
}

// Dir returns the lake root.
func (l *Lake) Dir() string { return l.dir }

// Path returns the partition file of (source, day).
func (l *Lake) Path(source string, day time.Time) string {
	return partition.Path(l.dir, source, day)
}

// Days lists the days with a partition for source, ascending.
func (l *Lake) Days(source string) ([]time.Time, error) {
	return partition.List(l.dir, source)
}

// Read loads every row of the (source, day) partition.
func (l *Lake) Read(source string, day time.Time) ([]record.Event, error) {
	path := l.Path(source, day)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, ErrNoPartition
	}
	if err != nil {
		return nil, fmt.Errorf("open partition %s: %w", path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat partition %s: %w", path, err)
	}
	if stat.Size() == 0 {
		return nil, nil
	}

	rows, err := parquet.Read[record.Event](f, stat.Size())
	if err != nil {
		return nil, fmt.Errorf("read partition %s: %w", path, err)
	}
	return rows, nil
}

// Count returns the row count of the (source, day) partition from its footer.
func (l *Lake) Count(source string, day time.Time) (int64, error) {
	path := l.Path(source, day)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, ErrNoPartition
	}
	if err != nil {
		return 0, fmt.Errorf("open partition %s: %w", path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat partition %s: %w", path, err)
	}
	if stat.Size() == 0 {
		return 0, nil
	}

	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return 0, fmt.Errorf("open parquet %s: %w", path, err)
	}
	return pf.NumRows(), nil
}

// Remove deletes the (source, day) partition. A missing partition is not an error.
func (l *Lake) Remove(source string, day time.Time) (bool, error) {
	path := l.Path(source, day)
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("remove partition %s: %w", path, err)
	}
	slog.Info("[Partition] Removed", "source", source, "dt", record.FormatDay(day))
	return true, nil
}

// DayResult describes one partition touched by a write.
type DayResult struct {
	Day        time.Time
	Added      int   // new rows kept
	Duplicates int   // new rows dropped by natural-key dedup
	Total      int64 // partition rows after the write
}

// WriteResult summarizes a Write call.
type WriteResult struct {
	Days       []DayResult // ascending by day
	Added      int
	Duplicates int
	OutOfRange int // rows dropped by the day filter
}

// Write groups events by their derived date and merges each group into its
// partition. When key is non-empty, rows whose natural key is already present
// (in the partition or earlier in events) are dropped. When keep is non-nil,
// rows whose day it rejects are discarded.
//
// Every touched partition is read, merged and encoded before the first one is
// replaced, so a bad row or unreadable partition leaves the lake untouched.
func (l *Lake) Write(source string, key []string, events []record.Event, keep func(time.Time) bool) (WriteResult, error) {
	var res WriteResult

	groups := make(map[time.Time][]record.Event)
	for _, evt := range events {
		day, err := evt.Day()
		if err != nil {
			return res, fmt.Errorf("%w: %v", ErrInvalidRow, err)
		}
		if keep != nil && !keep(day) {
			res.OutOfRange++
			continue
		}
		groups[day] = append(groups[day], evt)
	}

	days := make([]time.Time, 0, len(groups))
	for d := range groups {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	staged := make([]stagedPartition, 0, len(days))
	for _, day := range days {
		sp, err := l.merge(source, key, day, groups[day])
		if err != nil {
			return WriteResult{OutOfRange: res.OutOfRange}, err
		}
		staged = append(staged, sp)
	}

	for _, sp := range staged {
		if sp.data != nil {
			if err := replace(sp.path, sp.data); err != nil {
				return res, err
			}
			slog.Debug("[Partition] Merged",
				"source", source,
				"dt", record.FormatDay(sp.result.Day),
				"added", sp.result.Added,
				"duplicates", sp.result.Duplicates,
				"total", sp.result.Total)
		}
		res.Days = append(res.Days, sp.result)
		res.Added += sp.result.Added
		res.Duplicates += sp.result.Duplicates
	}
	return res, nil
}

// stagedPartition is a merged partition encoded in memory, waiting to replace
// the file at path. data is nil when the partition is unchanged.
type stagedPartition struct {
	path   string
	data   *bytes.Buffer
	result DayResult
}

// merge reads one partition, merges incoming into it and encodes the result.
func (l *Lake) merge(source string, key []string, day time.Time, incoming []record.Event) (stagedPartition, error) {
	existing, err := l.Read(source, day)
	if err != nil && !errors.Is(err, ErrNoPartition) {
		return stagedPartition{}, err
	}

	merged := make([]record.Event, 0, len(existing)+len(incoming))
	merged = append(merged, existing...)

	sp := stagedPartition{path: l.Path(source, day), result: DayResult{Day: day}}
	dr := &sp.result
	if len(key) == 0 {
		merged = append(merged, incoming...)
		dr.Added = len(incoming)
	} else {
		seen := partition.NewKeySet(key, len(merged)+len(incoming))
		for _, evt := range existing {
			seen.Add(evt)
		}
		for _, evt := range incoming {
			if !seen.Add(evt) {
				dr.Duplicates++
				continue
			}
			merged = append(merged, evt)
			dr.Added++
		}
	}
	dr.Total = int64(len(merged))

	if dr.Added == 0 && len(existing) > 0 {
		return sp, nil
	}

	sp.data, err = encode(merged)
	if err != nil {
		return stagedPartition{}, err
	}
	return sp, nil
}

// encode renders rows as a Snappy-compressed Parquet file.
func encode(rows []record.Event) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[record.Event](&buf, parquet.Compression(&parquet.Snappy))
	if _, err := w.Write(rows); err != nil {
		return nil, fmt.Errorf("write partition rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finish partition: %w", err)
	}
	return &buf, nil
}

// replace atomically swaps path for data.
func replace(path string, data *bytes.Buffer) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create partition dir %s: %w", dir, err)
	}
	if err := atomic.WriteFile(path, data); err != nil {
		return fmt.Errorf("replace partition %s: %w", path, err)
	}
	return nil
}
