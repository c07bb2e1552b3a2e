package partition

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aevon-lab/tally/internal/core/record"
	"github.com/cespare/xxhash/v2"
)

const (
	// dirPrefix is the hive-style date folder/file prefix shared by raw shards and partitions.
	dirPrefix = "dt="

	// Ext is the partition file extension.
	Ext = ".parquet"
)

// Path returns the deterministic partition file for (source, day):
// <lakeDir>/<source>/dt=YYYY-MM-DD.parquet.
func Path(lakeDir, source string, day time.Time) string {
	return filepath.Join(lakeDir, source, dirPrefix+record.FormatDay(day)+Ext)
}

// DateFolder returns the dt=YYYY-MM-DD folder name used by raw daily shards.
func DateFolder(day time.Time) string {
	return dirPrefix + record.FormatDay(day)
}

// ParseDateFolder extracts the day from a dt=YYYY-MM-DD folder name
// (or partition file name with the extension).
func ParseDateFolder(name string) (time.Time, bool) {
	name = strings.TrimSuffix(name, Ext)
	if !strings.HasPrefix(name, dirPrefix) {
		return time.Time{}, false
	}
	day, err := record.ParseDay(strings.TrimPrefix(name, dirPrefix))
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

// List returns the days that have a partition file for source, in ascending order.
// A missing source directory yields no days.
func List(lakeDir, source string) ([]time.Time, error) {
	entries, err := os.ReadDir(filepath.Join(lakeDir, source))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list partitions of %s: %w", source, err)
	}

	var days []time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Ext) {
			continue
		}
		if day, ok := ParseDateFolder(e.Name()); ok {
			days = append(days, day)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days, nil
}

// KeyBytes renders the natural-key columns of evt as one string. Fields are
// length-prefixed so ("ab","c") and ("a","bc") never collide by concatenation.
func KeyBytes(evt record.Event, columns []string) string {
	var b strings.Builder
	var lenBuf [8]byte
	for _, col := range columns {
		v := evt.Field(col)
		n := len(v)
		for i := range lenBuf {
			lenBuf[i] = byte(n >> (8 * i))
		}
		b.Write(lenBuf[:])
		b.WriteString(v)
	}
	return b.String()
}

// Key hashes the natural-key columns of evt.
func Key(evt record.Event, columns []string) uint64 {
	return xxhash.Sum64String(KeyBytes(evt, columns))
}

// KeySet tracks natural keys seen in a partition. Lookups go through the hash and
// are confirmed against the full key, so a hash collision never drops a distinct row.
type KeySet struct {
	columns []string
	buckets map[uint64][]string
}

// NewKeySet returns an empty set over the given natural-key columns.
func NewKeySet(columns []string, sizeHint int) *KeySet {
	return &KeySet{columns: columns, buckets: make(map[uint64][]string, sizeHint)}
}

// Add records evt's key and reports whether it was new.
func (s *KeySet) Add(evt record.Event) bool {
	k := KeyBytes(evt, s.columns)
	return s.addHashed(xxhash.Sum64String(k), k)
}

// addHashed is Add with a caller-supplied hash.
func (s *KeySet) addHashed(h uint64, k string) bool {
	for _, existing := range s.buckets[h] {
		if existing == k {
			return false
		}
	}
	s.buckets[h] = append(s.buckets[h], k)
	return true
}
