package partition

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aevon-lab/tally/internal/core/record"
)

func TestPath_Deterministic(t *testing.T) {
	day := time.Date(2025, 1, 2, 15, 4, 5, 0, time.UTC)
	got := Path("/lake", "page_count", day)
	want := filepath.Join("/lake", "page_count", "dt=2025-01-02.parquet")
	if got != want {
		t.Fatalf("Path = %q, want %q", got, want)
	}
	// Same (source, day) always maps to the same file, regardless of time of day.
	if again := Path("/lake", "page_count", day.Add(-15*time.Hour)); again != got {
		t.Fatalf("Path drifted within a day: %q vs %q", again, got)
	}
}

func TestParseDateFolder(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"dt=2025-01-02", "2025-01-02", true},
		{"dt=2025-01-02.parquet", "2025-01-02", true},
		{"2025-01-02", "", false},
		{"dt=tomorrow", "", false},
		{"dt=", "", false},
	}
	for _, tc := range tests {
		day, ok := ParseDateFolder(tc.in)
		if ok != tc.ok {
			t.Errorf("ParseDateFolder(%q) ok = %v, want %v", tc.in, ok, tc.ok)
			continue
		}
		if ok && record.FormatDay(day) != tc.want {
			t.Errorf("ParseDateFolder(%q) = %s, want %s", tc.in, record.FormatDay(day), tc.want)
		}
	}
}

func TestList(t *testing.T) {
	lake := t.TempDir()
	dir := filepath.Join(lake, "page_count")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"dt=2025-01-02.parquet", "dt=2025-01-01.parquet", ".dt=2025-01-03.parquet.tmp", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	days, err := List(lake, "page_count")
	if err != nil {
		t.Fatal(err)
	}
	if len(days) != 2 || record.FormatDay(days[0]) != "2025-01-01" || record.FormatDay(days[1]) != "2025-01-02" {
		t.Fatalf("List = %v", days)
	}

	none, err := List(lake, "missing")
	if err != nil || len(none) != 0 {
		t.Fatalf("List(missing) = %v, %v", none, err)
	}
}

func TestKey_Determinism(t *testing.T) {
	cols := []string{record.ColTimestamp, record.ColIP, record.ColQuery}
	evt := record.Event{TS: 1735732800000000, IP: "1.1.1.1", Query: "hello"}

	k := Key(evt, cols)
	for i := 0; i < 100; i++ {
		if got := Key(evt, cols); got != k {
			t.Fatalf("Key changed on iteration %d", i)
		}
	}

	// Fields outside the key do not matter.
	other := evt
	other.URL = "/elsewhere"
	if Key(other, cols) != k {
		t.Fatal("non-key column changed the key")
	}
}

func TestKey_NoConcatenationCollision(t *testing.T) {
	cols := []string{record.ColIP, record.ColQuery}
	a := record.Event{IP: "ab", Query: "c"}
	b := record.Event{IP: "a", Query: "bc"}
	if Key(a, cols) == Key(b, cols) {
		t.Fatal("length prefix missing: concatenated fields collided")
	}
}

func TestKeySet_CollidingHashesKeepDistinctRows(t *testing.T) {
	set := NewKeySet([]string{record.ColIP}, 0)
	if !set.addHashed(42, "a") {
		t.Fatal("first key reported as duplicate")
	}
	if !set.addHashed(42, "b") {
		t.Fatal("distinct key with the same hash was treated as a duplicate")
	}
	if set.addHashed(42, "a") {
		t.Fatal("repeated key was admitted twice")
	}
}

func TestKeySet_Add(t *testing.T) {
	cols := []string{record.ColIP, record.ColQuery}
	set := NewKeySet(cols, 2)
	if !set.Add(record.Event{IP: "ab", Query: "c"}) {
		t.Fatal("first row reported as duplicate")
	}
	if !set.Add(record.Event{IP: "a", Query: "bc"}) {
		t.Fatal("concatenation-equal row reported as duplicate")
	}
	if set.Add(record.Event{IP: "ab", Query: "c", URL: "/other"}) {
		t.Fatal("row with the same key columns was admitted twice")
	}
}
