package ingestion

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aevon-lab/tally/internal/core/partition"
)

// RawFile is a discovered input file of a daily-shard source.
type RawFile struct {
	Source  string
	Day     time.Time // from the dt=YYYY-MM-DD folder
	Path    string
	Size    int64
	ModTime time.Time
}

// Discover lists the files under <rawDir>/<source>/dt=YYYY-MM-DD/ ordered by day
// then path. accept filters file names; nil keeps *.csv. Folders that do not follow
// the dt= convention are ignored. A missing source directory yields no files.
func Discover(rawDir, source string, accept func(name string) bool) ([]RawFile, error) {
	if accept == nil {
		accept = func(name string) bool { return strings.EqualFold(filepath.Ext(name), ".csv") }
	}
	root := filepath.Join(rawDir, source)
	dirs, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", root, err)
	}

	var files []RawFile
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		day, ok := partition.ParseDateFolder(d.Name())
		if !ok {
			slog.Debug("[Ingest] Ignoring folder outside the dt= convention", "source", source, "folder", d.Name())
			continue
		}

		dayDir := filepath.Join(root, d.Name())
		entries, err := os.ReadDir(dayDir)
		if err != nil {
			return nil, fmt.Errorf("discover %s: %w", dayDir, err)
		}
		for _, e := range entries {
			if e.IsDir() || !accept(e.Name()) || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			info, err := e.Info()
			if err != nil {
				return nil, fmt.Errorf("discover %s: %w", e.Name(), err)
			}
			files = append(files, RawFile{
				Source:  source,
				Day:     day,
				Path:    filepath.Join(dayDir, e.Name()),
				Size:    info.Size(),
				ModTime: info.ModTime(),
			})
		}
	}

	sort.Slice(files, func(i, j int) bool {
		if !files[i].Day.Equal(files[j].Day) {
			return files[i].Day.Before(files[j].Day)
		}
		return files[i].Path < files[j].Path
	})
	return files, nil
}
