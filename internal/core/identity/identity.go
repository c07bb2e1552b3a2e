package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	coreerrors "github.com/aevon-lab/tally/internal/core/errors"
	"github.com/aevon-lab/tally/internal/core/storage"
)

// Strategy selects how a file identity token is derived.
type Strategy string

const (
	// StrategyStat hashes path, size and modification time (seconds). A renamed copy
	// of an ingested file gets a new token and is ingested again.
	StrategyStat Strategy = "stat"

	// StrategyContent hashes the file bytes. A renamed byte-identical copy is a duplicate.
	StrategyContent Strategy = "content"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	return s == StrategyStat || s == StrategyContent
}

// Token computes the identity token of the file at path.
func Token(path string, strategy Strategy) (string, error) {
	switch strategy {
	case StrategyStat, "":
		info, err := os.Stat(path)
		if err != nil {
			return "", err
		}
		return StatToken(path, info.Size(), info.ModTime()), nil
	case StrategyContent:
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		defer f.Close()

		h := sha256.New()
		if _, err := io.Copy(h, f); err != nil {
			return "", err
		}
		return hex.EncodeToString(h.Sum(nil)), nil
	default:
		return "", fmt.Errorf("unknown identity strategy %q", strategy)
	}
}

// StatToken is the stat strategy token for already known file attributes.
func StatToken(path string, size int64, modTime time.Time) string {
	h := sha256.New()
	h.Write([]byte(path))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(size, 10)))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(modTime.Unix(), 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// Tracker answers "was this file already ingested" against the catalog.
type Tracker struct {
	catalog  storage.Catalog
	strategy Strategy
	now      func() time.Time
}

// NewTracker creates a Tracker using strategy for token computation.
func NewTracker(catalog storage.Catalog, strategy Strategy) *Tracker {
	if strategy == "" {
		strategy = StrategyStat
	}
	return &Tracker{
		catalog:  catalog,
		strategy: strategy,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Strategy returns the token strategy in use.
func (t *Tracker) Strategy() Strategy { return t.strategy }

// Check computes the token of path and reports whether it was already ingested.
// It never writes. An unreadable file returns a *errors.FileError.
func (t *Tracker) Check(ctx context.Context, source, path string) (token string, seen bool, err error) {
	token, err = Token(path, t.strategy)
	if err != nil {
		return "", false, &coreerrors.FileError{Source: source, Path: path, Err: err}
	}

	seen, err = t.catalog.IsProcessed(ctx, token)
	if err != nil {
		return "", false, fmt.Errorf("identity check %s: %w", path, err)
	}
	return token, seen, nil
}

// Register records a successful ingestion of path under token.
func (t *Tracker) Register(ctx context.Context, token, source string, day time.Time, path string, rows int64) error {
	return t.catalog.RecordProcessed(ctx, storage.ProcessedFile{
		Token:      token,
		Source:     source,
		Date:       day,
		Path:       path,
		Rows:       rows,
		IngestedAt: t.now(),
	})
}
