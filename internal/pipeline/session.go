package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aevon-lab/tally/internal/core/errors"
	"github.com/aevon-lab/tally/internal/core/identity"
	"github.com/aevon-lab/tally/internal/core/source"
	"github.com/aevon-lab/tally/internal/core/storage"
	"github.com/aevon-lab/tally/internal/lake"
)

// StoreOpener opens the persistence backend for one session.
type StoreOpener func(ctx context.Context) (storage.Store, error)

// SessionConfig describes what a session owns.
type SessionConfig struct {
	LakeDir  string
	Registry *source.Registry
	Identity identity.Strategy
	Open     StoreOpener
	Now      func() time.Time

	// ReadOnly sessions skip the writer lock. Only validation runs read-only.
	ReadOnly bool
}

// Session owns everything a run touches: the store handle, the lake, the source
// registry, the clock and the writer lock. It only exists inside WithSession.
type Session struct {
	Store    storage.Store
	Lake     *lake.Lake
	Registry *source.Registry
	Tracker  *identity.Tracker
	Now      func() time.Time

	lock *Lock
}

// WithSession acquires a session, runs fn and releases the session on every exit path.
// Failing to take the lock or to open the store is fatal for the run.
func WithSession(ctx context.Context, cfg SessionConfig, fn func(*Session) error) (err error) {
	if cfg.Registry == nil {
		return errors.Fatalf("session: source registry is required")
	}
	if cfg.Open == nil {
		return errors.Fatalf("session: store opener is required")
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	sess := &Session{
		Lake:     lake.New(cfg.LakeDir),
		Registry: cfg.Registry,
		Now:      now,
	}

	if !cfg.ReadOnly {
		lock, lerr := AcquireLock(cfg.LakeDir)
		if lerr != nil {
			return errors.Fatal(lerr)
		}
		sess.lock = lock
		defer func() {
			if rerr := lock.Release(); rerr != nil {
				slog.Error("[Pipeline] Failed to release lock", "path", lock.Path(), "error", rerr)
				err = stderrors.Join(err, rerr)
			}
		}()
	}

	store, oerr := cfg.Open(ctx)
	if oerr != nil {
		return errors.Fatal(fmt.Errorf("open store: %w", oerr))
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			slog.Error("[Pipeline] Failed to close store", "error", cerr)
			err = stderrors.Join(err, cerr)
		}
	}()

	sess.Store = store
	sess.Tracker = identity.NewTracker(store, cfg.Identity)

	return fn(sess)
}

// Shared returns an opener that hands every session the same long-lived store.
// Sessions never close it; its owner does.
func Shared(s storage.Store) StoreOpener {
	return func(context.Context) (storage.Store, error) {
		return sharedStore{s}, nil
	}
}

type sharedStore struct {
	storage.Store
}

func (sharedStore) Close() error { return nil }
