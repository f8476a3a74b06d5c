// Package filewallet provides a wallet.Store backed by a single JSON file.
//
// The file may be administered out-of-band (identities removed or rotated by
// external tooling); the store watches it with fsnotify and reloads on
// change, so a running process observes external administration without a
// restart.
package filewallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/teaspoon-world/tmcp-go/wallet"
)

// Store implements wallet.Store over a JSON file of identities.
type Store struct {
	path    string
	log     *slog.Logger
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	byAlias map[string]*wallet.Identity
	byDID   map[string]*wallet.Identity

	closeOnce sync.Once
	done      chan struct{}
}

var _ wallet.Store = (*Store)(nil)

// Option configures the file store.
type Option func(*Store)

// WithLogger sets the logger used for watch/reload diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New opens (or creates) the wallet file at path and starts watching it for
// external changes.
func New(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:    path,
		log:     slog.Default(),
		byAlias: make(map[string]*wallet.Identity),
		byDID:   make(map[string]*wallet.Identity),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load wallet file %q: %w", path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create wallet watcher: %w", err)
	}
	// Watch the containing directory: editors and admin tools typically
	// replace the file rather than write it in place.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch wallet dir: %w", err)
	}
	s.watcher = w
	go s.watch()

	return s, nil
}

func (s *Store) watch() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := s.load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				s.log.Warn("wallet.reload.fail", slog.String("err", err.Error()))
				continue
			}
			s.log.Debug("wallet.reload.ok", slog.String("path", s.path))
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("wallet.watch.err", slog.String("err", err.Error()))
		}
	}
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.mu.Lock()
			s.byAlias = make(map[string]*wallet.Identity)
			s.byDID = make(map[string]*wallet.Identity)
			s.mu.Unlock()
		}
		return err
	}
	var ids []*wallet.Identity
	if err := json.Unmarshal(b, &ids); err != nil {
		return fmt.Errorf("parse wallet file: %w", err)
	}
	byAlias := make(map[string]*wallet.Identity, len(ids))
	byDID := make(map[string]*wallet.Identity, len(ids))
	for _, id := range ids {
		byAlias[id.Alias] = id
		byDID[id.DID] = id
	}
	s.mu.Lock()
	s.byAlias = byAlias
	s.byDID = byDID
	s.mu.Unlock()
	return nil
}

func (s *Store) flushLocked() error {
	ids := make([]*wallet.Identity, 0, len(s.byAlias))
	for _, id := range s.byAlias {
		ids = append(ids, id)
	}
	b, err := json.MarshalIndent(ids, "", "  ")
	if err != nil {
		return fmt.Errorf("encode wallet: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write wallet: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace wallet: %w", err)
	}
	return nil
}

func (s *Store) ResolveAlias(ctx context.Context, alias string) (*wallet.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byAlias[alias]
	if !ok {
		return nil, wallet.ErrAliasNotFound
	}
	cp := *id
	return &cp, nil
}

func (s *Store) Get(ctx context.Context, did string) (*wallet.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byDID[did]
	if !ok {
		return nil, wallet.ErrNotFound
	}
	cp := *id
	return &cp, nil
}

func (s *Store) Put(ctx context.Context, id *wallet.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *id
	if prior, ok := s.byAlias[cp.Alias]; ok {
		delete(s.byDID, prior.DID)
	}
	s.byAlias[cp.Alias] = &cp
	s.byDID[cp.DID] = &cp
	return s.flushLocked()
}

func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.watcher != nil {
			err = s.watcher.Close()
		}
	})
	return err
}
