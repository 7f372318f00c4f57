package auth

import (
	"context"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/8007342/ai-way/internal/logger"
)

// Keeper holds the currently accepted session token and reloads it when
// the token file is rotated out from under the running daemon.
type Keeper struct {
	mu    sync.RWMutex
	token Token
	path  string
}

// NewKeeper wraps an initial token tied to a file path.
func NewKeeper(token Token, path string) *Keeper {
	return &Keeper{token: token, path: path}
}

// Current returns the accepted token.
func (k *Keeper) Current() Token {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.token
}

// Validate checks a presented token against the current one.
func (k *Keeper) Validate(provided string) bool {
	return k.Current().Validate(provided)
}

func (k *Keeper) reload() {
	token, err := ReadFile(k.path)
	if err != nil {
		logger.Warn("token reload failed", "path", k.path, "error", err)
		return
	}
	k.mu.Lock()
	changed := !k.token.Equal(token)
	k.token = token
	k.mu.Unlock()
	if changed {
		logger.Info("session token rotated", "path", k.path)
	}
}

// Watch blocks until ctx is done, reloading the token whenever the file
// is rewritten or replaced.
func (k *Keeper) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(k.path); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
				k.reload()
			}
			if ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
				// Editors and rotation scripts replace the file; re-add
				// the watch and pick up the new inode if it exists.
				_ = watcher.Add(k.path)
				k.reload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("token watcher error", "error", err)
		}
	}
}
