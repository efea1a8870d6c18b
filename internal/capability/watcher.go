package capability

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize policy watcher")

// PolicyWatcher reloads the issuer's policy when the policy file changes.
// The parent directory is watched so editors that replace the file by
// rename are picked up. A file that fails to parse leaves the previous
// policy in force.
type PolicyWatcher struct {
	path    string
	issuer  *Issuer
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// NewPolicyWatcher creates a watcher for path.
func NewPolicyWatcher(path string, issuer *Issuer, logger *zap.Logger) (*PolicyWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving policy path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	return &PolicyWatcher{
		path:    abs,
		issuer:  issuer,
		logger:  logger,
		watcher: w,
		stop:    make(chan struct{}),
	}, nil
}

// Start begins watching in a background goroutine.
func (w *PolicyWatcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching policy directory: %w", err)
	}
	go w.loop(ctx)
	return nil
}

// Stop ends watching.
func (w *PolicyWatcher) Stop() {
	select {
	case <-w.stop:
		return
	default:
		close(w.stop)
		_ = w.watcher.Close()
	}
}

func (w *PolicyWatcher) loop(ctx context.Context) {
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("policy watcher error", zap.Error(err))
		}
	}
}

func (w *PolicyWatcher) reload() {
	p, err := LoadPolicy(w.path)
	if err != nil {
		w.logger.Error("policy reload failed, keeping previous policy", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.issuer.SetPolicy(p)
}
