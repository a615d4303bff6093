package csvfile

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FileWatcher monitors the policy CSV file and re-applies it on change
type FileWatcher struct {
	watcher         *fsnotify.Watcher
	filePath        string
	loader          *Loader
	logger          *zap.Logger
	debounceTimeout time.Duration
	debounceTimer   *time.Timer
	stopChan        chan struct{}
	mu              sync.Mutex
	isWatching      bool
}

// NewFileWatcher creates a watcher over the policy CSV file
func NewFileWatcher(path string, loader *Loader, logger *zap.Logger) (*FileWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &FileWatcher{
		watcher:         watcher,
		filePath:        path,
		loader:          loader,
		logger:          logger,
		debounceTimeout: 500 * time.Millisecond,
		stopChan:        make(chan struct{}),
	}, nil
}

// Watch starts watching the policy file for changes. Editors typically
// replace the file rather than write in place, so the parent directory is
// watched and events are filtered by name.
func (fw *FileWatcher) Watch(ctx context.Context) error {
	fw.mu.Lock()
	if fw.isWatching {
		fw.mu.Unlock()
		return fmt.Errorf("watcher is already running")
	}
	fw.isWatching = true
	fw.mu.Unlock()

	if err := fw.watcher.Add(filepath.Dir(fw.filePath)); err != nil {
		fw.mu.Lock()
		fw.isWatching = false
		fw.mu.Unlock()
		return fmt.Errorf("failed to add path to watcher: %w", err)
	}

	fw.logger.Info("Starting policy file watcher",
		zap.String("file", fw.filePath),
		zap.Duration("debounce", fw.debounceTimeout),
	)

	go fw.watchLoop(ctx)
	return nil
}

// Stop stops the watcher
func (fw *FileWatcher) Stop() error {
	close(fw.stopChan)
	return fw.watcher.Close()
}

// watchLoop processes file system events with debouncing
func (fw *FileWatcher) watchLoop(ctx context.Context) {
	defer func() {
		fw.mu.Lock()
		fw.isWatching = false
		fw.mu.Unlock()
		fw.logger.Info("Policy file watcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.stopChan:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if fw.shouldProcessEvent(event) {
				fw.handleEvent(ctx, event)
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Error("Watcher error", zap.Error(err))
		}
	}
}

// shouldProcessEvent filters events down to writes of the policy file
func (fw *FileWatcher) shouldProcessEvent(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != filepath.Clean(fw.filePath) {
		return false
	}
	return event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Rename)
}

// handleEvent debounces a burst of file events into one reload
func (fw *FileWatcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	fw.logger.Debug("Policy file change detected",
		zap.String("file", event.Name),
		zap.String("op", event.Op.String()),
	)

	if fw.debounceTimer != nil {
		fw.debounceTimer.Stop()
	}
	fw.debounceTimer = time.AfterFunc(fw.debounceTimeout, func() {
		fw.performReload(ctx)
	})
}

// performReload re-applies the policy file through the loader
func (fw *FileWatcher) performReload(ctx context.Context) {
	fw.logger.Info("Reloading policy file", zap.String("file", fw.filePath))
	if err := fw.loader.LoadFile(ctx, fw.filePath); err != nil {
		fw.logger.Error("Failed to reload policy file",
			zap.String("file", fw.filePath),
			zap.Error(err),
		)
	}
}
