package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// LimitsWatcher monitors the configured limits file and invokes the supplied
// callback whenever definitions change. Stop must be called to release
// filesystem resources.
type LimitsWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *LimitsWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchLimits wires fsnotify around the configured limits file and rebuilds
// the bundle on any relevant change. The provided config should come from
// Loader.Load so InlineBuckets and InlineRules are already captured.
func (l *Loader) WatchLimits(ctx context.Context, cfg Config, onChange func(LimitBundle), onError func(error)) (*LimitsWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config: watch limits requires a change callback")
	}
	if cfg.Limits.File == "" {
		return nil, fmt.Errorf("config: no limits file configured for watching")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("config: watch limits: %w", err)
	}

	inlineBuckets := cloneBucketMap(cfg.InlineBuckets)
	inlineRules := cloneRuleList(cfg.InlineRules)

	bundle, err := buildLimitBundle(watchCtx, inlineBuckets, inlineRules, cfg.Limits)
	if err != nil {
		if closeErr := watcher.Close(); closeErr != nil && onError != nil {
			onError(fmt.Errorf("config: watch limits close: %w", closeErr))
		}
		cancel()
		return nil, err
	}
	onChange(bundle)

	targetFile := cfg.Limits.File
	if path, err := filepath.Abs(cfg.Limits.File); err == nil {
		targetFile = path
	} else if onError != nil {
		onError(fmt.Errorf("config: resolve limits file: %w", err))
	}
	targetFile = filepath.Clean(targetFile)
	if err := watcher.Add(filepath.Dir(targetFile)); err != nil {
		if closeErr := watcher.Close(); closeErr != nil && onError != nil {
			onError(fmt.Errorf("config: watch limits close: %w", closeErr))
		}
		cancel()
		return nil, fmt.Errorf("config: watch add %s: %w", filepath.Dir(targetFile), err)
	}

	done := make(chan struct{})
	watch := &LimitsWatcher{cancel: cancel, done: done}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("config: watch limits close: %w", err))
			}
		}()

		var reloadMu sync.Mutex
		reload := func() {
			reloadMu.Lock()
			defer reloadMu.Unlock()
			bundle, err := buildLimitBundle(watchCtx, inlineBuckets, inlineRules, cfg.Limits)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				if onError != nil {
					onError(err)
				}
				return
			}
			onChange(bundle)
		}

		const debounce = 25 * time.Millisecond
		var reloadTimer *time.Timer
		var reloadSignal <-chan time.Time
		scheduleReload := func() {
			if reloadTimer == nil {
				reloadTimer = time.NewTimer(debounce)
			} else {
				if !reloadTimer.Stop() {
					select {
					case <-reloadTimer.C:
					default:
					}
				}
				reloadTimer.Reset(debounce)
			}
			reloadSignal = reloadTimer.C
		}
		flushTimer := func() {
			if reloadTimer == nil {
				return
			}
			if !reloadTimer.Stop() {
				select {
				case <-reloadTimer.C:
				default:
				}
			}
			reloadSignal = nil
		}
		defer flushTimer()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-reloadSignal:
				flushTimer()
				reload()
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != targetFile {
					continue
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if onError != nil {
						onError(fmt.Errorf("config: limits file %s removed", targetFile))
					}
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
					scheduleReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(fmt.Errorf("config: watch error: %w", err))
				}
			}
		}
	}()

	return watch, nil
}
