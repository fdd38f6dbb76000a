package offline

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type applyResult struct {
	version string
	err     error
}

// WatchConfig reloads the config file whenever it changes and calls onChange
// when cache.version differs from the last version applied. It blocks until
// ctx is done.
//
// onChange runs in its own goroutine. A newer version cancels the context of
// a still running onChange. The applied version only advances when onChange
// returns nil, so rewriting the file retries a version that failed.
//
// The parent directory is watched rather than the file, since editors and
// config-map mounts replace files by rename.
func WatchConfig(ctx context.Context, path string, current string, log logrus.FieldLogger, onChange func(context.Context, Config) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "config watch")
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(err, "config watch")
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return errors.Wrapf(err, "config watch %s", filepath.Dir(abs))
	}

	var (
		pending string
		cancel  context.CancelFunc
		wg      sync.WaitGroup
	)
	results := make(chan applyResult)
	defer func() {
		if cancel != nil {
			cancel()
		}
		// drain so in-flight appliers can exit
		go func() {
			for range results {
			}
		}()
		wg.Wait()
		close(results)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case res := <-results:
			if res.version != pending {
				continue
			}
			pending = ""
			if res.err != nil {
				log.WithError(res.err).WithField("version", res.version).Warn("config version not applied, will retry on next change")
				continue
			}
			current = res.version
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("config watch error")
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			cfg, err := LoadConfig(abs)
			if err != nil {
				log.WithError(err).Warn("config reload failed, keeping current version")
				continue
			}
			v := cfg.Cache.Version
			if v == pending || (pending == "" && v == current) {
				continue
			}
			if cancel != nil {
				cancel()
			}
			log.WithFields(logrus.Fields{"from": current, "to": v}).Info("new cache version detected")

			var applyCtx context.Context
			applyCtx, cancel = context.WithCancel(ctx)
			pending = v
			wg.Add(1)
			go func(c Config) {
				defer wg.Done()
				results <- applyResult{version: c.Cache.Version, err: onChange(applyCtx, c)}
			}(cfg)
		}
	}
}
