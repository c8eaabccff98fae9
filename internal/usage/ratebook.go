package usage

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// Pricer prices one interaction. Rates and *RateBook implement it.
type Pricer interface {
	Estimate(prompt, response, model string) Estimate
}

// RateBook holds the active pricing table and swaps it atomically, so a
// reload never changes the rate in the middle of one Estimate call.
type RateBook struct {
	cur atomic.Pointer[Rates]
}

func NewRateBook(r Rates) *RateBook {
	b := &RateBook{}
	b.Set(r)
	return b
}

func (b *RateBook) Rates() Rates {
	return *b.cur.Load()
}

func (b *RateBook) Set(r Rates) {
	if r == nil {
		r = DefaultRates()
	}
	b.cur.Store(&r)
}

func (b *RateBook) Estimate(prompt, response, model string) Estimate {
	return b.Rates().Estimate(prompt, response, model)
}

// Watch reloads the pricing file into b whenever it changes, until ctx is
// done. A file that fails to parse is logged and the previous table stays
// active. Watch returns once the watch is installed.
func (b *RateBook) Watch(ctx context.Context, path string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	target := filepath.Clean(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// editors replace the file, so watch the directory and filter by name
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch pricing file: %w", err)
	}

	go func() {
		defer watcher.Close()

		debounce := time.NewTimer(reloadDebounce)
		debounce.Stop()
		defer debounce.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				debounce.Reset(reloadDebounce)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("pricing watcher error", "error", err)

			case <-debounce.C:
				rates, err := LoadRates(target)
				if err != nil {
					logger.Error("pricing reload failed, keeping previous rates", "path", target, "error", err)
					continue
				}
				b.Set(rates)
				logger.Info("pricing reloaded", "path", target, "models", len(rates))
			}
		}
	}()
	return nil
}
