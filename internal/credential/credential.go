// Package credential loads the bearer token from a file and follows
// changes to it, so a rotated token reaches the live connection without a
// restart.
package credential

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// maxTokenFileBytes caps how much of the token file is read. Bearer
	// tokens are a few hundred bytes.
	maxTokenFileBytes = 16 * 1024

	// defaultDebounce coalesces the burst of events editors and atomic
	// renames produce for one logical write.
	defaultDebounce = 250 * time.Millisecond
)

// ErrEmptyToken is returned when the token file holds no token.
var ErrEmptyToken = errors.New("token file is empty")

// ReadToken returns the trimmed contents of the token file.
func ReadToken(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening token file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxTokenFileBytes))
	if err != nil {
		return "", fmt.Errorf("reading token file: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("%s: %w", path, ErrEmptyToken)
	}

	return token, nil
}

// Watcher reports token file changes. onChange runs on the watcher
// goroutine with each new, non-empty token that differs from the last one
// seen.
type Watcher struct {
	path     string
	logger   *slog.Logger
	onChange func(token string)
	debounce time.Duration

	last string
}

// NewWatcher creates a watcher for path. initial is the token already in
// use; rewriting the file with the same token does not fire onChange.
func NewWatcher(path, initial string, onChange func(token string), logger *slog.Logger) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		logger:   logger,
		onChange: onChange,
		debounce: defaultDebounce,
		last:     initial,
	}
}

// Watch blocks until ctx is cancelled. The parent directory is watched
// rather than the file so that atomic replacement (write temp, rename)
// keeps being observed.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching token directory: %w", err)
	}

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)

	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Clean(event.Name) != w.path {
				continue
			}

			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}

			fire = timer.C

		case <-fire:
			fire = nil
			w.reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			// Non-fatal; the next event retries the read.
			w.logger.Warn("token watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload() {
	token, err := ReadToken(w.path)
	if err != nil {
		// A half-written file reads empty; the completing write fires again.
		w.logger.Debug("token file not readable", slog.String("error", err.Error()))
		return
	}

	if token == w.last {
		return
	}

	w.last = token
	w.logger.Info("token file changed", slog.String("path", w.path))
	w.onChange(token)
}
