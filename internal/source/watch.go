package source

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Catalog holds the current source list. Each run takes a snapshot, so a
// reload never changes the sources of a run in progress.
type Catalog struct {
	mu      sync.RWMutex
	path    string
	sources []Source
	log     zerolog.Logger
}

func NewCatalog(path string, log zerolog.Logger) (*Catalog, error) {
	srcs, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return &Catalog{path: path, sources: srcs, log: log}, nil
}

// NewStaticCatalog wraps an in-memory list.
func NewStaticCatalog(sources []Source) *Catalog {
	return &Catalog{sources: append([]Source(nil), sources...), log: zerolog.Nop()}
}

func (c *Catalog) Snapshot() []Source {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Source(nil), c.sources...)
}

// Reload re-reads the file. An invalid file keeps the previous catalog.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return nil
	}
	srcs, err := LoadFile(c.path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sources = srcs
	c.mu.Unlock()
	return nil
}

// Watch reloads the catalog whenever the file changes until ctx is done.
// The parent directory is watched so editors that replace the file are seen.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.path == "" {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	abs, err := filepath.Abs(c.path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := c.Reload(); err != nil {
				c.log.Warn().Err(err).Str("path", c.path).Msg("sources reload rejected, keeping previous catalog")
				continue
			}
			c.log.Info().Str("path", c.path).Int("sources", len(c.Snapshot())).Msg("sources reloaded")
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.log.Warn().Err(err).Msg("sources watcher error")
		}
	}
}
