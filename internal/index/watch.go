package index

import (
	"context"
	"path/filepath"

	"github.com/apexpm/apex/internal/errs"
	"github.com/apexpm/apex/internal/logging"
	"github.com/fsnotify/fsnotify"
)

// Event is a change notification for an externally-triggered modification
// to the index file on disk (e.g. a sibling process replacing it out from
// under this one). bbolt itself only serializes writers within one open
// *bolt.DB; Watch exists for long-running callers (a daemon) that want to
// detect and react to an external swap of the underlying file.
type Event struct {
	Path string
}

// Watch starts watching the directory containing the index file and
// returns a channel of Events plus a cancel function. The channel is
// closed once cancel is called or ctx is done.
func Watch(ctx context.Context, dbPath string) (<-chan Event, func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, errs.Filesystem("start index watcher", dbPath, err)
	}

	dir := filepath.Dir(dbPath)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, nil, errs.Filesystem("watch index directory", dir, err)
	}

	out := make(chan Event, 8)

	go func() {
		defer close(out)
		defer w.Close()

		log := logging.Component(ctx, "index.watch")

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}

				if filepath.Clean(ev.Name) != filepath.Clean(dbPath) {
					continue
				}

				if ev.Op&(fsnotify.Write|fsnotify.Rename|fsnotify.Create) == 0 {
					continue
				}

				select {
				case out <- Event{Path: ev.Name}:
				case <-ctx.Done():
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}

				log.Warn().Err(err).Msg("index watcher error")
			}
		}
	}()

	cancel := func() { w.Close() }

	return out, cancel, nil
}
