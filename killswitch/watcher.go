package killswitch

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/recollect/recollect/errors"
)

// Watcher hot-reloads a FileFlags when the underlying file changes.
type Watcher struct {
	flags   *FileFlags
	watcher *fsnotify.Watcher
	log     *zap.SugaredLogger

	mu            sync.Mutex
	debounceTimer *time.Timer
}

// debounce absorbs the bursts of events editors emit for a single save.
const debouncePeriod = 500 * time.Millisecond

// NewWatcher starts watching the flags file. Call Close to stop.
func NewWatcher(flags *FileFlags, log *zap.SugaredLogger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create killswitch watcher")
	}
	if err := fsw.Add(flags.path); err != nil {
		fsw.Close()
		return nil, errors.Wrapf(err, "watch killswitch file %s", flags.path)
	}

	w := &Watcher{flags: flags, watcher: fsw, log: log.Named("killswitch")}
	go w.watchLoop()
	return w, nil
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.log.Infow("Killswitch file changed", "file", event.Name, "op", event.Op.String())
			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Errorw("Killswitch watcher error", "error", err)
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(debouncePeriod, func() {
		if err := w.flags.Reload(); err != nil {
			// Previous flags stay in effect.
			w.log.Errorw("Killswitch reload failed", "error", err)
			return
		}
		w.log.Infow("Killswitches reloaded",
			"maintenance", w.flags.Maintenance(),
		)
	})
}

// Close stops watching. Pending debounced reloads may still fire.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
