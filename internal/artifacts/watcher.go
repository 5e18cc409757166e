package artifacts

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const debounceInterval = 500 * time.Millisecond

// UpdateCallback receives freshly loaded artifacts after a change.
type UpdateCallback func(workDir string, arts *Artifacts)

// Watcher monitors a working directory's artifact dir and reloads on
// change, debounced so a burst of CLI writes produces one reload.
type Watcher struct {
	log      *zap.Logger
	callback UpdateCallback

	mu        sync.Mutex
	workDir   string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
}

// NewWatcher creates a watcher; Watch starts it.
func NewWatcher(log *zap.Logger, callback UpdateCallback) *Watcher {
	return &Watcher{log: log, callback: callback}
}

// Watch begins monitoring workDir. The working directory itself is
// watched too, so an artifact dir created later (first build) is picked
// up without re-arming.
func (w *Watcher) Watch(workDir string) error {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := fsW.Add(workDir); err != nil {
		fsW.Close()
		return err
	}
	// Best-effort: the artifact dir may not exist yet.
	artDir := Dir(workDir)
	if err := fsW.Add(artDir); err != nil {
		w.log.Debug("artifact dir not watchable yet", zap.String("dir", artDir))
	}

	w.mu.Lock()
	// Re-watching replaces the previous target.
	if w.fsWatcher != nil {
		close(w.cancel)
		w.fsWatcher.Close()
	}
	w.workDir = workDir
	w.fsWatcher = fsW
	w.cancel = make(chan struct{})
	cancel := w.cancel
	w.mu.Unlock()

	go w.watchLoop(workDir, fsW, cancel)
	return nil
}

// Stop ends monitoring.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsWatcher != nil {
		close(w.cancel)
		w.fsWatcher.Close()
		w.fsWatcher = nil
	}
}

func (w *Watcher) watchLoop(workDir string, fsW *fsnotify.Watcher, cancel chan struct{}) {
	artDir := Dir(workDir)
	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-fsW.Events:
			if !ok {
				return
			}

			if event.Name == artDir && event.Op.Has(fsnotify.Create) {
				// First build just created the artifact dir; watch it.
				if err := fsW.Add(artDir); err != nil {
					w.log.Warn("watch artifact dir", zap.Error(err))
				}
			}

			if !strings.HasPrefix(event.Name, artDir+string(filepath.Separator)) && event.Name != artDir {
				continue
			}

			// Debounce: restart the timer on every event in the burst.
			if timer == nil {
				timer = time.NewTimer(debounceInterval)
				timerCh = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounceInterval)
			}

		case <-timerCh:
			timer = nil
			timerCh = nil
			w.reload(workDir)

		case err, ok := <-fsW.Errors:
			if !ok {
				return
			}
			w.log.Warn("artifact watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload(workDir string) {
	arts, err := Load(workDir)
	if err != nil {
		w.log.Warn("artifact reload failed", zap.Error(err))
		return
	}
	w.log.Debug("artifacts reloaded", zap.String("workDir", workDir))
	if w.callback != nil {
		w.callback(workDir, arts)
	}
}
