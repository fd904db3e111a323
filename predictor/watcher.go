package predictor

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"keplerai/ml"
)

// Watcher reloads the predictor when the artifact set in the model
// directory changes. Events are debounced because a retrain rewrites
// three files back to back.
type Watcher struct {
	dir       string
	predictor *Predictor
	logger    *zap.Logger
	debounce  time.Duration

	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewWatcher(dir string, p *Predictor, logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		dir:       dir,
		predictor: p,
		logger:    logger,
		debounce:  500 * time.Millisecond,
		watcher:   fsw,
		stopChan:  make(chan struct{}),
	}, nil
}

func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.run()
}

func (w *Watcher) Stop() {
	close(w.stopChan)
	w.watcher.Close()
	w.wg.Wait()
}

func (w *Watcher) run() {
	defer w.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.stopChan:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !isArtifact(event.Name) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("model watcher error", zap.Error(err))
		case <-timerC:
			timer = nil
			timerC = nil
			if err := w.predictor.Reload(w.dir); err != nil {
				w.logger.Error("model reload failed, keeping previous model", zap.Error(err))
				continue
			}
			w.logger.Info("model reloaded after artifact change", zap.String("dir", w.dir))
		}
	}
}

func isArtifact(path string) bool {
	switch filepath.Base(path) {
	case ml.ForestFile, ml.ScalerFile, ml.MetadataFile:
		return true
	}
	return false
}
