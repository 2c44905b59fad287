package source

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/goruck/alexa-ip-cam/config"
	"github.com/goruck/alexa-ip-cam/internal/recordings"
	"github.com/goruck/alexa-ip-cam/pkg/database"
)

// sidecarQuery resolves the index row for the recording a sidecar belongs
// to, by the recording directory name the sidecar sits under.
const sidecarQuery = `SELECT recordings.id AS recordingId,
    recordings.filename AS recordingFileName,
    recordings.path AS recordingPath,
    blocks.filename AS blockFileName,
    blocks.path AS blockPath,
    recordings.starttime AS startTime,
    recordings.stoptime AS stopTime
    FROM recordings
    INNER JOIN blocks ON blocks.recording_id = recordings.id
    WHERE recordings.filename = ?
    ORDER BY recordingId DESC LIMIT 1`

// SidecarWatcher discovers recordings by watching for the XML sidecar files
// the camera writes when it finalizes a block, instead of polling the index
// on a timer. Poll drains what the watcher has seen since the last call, so
// downstream scheduling is identical to the polling source.
type SidecarWatcher struct {
	cam    config.Camera
	layout recordings.Layout
	logger *zap.Logger
	fsw    *fsnotify.Watcher
	mark   mark

	mu      sync.Mutex
	pending []recordings.Recording

	openIndex func(ctx context.Context, path string) (*sql.DB, error)
}

// NewSidecarWatcher creates a watcher over the camera's recording tree.
// Call Run to start consuming filesystem events.
func NewSidecarWatcher(cam config.Camera, layout recordings.Layout, logger *zap.Logger) (*SidecarWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w := &SidecarWatcher{
		cam:       cam,
		layout:    layout,
		logger:    logger,
		fsw:       fsw,
		openIndex: database.OpenIndex,
	}
	if err := w.watchTree(layout.CameraDir(cam)); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// watchTree registers root and every directory below it. fsnotify does not
// recurse on its own; newly created directories are added from Run.
func (w *SidecarWatcher) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				return fmt.Errorf("watch %s: %w", path, err)
			}
		}
		return nil
	})
}

// Run consumes filesystem events until ctx is done.
func (w *SidecarWatcher) Run(ctx context.Context) {
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) {
				continue
			}
			w.handleCreate(ctx, ev.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", zap.String("camera", w.cam.FriendlyName), zap.Error(err))
		}
	}
}

func (w *SidecarWatcher) handleCreate(ctx context.Context, path string) {
	// New block directories must be watched before their sidecars appear.
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		if err := w.watchTree(path); err != nil {
			w.logger.Error("watch new directory", zap.String("path", path), zap.Error(err))
		}
		return
	}
	if !strings.EqualFold(filepath.Ext(path), ".xml") {
		return
	}
	rec, ok, err := w.resolveSidecar(ctx, path)
	if err != nil {
		w.logger.Error("resolve sidecar",
			zap.String("camera", w.cam.FriendlyName),
			zap.String("sidecar", path),
			zap.Error(err),
		)
		return
	}
	if !ok || !rec.Complete() || rec.ID <= w.mark.get() {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range w.pending {
		if p.ID == rec.ID {
			return
		}
	}
	w.pending = append(w.pending, rec)
}

// resolveSidecar looks up the index row for the recording directory the
// sidecar lives in: <camera>/<recPath>/<recording>/<block>/<sidecar>.xml.
func (w *SidecarWatcher) resolveSidecar(ctx context.Context, sidecar string) (recordings.Recording, bool, error) {
	recordingDir := filepath.Base(filepath.Dir(filepath.Dir(sidecar)))

	db, err := w.openIndex(ctx, w.layout.IndexDB(w.cam))
	if err != nil {
		return recordings.Recording{}, false, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, sidecarQuery, recordingDir)
	if err != nil {
		return recordings.Recording{}, false, err
	}
	defer rows.Close()

	if !rows.Next() {
		return recordings.Recording{}, false, rows.Err()
	}
	rec, err := scanRecording(rows, w.cam)
	if err != nil {
		return recordings.Recording{}, false, err
	}
	return rec, true, nil
}

// Poll returns recordings the watcher has discovered that are still above
// the high-water mark. Entries stay pending until the mark passes them, so a
// recording whose processing failed is offered again next cycle.
func (w *SidecarWatcher) Poll(_ context.Context) ([]recordings.Recording, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	watermark := w.mark.get()
	var keep, out []recordings.Recording
	for _, rec := range w.pending {
		if rec.ID > watermark {
			keep = append(keep, rec)
			out = append(out, rec)
		}
	}
	w.pending = keep
	return out, nil
}

// Advance commits the high-water mark for this camera.
func (w *SidecarWatcher) Advance(id int64) {
	w.mark.advance(id)
}

// Camera returns the camera this watcher covers.
func (w *SidecarWatcher) Camera() config.Camera {
	return w.cam
}
