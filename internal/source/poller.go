package source

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/goruck/alexa-ip-cam/config"
	"github.com/goruck/alexa-ip-cam/internal/recordings"
	"github.com/goruck/alexa-ip-cam/pkg/database"
)

// IndexPoller reads a camera's sqlite recording index on demand. The index
// file is opened per poll: the camera owns it and may rotate it underneath a
// long-lived handle.
type IndexPoller struct {
	cam    config.Camera
	layout recordings.Layout
	window int
	logger *zap.Logger
	mark   mark

	openIndex func(ctx context.Context, path string) (*sql.DB, error)
}

// NewIndexPoller creates a poller for one camera. window bounds how many of
// the most recent index rows each poll considers.
func NewIndexPoller(cam config.Camera, layout recordings.Layout, window int, logger *zap.Logger) *IndexPoller {
	if window <= 0 {
		window = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IndexPoller{
		cam:       cam,
		layout:    layout,
		window:    window,
		logger:    logger,
		openIndex: database.OpenIndex,
	}
}

// Camera returns the camera this poller watches.
func (p *IndexPoller) Camera() config.Camera {
	return p.cam
}

// Advance commits the high-water mark for this camera.
func (p *IndexPoller) Advance(id int64) {
	p.mark.advance(id)
}

// Mark returns the committed high-water mark.
func (p *IndexPoller) Mark() int64 {
	return p.mark.get()
}

// Poll queries the index for the most recent recordings and returns the
// completed ones above the high-water mark.
func (p *IndexPoller) Poll(ctx context.Context) ([]recordings.Recording, error) {
	db, err := p.openIndex(ctx, p.layout.IndexDB(p.cam))
	if err != nil {
		return nil, fmt.Errorf("open index for %s: %w", p.cam.ManufacturerID, err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, indexQuery, p.window)
	if err != nil {
		return nil, fmt.Errorf("query index for %s: %w", p.cam.ManufacturerID, err)
	}
	defer rows.Close()

	watermark := p.mark.get()
	var out []recordings.Recording
	for rows.Next() {
		rec, err := scanRecording(rows, p.cam)
		if err != nil {
			return nil, fmt.Errorf("scan index row for %s: %w", p.cam.ManufacturerID, err)
		}
		if rec.ID <= watermark {
			continue
		}
		if !rec.Complete() {
			p.logger.Debug("recording in progress",
				zap.String("camera", p.cam.FriendlyName),
				zap.Int64("recording_id", rec.ID),
			)
			continue
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read index rows for %s: %w", p.cam.ManufacturerID, err)
	}
	return out, nil
}

// scanRecording maps one index row. NULL stop time (recording in progress)
// becomes an empty string.
func scanRecording(rows *sql.Rows, cam config.Camera) (recordings.Recording, error) {
	var rec recordings.Recording
	var start, stop sql.NullString
	if err := rows.Scan(&rec.ID, &rec.FileName, &rec.Path, &rec.BlockFileName, &rec.BlockPath, &start, &stop); err != nil {
		return recordings.Recording{}, err
	}
	rec.StartTime = start.String
	rec.StopTime = stop.String
	rec.Camera = cam
	return rec, nil
}
