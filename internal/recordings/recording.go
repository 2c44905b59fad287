// Package recordings models the camera's on-disk recording store: one row in
// the vendor index per finished motion clip, laid out as
// <base>/<manufacturerId>/<recordingPath>/<recordingFileName>/<blockPath>/<blockFileName>.mkv.
package recordings

import (
	"path"

	"github.com/goruck/alexa-ip-cam/config"
)

// Recording is one row from a camera's recording index joined with its block.
// StopTime is empty while the camera is still writing the clip.
type Recording struct {
	ID            int64
	FileName      string
	Path          string
	BlockFileName string
	BlockPath     string
	StartTime     string
	StopTime      string
	Camera        config.Camera
}

// Complete reports whether the camera has finished writing this recording.
func (r Recording) Complete() bool {
	return r.StopTime != ""
}

// Layout derives filesystem paths for recordings under a common base path.
type Layout struct {
	BasePath string
}

// IndexDB returns the path to a camera's recording index database.
func (l Layout) IndexDB(cam config.Camera) string {
	return path.Join(l.BasePath, cam.ManufacturerID, "index.db")
}

// CameraDir returns the root directory of a camera's recordings.
func (l Layout) CameraDir(cam config.Camera) string {
	return path.Join(l.BasePath, cam.ManufacturerID)
}

// BaseDir returns the directory holding the recording's block files. It is
// also the canonical dedup key for the recording.
func (l Layout) BaseDir(r Recording) string {
	return path.Join(l.BasePath, r.Camera.ManufacturerID, r.Path, r.FileName, r.BlockPath)
}

// SourcePath returns the camera-written container file (mkv).
func (l Layout) SourcePath(r Recording) string {
	return path.Join(l.BaseDir(r), r.BlockFileName+".mkv")
}

// OutputPath returns the distributable container file (mp4) for the recording.
func (l Layout) OutputPath(r Recording) string {
	return path.Join(l.BaseDir(r), r.BlockFileName+".mp4")
}

// PayloadPath returns where the published event payload is kept as a
// diagnostic artifact, beside the converted clip.
func (l Layout) PayloadPath(r Recording) string {
	return path.Join(l.BaseDir(r), "payload.json")
}
