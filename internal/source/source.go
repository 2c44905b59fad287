// Package source discovers newly completed recordings on a camera's local
// store. The primary implementation polls the vendor's sqlite recording
// index; an alternate one reacts to the sidecar files the camera writes when
// it finalizes a block. Both present the same interface, so downstream code
// has a single path.
package source

import (
	"context"
	"sync"

	"github.com/goruck/alexa-ip-cam/config"
	"github.com/goruck/alexa-ip-cam/internal/recordings"
)

// Source enumerates newly completed recordings for one camera. Each camera
// has its own Source, so one camera's backlog never blocks another's.
type Source interface {
	// Poll returns completed recordings above the camera's committed
	// high-water mark, newest first. Recordings still being written are
	// not returned; a later poll reconsiders them.
	Poll(ctx context.Context) ([]recordings.Recording, error)
	// Advance commits the high-water mark. Called only once a recording
	// reached terminal success (published, or found already uploaded), so
	// failed recordings are re-yielded while still inside the discovery
	// window.
	Advance(id int64)
	// Camera identifies the camera this source watches.
	Camera() config.Camera
}

// mark is a monotonic per-camera high-water mark.
type mark struct {
	mu sync.Mutex
	id int64
}

func (m *mark) get() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

func (m *mark) advance(id int64) {
	m.mu.Lock()
	if id > m.id {
		m.id = id
	}
	m.mu.Unlock()
}

// indexQuery joins each recording with its block, newest first, bounded.
// The index schema is owned by the camera vendor; this is a read-only view.
const indexQuery = `SELECT recordings.id AS recordingId,
    recordings.filename AS recordingFileName,
    recordings.path AS recordingPath,
    blocks.filename AS blockFileName,
    blocks.path AS blockPath,
    recordings.starttime AS startTime,
    recordings.stoptime AS stopTime
    FROM recordings
    INNER JOIN blocks ON blocks.recording_id = recordings.id
    ORDER BY recordingId DESC LIMIT ?`
