// Package playback produces time-limited playback URIs for converted clips,
// either from a locally served base URL or from S3 presigned links.
package playback

import (
	"context"
	"fmt"
	"time"

	"github.com/goruck/alexa-ip-cam/pkg/storage"
)

// Provider resolves a converted clip to a playback URI and its expiry.
type Provider interface {
	URI(ctx context.Context, mediaID, clipPath string) (value string, expires time.Time, err error)
}

// Local serves clips straight off the recording store through the media
// server: the URI is the clip path under a fixed base URL.
type Local struct {
	base string
	ttl  time.Duration
	now  func() time.Time
}

// NewLocal creates a local provider with the given URI base and TTL.
func NewLocal(base string, ttl time.Duration) *Local {
	return &Local{base: base, ttl: ttl, now: time.Now}
}

// URI returns base+clipPath, expiring ttl from now.
func (l *Local) URI(_ context.Context, _, clipPath string) (string, time.Time, error) {
	return l.base + clipPath, l.now().Add(l.ttl), nil
}

// S3 uploads each clip and presigns a GET with the same lifetime the event
// advertises.
type S3 struct {
	store *storage.S3
	ttl   time.Duration
	now   func() time.Time
}

// NewS3 creates an S3-backed provider.
func NewS3(store *storage.S3, ttl time.Duration) *S3 {
	return &S3{store: store, ttl: ttl, now: time.Now}
}

// URI uploads the clip keyed by its media ID and presigns it.
func (s *S3) URI(ctx context.Context, mediaID, clipPath string) (string, time.Time, error) {
	key := storage.ClipKey(mediaID)
	if err := s.store.UploadClip(ctx, key, clipPath); err != nil {
		return "", time.Time{}, fmt.Errorf("playback upload: %w", err)
	}
	value, err := s.store.PresignClip(ctx, key, s.ttl)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("playback presign: %w", err)
	}
	return value, s.now().Add(s.ttl), nil
}
