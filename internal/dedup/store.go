// Package dedup records which recordings have already been published so each
// physical recording is reported at most once across process restarts.
package dedup

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/goruck/alexa-ip-cam/internal/recordings"
)

// keyPrefix namespaces upload records in Redis.
const keyPrefix = "uploads:"

// Store persists one record per successfully published recording, keyed by
// the recording's canonical directory.
type Store struct {
	client *redis.Client
	logger *zap.Logger
}

// NewStore creates a Redis-backed dedup store.
func NewStore(client *redis.Client, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, logger: logger}
}

// Exists reports whether a recording with this key has already been published.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, keyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("dedup exists: %w", err)
	}
	return n > 0, nil
}

// Record marks a recording as published. Called only after the event gateway
// accepted the recording's event.
func (s *Store) Record(ctx context.Context, key string, rec recordings.Recording) error {
	fields := map[string]interface{}{
		"recordingId":        strconv.FormatInt(rec.ID, 10),
		"recordingStartTime": rec.StartTime,
		"recordingStopTime":  rec.StopTime,
		"recordingPath":      key,
		"uploadTime":         time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.client.HSet(ctx, keyPrefix+key, fields).Err(); err != nil {
		return fmt.Errorf("dedup record: %w", err)
	}
	s.logger.Debug("recording marked uploaded", zap.String("key", key), zap.Int64("recording_id", rec.ID))
	return nil
}
