// Package pipeline drives one processing sequence per discovered recording:
// dedup-check, transcode, playback URI, token, publish, record-as-done. Each
// recording runs independently, so one slow conversion never delays another
// camera's clips.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/goruck/alexa-ip-cam/internal/gateway"
	"github.com/goruck/alexa-ip-cam/internal/playback"
	"github.com/goruck/alexa-ip-cam/internal/recordings"
	"github.com/goruck/alexa-ip-cam/internal/source"
	"github.com/goruck/alexa-ip-cam/internal/transcode"
	"github.com/goruck/alexa-ip-cam/pkg/metrics"
)

// Deduplicator persists which recordings have already been published.
type Deduplicator interface {
	Exists(ctx context.Context, key string) (bool, error)
	Record(ctx context.Context, key string, rec recordings.Recording) error
}

// Transcoder converts one recording into its distributable container.
type Transcoder interface {
	Convert(ctx context.Context, src, dst string) error
}

// TokenSource hands out a valid gateway access token.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Publisher delivers one event to the gateway.
type Publisher interface {
	Publish(ctx context.Context, accessToken string, ev gateway.Event) error
}

// Deps are the collaborators one orchestrator composes.
type Deps struct {
	Dedup      Deduplicator
	Transcoder Transcoder
	Tokens     TokenSource
	Playback   playback.Provider
	Publisher  Publisher
	Metrics    *metrics.Metrics
}

// Orchestrator polls every camera's source on a fixed interval and spawns an
// independent pipeline instance per discovered recording.
type Orchestrator struct {
	sources  []source.Source
	layout   recordings.Layout
	deps     Deps
	interval time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

// New creates an orchestrator over per-camera sources.
func New(sources []source.Source, layout recordings.Layout, deps Deps, interval time.Duration, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	return &Orchestrator{
		sources:  sources,
		layout:   layout,
		deps:     deps,
		interval: interval,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Run polls each camera independently until ctx is done, then waits for
// in-flight recordings to finish.
func (o *Orchestrator) Run(ctx context.Context) {
	var loops sync.WaitGroup
	for _, src := range o.sources {
		loops.Add(1)
		go func(src source.Source) {
			defer loops.Done()
			o.pollLoop(ctx, src)
		}(src)
	}
	loops.Wait()
	o.wg.Wait()
}

func (o *Orchestrator) pollLoop(ctx context.Context, src source.Source) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		o.pollOnce(ctx, src)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollOnce asks one camera for new recordings and dispatches each to its own
// pipeline instance. Discovery errors mean "nothing new this cycle".
func (o *Orchestrator) pollOnce(ctx context.Context, src source.Source) {
	cam := src.Camera()
	o.logger.Debug("checking for new recordings", zap.String("camera", cam.FriendlyName))

	recs, err := src.Poll(ctx)
	if err != nil {
		o.logger.Error("discovery failed",
			zap.String("camera", cam.FriendlyName),
			zap.Error(err),
		)
		return
	}
	for _, rec := range recs {
		mediaID := recordings.MediaID(rec.Camera, rec)
		if !o.begin(mediaID) {
			continue
		}
		o.deps.Metrics.IncDiscovered()
		o.wg.Add(1)
		go func(rec recordings.Recording, mediaID string) {
			defer o.wg.Done()
			defer o.end(mediaID)
			o.process(ctx, src, rec, mediaID)
		}(rec, mediaID)
	}
}

// begin claims a recording. False means a pipeline instance for the same
// recording is still running from an earlier poll.
func (o *Orchestrator) begin(mediaID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[mediaID]; busy {
		return false
	}
	o.inflight[mediaID] = struct{}{}
	return true
}

func (o *Orchestrator) end(mediaID string) {
	o.mu.Lock()
	delete(o.inflight, mediaID)
	o.mu.Unlock()
}

// process runs the stages for one recording strictly in sequence. Any
// failure abandons the recording without a dedup record or mark advance, so
// a later discovery cycle can retry it while it is still inside the window.
func (o *Orchestrator) process(ctx context.Context, src source.Source, rec recordings.Recording, mediaID string) {
	log := o.logger.With(
		zap.String("camera", rec.Camera.FriendlyName),
		zap.Int64("recording_id", rec.ID),
		zap.String("media_id", mediaID),
	)
	key := o.layout.BaseDir(rec)

	exists, err := o.deps.Dedup.Exists(ctx, key)
	if err != nil {
		o.fail(log, "dedup-check", err)
		return
	}
	if exists {
		log.Debug("recording already uploaded")
		o.deps.Metrics.IncSkipped()
		src.Advance(rec.ID)
		return
	}

	srcPath := o.layout.SourcePath(rec)
	dstPath := o.layout.OutputPath(rec)
	// A retry after a publish failure finds the mp4 already there and the
	// mkv already deleted; converting again would fail on the missing source.
	if _, err := os.Stat(dstPath); err != nil {
		start := time.Now()
		if err := o.deps.Transcoder.Convert(ctx, srcPath, dstPath); err != nil {
			if errors.Is(err, transcode.ErrSourceNotReady) {
				log.Info("recording not ready, skipping this cycle", zap.Error(err))
				return
			}
			o.fail(log, "transcode", err)
			return
		}
		o.deps.Metrics.ObserveTranscode(time.Since(start).Seconds())

		if err := os.Remove(srcPath); err != nil {
			log.Warn("delete source file failed", zap.String("path", srcPath), zap.Error(err))
		}
	}

	uri, expires, err := o.deps.Playback.URI(ctx, mediaID, dstPath)
	if err != nil {
		o.fail(log, "playback-uri", err)
		return
	}

	accessToken, err := o.deps.Tokens.AccessToken(ctx)
	if err != nil {
		o.fail(log, "token", err)
		return
	}

	ev := gateway.NewMediaCreatedOrUpdated(accessToken, rec.Camera.EndpointID, gateway.Clip{
		MediaID:    mediaID,
		Name:       rec.Camera.FriendlyName,
		StartTime:  rec.StartTime,
		StopTime:   rec.StopTime,
		URI:        uri,
		URIExpires: expires,
	})

	if err := o.storePayload(rec, ev); err != nil {
		o.fail(log, "payload", err)
		return
	}

	if err := o.deps.Publisher.Publish(ctx, accessToken, ev); err != nil {
		o.fail(log, "publish", err)
		return
	}

	if err := o.deps.Dedup.Record(ctx, key, rec); err != nil {
		o.fail(log, "record-done", err)
		return
	}
	src.Advance(rec.ID)
	o.deps.Metrics.IncPublished()
	log.Info("recording published", zap.String("uri", uri))
}

// storePayload keeps the published payload beside the clip for diagnostics.
func (o *Orchestrator) storePayload(rec recordings.Recording, ev gateway.Event) error {
	raw, err := json.MarshalIndent(ev.Event.Payload, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(o.layout.PayloadPath(rec), raw, 0o644)
}

func (o *Orchestrator) fail(log *zap.Logger, stage string, err error) {
	o.deps.Metrics.IncFailure(stage)
	log.Error("pipeline stage failed", zap.String("stage", stage), zap.Error(err))
}
