package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goruck/alexa-ip-cam/config"
	"github.com/goruck/alexa-ip-cam/internal/gateway"
	"github.com/goruck/alexa-ip-cam/internal/recordings"
	"github.com/goruck/alexa-ip-cam/internal/source"
	"github.com/goruck/alexa-ip-cam/internal/transcode"
)

type fakeSource struct {
	cam config.Camera

	mu       sync.Mutex
	recs     []recordings.Recording
	advanced []int64
}

func (f *fakeSource) Poll(context.Context) ([]recordings.Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordings.Recording(nil), f.recs...), nil
}

func (f *fakeSource) Advance(id int64) {
	f.mu.Lock()
	f.advanced = append(f.advanced, id)
	// Drop recordings at or below the mark, like the real sources do.
	var keep []recordings.Recording
	for _, r := range f.recs {
		if r.ID > id {
			keep = append(keep, r)
		}
	}
	f.recs = keep
	f.mu.Unlock()
}

func (f *fakeSource) Camera() config.Camera { return f.cam }

func (f *fakeSource) advances() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.advanced...)
}

type fakeDedup struct {
	mu        sync.Mutex
	keys      map[string]recordings.Recording
	existsErr error
	recordErr error
}

func newFakeDedup() *fakeDedup {
	return &fakeDedup{keys: make(map[string]recordings.Recording)}
}

func (f *fakeDedup) Exists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existsErr != nil {
		return false, f.existsErr
	}
	_, ok := f.keys[key]
	return ok, nil
}

func (f *fakeDedup) Record(_ context.Context, key string, rec recordings.Recording) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return f.recordErr
	}
	f.keys[key] = rec
	return nil
}

func (f *fakeDedup) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys)
}

// fakeTranscoder simulates ffmpeg: writes the output file on success, or
// reports the not-ready diagnostic.
type fakeTranscoder struct {
	mu       sync.Mutex
	calls    int
	failFor  string // substring of src paths that fail as not-ready
	failWait time.Duration
}

func (f *fakeTranscoder) Convert(_ context.Context, src, dst string) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.failFor != "" && strings.Contains(src, f.failFor) {
		time.Sleep(f.failWait)
		return fmt.Errorf("%w: moov atom not found", transcode.ErrSourceNotReady)
	}
	return os.WriteFile(dst, []byte("mp4"), 0o644)
}

func (f *fakeTranscoder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTokens struct{ err error }

func (f *fakeTokens) AccessToken(context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "tok-1", nil
}

type fakePlayback struct{}

func (fakePlayback) URI(_ context.Context, _, clipPath string) (string, time.Time, error) {
	return "https://cam.example.com" + clipPath, time.Date(2024, 6, 1, 1, 12, 33, 0, time.UTC), nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []gateway.Event
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, _ string, ev gateway.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakePublisher) published() []gateway.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.Event(nil), f.events...)
}

// makeRecording lays a source file on disk and returns the recording row.
func makeRecording(t *testing.T, layout recordings.Layout, cam config.Camera, id int64) recordings.Recording {
	t.Helper()
	rec := recordings.Recording{
		ID:            id,
		FileName:      fmt.Sprintf("rec%d", id),
		Path:          "2024/06/01",
		BlockFileName: fmt.Sprintf("blk%d", id),
		BlockPath:     fmt.Sprintf("b%d", id),
		StartTime:     "2024-06-01 01:02:03.123",
		StopTime:      "2024-06-01 01:02:33.456",
		Camera:        cam,
	}
	if err := os.MkdirAll(layout.BaseDir(rec), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(layout.SourcePath(rec), []byte("mkv"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return rec
}

func newTestOrchestrator(t *testing.T, srcs []*fakeSource, deps Deps) (*Orchestrator, recordings.Layout) {
	t.Helper()
	layout := recordings.Layout{BasePath: t.TempDir()}
	if deps.Transcoder == nil {
		deps.Transcoder = &fakeTranscoder{}
	}
	if deps.Dedup == nil {
		deps.Dedup = newFakeDedup()
	}
	if deps.Tokens == nil {
		deps.Tokens = &fakeTokens{}
	}
	if deps.Playback == nil {
		deps.Playback = fakePlayback{}
	}
	if deps.Publisher == nil {
		deps.Publisher = &fakePublisher{}
	}
	sources := make([]source.Source, 0, len(srcs))
	for _, s := range srcs {
		sources = append(sources, s)
	}
	return New(sources, layout, deps, 10*time.Millisecond, nil), layout
}

func TestProcessPublishesAndRecords(t *testing.T) {
	cam := config.Camera{FriendlyName: "Front Porch", ManufacturerID: "AXIS-ACCC8E5E7513", EndpointID: "ep-1"}
	src := &fakeSource{cam: cam}
	dedup := newFakeDedup()
	pub := &fakePublisher{}
	o, layout := newTestOrchestrator(t, []*fakeSource{src}, Deps{Dedup: dedup, Publisher: pub})
	rec := makeRecording(t, layout, cam, 42)

	o.process(context.Background(), src, rec, recordings.MediaID(cam, rec))

	events := pub.published()
	if len(events) != 1 {
		t.Fatalf("published %d events, want 1", len(events))
	}
	m := events[0].Event.Payload.Media
	if m.Recording.StartTime != "2024-06-01 01:02:03Z" || m.Recording.EndTime != "2024-06-01 01:02:33Z" {
		t.Errorf("event times = %q / %q", m.Recording.StartTime, m.Recording.EndTime)
	}
	if events[0].Event.Endpoint.EndpointID != "ep-1" {
		t.Errorf("endpointId = %q", events[0].Event.Endpoint.EndpointID)
	}
	if dedup.count() != 1 {
		t.Fatalf("dedup records = %d, want 1", dedup.count())
	}
	if got := src.advances(); len(got) != 1 || got[0] != 42 {
		t.Fatalf("high-water mark advances = %v, want [42]", got)
	}
	if _, err := os.Stat(layout.SourcePath(rec)); !errors.Is(err, os.ErrNotExist) {
		t.Error("source file not deleted after conversion")
	}
	if _, err := os.Stat(layout.PayloadPath(rec)); err != nil {
		t.Errorf("payload artifact missing: %v", err)
	}
}

func TestProcessIdempotent(t *testing.T) {
	cam := config.Camera{FriendlyName: "Front Porch", ManufacturerID: "AXIS-1", EndpointID: "ep-1"}
	src := &fakeSource{cam: cam}
	dedup := newFakeDedup()
	pub := &fakePublisher{}
	tr := &fakeTranscoder{}
	o, layout := newTestOrchestrator(t, []*fakeSource{src}, Deps{Dedup: dedup, Publisher: pub, Transcoder: tr})
	rec := makeRecording(t, layout, cam, 7)
	id := recordings.MediaID(cam, rec)

	o.process(context.Background(), src, rec, id)
	o.process(context.Background(), src, rec, id)

	if got := len(pub.published()); got != 1 {
		t.Fatalf("published %d events, want exactly 1", got)
	}
	if dedup.count() != 1 {
		t.Fatalf("dedup records = %d, want exactly 1", dedup.count())
	}
	// The second run short-circuited before transcoding.
	if tr.callCount() != 1 {
		t.Fatalf("transcoder called %d times, want 1", tr.callCount())
	}
}

func TestProcessNotReadyKeepsSource(t *testing.T) {
	cam := config.Camera{FriendlyName: "Front Porch", ManufacturerID: "AXIS-1", EndpointID: "ep-1"}
	src := &fakeSource{cam: cam}
	pub := &fakePublisher{}
	o, layout := newTestOrchestrator(t, []*fakeSource{src}, Deps{
		Publisher:  pub,
		Transcoder: &fakeTranscoder{failFor: "blk"},
	})
	rec := makeRecording(t, layout, cam, 7)

	o.process(context.Background(), src, rec, recordings.MediaID(cam, rec))

	if _, err := os.Stat(layout.SourcePath(rec)); err != nil {
		t.Error("source file deleted although transcode reported diagnostics")
	}
	if len(pub.published()) != 0 {
		t.Error("event published although transcode failed")
	}
	if len(src.advances()) != 0 {
		t.Error("high-water mark advanced although recording was not handled")
	}
}

func TestProcessFailedPublishNotMarkedDone(t *testing.T) {
	cam := config.Camera{FriendlyName: "Front Porch", ManufacturerID: "AXIS-1", EndpointID: "ep-1"}
	src := &fakeSource{cam: cam}
	dedup := newFakeDedup()
	o, layout := newTestOrchestrator(t, []*fakeSource{src}, Deps{
		Dedup:     dedup,
		Publisher: &fakePublisher{err: &gateway.PublishError{StatusCode: 500, Body: "boom"}},
	})
	rec := makeRecording(t, layout, cam, 7)

	o.process(context.Background(), src, rec, recordings.MediaID(cam, rec))

	if dedup.count() != 0 {
		t.Fatal("dedup record written for unpublished recording")
	}
	if len(src.advances()) != 0 {
		t.Fatal("high-water mark advanced past unpublished recording")
	}
}

func TestProcessRetryReusesConvertedClip(t *testing.T) {
	cam := config.Camera{FriendlyName: "Front Porch", ManufacturerID: "AXIS-1", EndpointID: "ep-1"}
	src := &fakeSource{cam: cam}
	dedup := newFakeDedup()
	pub := &fakePublisher{err: &gateway.PublishError{StatusCode: 503, Body: "busy"}}
	tr := &fakeTranscoder{}
	o, layout := newTestOrchestrator(t, []*fakeSource{src}, Deps{Dedup: dedup, Publisher: pub, Transcoder: tr})
	rec := makeRecording(t, layout, cam, 7)
	id := recordings.MediaID(cam, rec)

	// First attempt converts, deletes the source, then fails to publish.
	o.process(context.Background(), src, rec, id)
	if _, err := os.Stat(layout.SourcePath(rec)); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("source file still present after conversion")
	}

	pub.mu.Lock()
	pub.err = nil
	pub.mu.Unlock()

	// The retry must go straight to publish from the existing mp4.
	o.process(context.Background(), src, rec, id)

	if tr.callCount() != 1 {
		t.Fatalf("transcoder called %d times, want 1", tr.callCount())
	}
	if got := len(pub.published()); got != 1 {
		t.Fatalf("published %d events, want 1", got)
	}
	if dedup.count() != 1 {
		t.Fatalf("dedup records = %d, want 1", dedup.count())
	}
	if got := src.advances(); len(got) != 1 || got[0] != 7 {
		t.Fatalf("high-water mark advances = %v, want [7]", got)
	}
}

func TestRunConcurrentIndependence(t *testing.T) {
	camA := config.Camera{FriendlyName: "A", ManufacturerID: "AXIS-A", EndpointID: "ep-a"}
	camB := config.Camera{FriendlyName: "B", ManufacturerID: "AXIS-B", EndpointID: "ep-b"}
	srcA := &fakeSource{cam: camA}
	srcB := &fakeSource{cam: camB}
	pub := &fakePublisher{}
	// Camera A's conversion hangs for a while before failing; camera B must
	// not wait for it.
	tr := &fakeTranscoder{failFor: "AXIS-A", failWait: 400 * time.Millisecond}
	o, layout := newTestOrchestrator(t, []*fakeSource{srcA, srcB}, Deps{Publisher: pub, Transcoder: tr})

	srcA.recs = []recordings.Recording{makeRecording(t, layout, camA, 1)}
	srcB.recs = []recordings.Recording{makeRecording(t, layout, camB, 2)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		events := pub.published()
		if len(events) >= 1 && events[0].Event.Endpoint.EndpointID == "ep-b" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("camera B's recording never published while camera A was stuck")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if got := srcB.advances(); len(got) == 0 || got[0] != 2 {
		t.Fatalf("camera B mark advances = %v, want [2]", got)
	}
	if len(srcA.advances()) != 0 {
		t.Fatal("camera A advanced although its transcode failed")
	}
}
