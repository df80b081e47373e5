package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"

	"github.com/snapfeed/snapfeed/server/camera"
	"github.com/snapfeed/snapfeed/server/uploader"
)

type fakeSession struct {
	state  atomic.Int32
	starts atomic.Int32
	stops  atomic.Int32
}

func (f *fakeSession) Start() {
	f.starts.Add(1)
	f.state.Store(int32(camera.StateStreaming))
}

func (f *fakeSession) Stop() {
	f.stops.Add(1)
	f.state.Store(int32(camera.StateDisconnected))
}

func (f *fakeSession) State() camera.SessionState {
	return camera.SessionState(f.state.Load())
}

type fakeFrames struct {
	lock      sync.Mutex
	frame     *camera.Frame
	servedSeq int64 // Seq of the frame most recently returned by Latest
}

func (f *fakeFrames) Latest() *camera.Frame {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.frame != nil {
		f.servedSeq = f.frame.Seq
	}
	return f.frame
}

func (f *fakeFrames) set(seq int64) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.frame = &camera.Frame{
		Seq:        seq,
		CapturedAt: time.Now(),
		Image:      cimg.NewImage(8, 8, cimg.PixelFormatRGB),
	}
}

func (f *fakeFrames) served() int64 {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.servedSeq
}

type fakeUploader struct {
	delay     time.Duration
	outcome   uploader.Outcome
	err       error
	calls     atomic.Int64
	active    atomic.Int32
	maxActive atomic.Int32
}

func (f *fakeUploader) Upload(ctx context.Context, token string, jpeg []byte) (uploader.Outcome, error) {
	f.calls.Add(1)
	a := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if a <= m || f.maxActive.CompareAndSwap(m, a) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return uploader.TransientFailure, ctx.Err()
		}
	}
	return f.outcome, f.err
}

func newTestPipeline(t *testing.T, interval time.Duration, frames FrameSource, up SnapshotUploader) (*Pipeline, *fakeSession) {
	session := &fakeSession{}
	p := New(logs.NewTestingLog(t), "testcam", "tok", interval, session, frames, up)
	return p, session
}

func TestUploadCadence(t *testing.T) {
	frames := &fakeFrames{}
	frames.set(1)
	up := &fakeUploader{outcome: uploader.Success}
	p, _ := newTestPipeline(t, 50*time.Millisecond, frames, up)

	ctx, cancel := context.WithTimeout(context.Background(), 1020*time.Millisecond)
	defer cancel()
	p.Run(ctx)

	// ~20 ticks at 50ms over ~1s, with slack for scheduler noise
	calls := up.calls.Load()
	require.GreaterOrEqual(t, calls, int64(15))
	require.LessOrEqual(t, calls, int64(21))
}

func TestNoFrameIsANoop(t *testing.T) {
	frames := &fakeFrames{} // never yields a frame
	up := &fakeUploader{outcome: uploader.Success}
	p, _ := newTestPipeline(t, 10*time.Millisecond, frames, up)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	p.Run(ctx)

	require.Equal(t, int64(0), up.calls.Load())
	require.False(t, p.Degraded())
}

func TestBusyTicksAreSkippedNotQueued(t *testing.T) {
	frames := &fakeFrames{}
	frames.set(1)
	up := &fakeUploader{outcome: uploader.Success, delay: 120 * time.Millisecond}
	p, _ := newTestPipeline(t, 25*time.Millisecond, frames, up)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	p.Run(ctx)

	// Each upload spans ~5 ticks, so most ticks must be skipped
	require.LessOrEqual(t, up.calls.Load(), int64(4))
	require.Equal(t, int32(1), up.maxActive.Load())
}

func TestRejectionDegradesPipeline(t *testing.T) {
	frames := &fakeFrames{}
	frames.set(1)
	up := &fakeUploader{outcome: uploader.RejectedByServer, err: errors.New("Unauthorized")}
	p, _ := newTestPipeline(t, 10*time.Millisecond, frames, up)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	p.Run(ctx)

	// Exactly one attempt, then the pipeline goes quiet
	require.Equal(t, int64(1), up.calls.Load())
	require.True(t, p.Degraded())
}

func TestTickUploadsLatestFrameOnly(t *testing.T) {
	frames := &fakeFrames{}
	up := &fakeUploader{outcome: uploader.Success}
	p, _ := newTestPipeline(t, time.Hour, frames, up)

	// Two frames decoded between ticks: only the later one is uploaded
	frames.set(1)
	frames.set(2)
	p.tick(context.Background())
	p.uploads.Wait()

	require.Equal(t, int64(1), up.calls.Load())
	require.Equal(t, int64(2), frames.served())
}

// An uploader that panics on its first call, then behaves.
type panickyUploader struct {
	calls atomic.Int64
}

func (f *panickyUploader) Upload(ctx context.Context, token string, jpeg []byte) (uploader.Outcome, error) {
	if f.calls.Add(1) == 1 {
		panic("compressor returned garbage")
	}
	return uploader.Success, nil
}

func TestUploadPanicIsContained(t *testing.T) {
	frames := &fakeFrames{}
	frames.set(1)
	up := &panickyUploader{}
	p, session := newTestPipeline(t, time.Hour, frames, up)
	session.Start()

	// First tick panics inside the upload goroutine: the process survives,
	// the failure is counted, and the in-flight slot is released
	p.tick(context.Background())
	p.uploads.Wait()
	require.Equal(t, int64(1), p.Status().UploadsFailed)

	// The next tick uploads normally
	p.tick(context.Background())
	p.uploads.Wait()
	require.Equal(t, int64(2), up.calls.Load())
	require.Equal(t, int64(1), p.Status().UploadsSucceeded)
}

func TestRunStartsAndStopsSession(t *testing.T) {
	frames := &fakeFrames{}
	up := &fakeUploader{outcome: uploader.Success}
	p, session := newTestPipeline(t, 10*time.Millisecond, frames, up)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	p.Run(ctx)

	require.Equal(t, int32(1), session.starts.Load())
	require.Equal(t, int32(1), session.stops.Load())
}

// One camera that never produces frames must not affect another camera's cadence.
func TestUnreachableCameraDoesNotAffectOthers(t *testing.T) {
	healthyFrames := &fakeFrames{}
	healthyFrames.set(1)
	healthyUp := &fakeUploader{outcome: uploader.Success}
	healthy, _ := newTestPipeline(t, 50*time.Millisecond, healthyFrames, healthyUp)

	deadUp := &fakeUploader{outcome: uploader.Success}
	dead, _ := newTestPipeline(t, 50*time.Millisecond, &fakeFrames{}, deadUp)

	ctx, cancel := context.WithTimeout(context.Background(), 520*time.Millisecond)
	defer cancel()
	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		healthy.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		dead.Run(ctx)
	}()
	wg.Wait()

	require.Equal(t, int64(0), deadUp.calls.Load())
	require.GreaterOrEqual(t, healthyUp.calls.Load(), int64(7))
}

func TestStatus(t *testing.T) {
	frames := &fakeFrames{}
	frames.set(42)
	up := &fakeUploader{outcome: uploader.Success}
	p, session := newTestPipeline(t, time.Hour, frames, up)
	session.Start()

	p.tick(context.Background())
	p.uploads.Wait()

	s := p.Status()
	require.Equal(t, "testcam", s.Camera)
	require.Equal(t, "Streaming", s.State)
	require.False(t, s.Degraded)
	require.Equal(t, int64(42), s.FrameSeq)
	require.Equal(t, int64(1), s.UploadsAttempted)
	require.Equal(t, int64(1), s.UploadsSucceeded)
	require.Equal(t, int64(0), s.UploadsFailed)
}
