package agent

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"

	"github.com/snapfeed/snapfeed/server/camera"
	"github.com/snapfeed/snapfeed/server/config"
	"github.com/snapfeed/snapfeed/server/pipeline"
	"github.com/snapfeed/snapfeed/server/uploader"
)

func testConfig() *config.Config {
	return &config.Config{
		SnapshotIntervalSeconds: 1,
		Cameras: []config.Camera{
			{
				Name:  "porch",
				Token: "abc123",
				// Port 1 refuses connections immediately, so sessions cycle
				// through Connecting/Backoff without touching the network.
				URL: "rtsp://127.0.0.1:1/stream",
			},
		},
	}
}

func TestAgentRunStopsCleanly(t *testing.T) {
	a, err := NewAgent(logs.NewTestingLog(t), testConfig())
	require.NoError(t, err)
	require.Len(t, a.pipelines, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	start := time.Now()
	require.NoError(t, a.Run(ctx))
	require.Less(t, time.Since(start), 3*time.Second)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond())
}

type crashingSession struct{}

func (crashingSession) Start()                     { panic("session wiring failure") }
func (crashingSession) Stop()                      {}
func (crashingSession) State() camera.SessionState { return camera.StateDisconnected }

type noFrames struct{}

func (noFrames) Latest() *camera.Frame { return nil }

type discardUploader struct{}

func (discardUploader) Upload(ctx context.Context, token string, jpeg []byte) (uploader.Outcome, error) {
	return uploader.Success, nil
}

func TestCrashedPipelineIsRebuilt(t *testing.T) {
	a, err := NewAgent(logs.NewTestingLog(t), testConfig())
	require.NoError(t, err)
	a.restartPause = time.Millisecond

	broken := pipeline.New(a.Log, "porch", "abc123", time.Second, crashingSession{}, noFrames{}, discardUploader{})
	a.lock.Lock()
	a.pipelines[0] = broken
	a.lock.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		a.runPipeline(ctx, 0)
		close(done)
	}()

	// The crash is recovered, the slot is repopulated with a fresh pipeline,
	// and that pipeline's session actually connects, since the old session
	// was stopped during unwind and can never start again
	waitFor(t, 5*time.Second, func() bool { return a.pipelineAt(0) != broken })
	waitFor(t, 5*time.Second, func() bool {
		state := a.pipelineAt(0).Status().State
		return state == "Connecting" || state == "Backoff" || state == "Streaming"
	})

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runPipeline did not stop on ctx cancel")
	}
}

func TestStatusAPIListenFailureLeavesPipelinesRunning(t *testing.T) {
	// Occupy a port so the status API can't bind to it
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig()
	cfg.StatusAddr = ln.Addr().String()
	a, err := NewAgent(logs.NewTestingLog(t), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	start := time.Now()
	require.NoError(t, a.Run(ctx))
	// The pipelines kept running until ctx expired; the bind failure didn't
	// cancel the group
	require.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
}

func TestAgentRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Cameras[0].Token = ""
	_, err := NewAgent(logs.NewTestingLog(t), cfg)
	require.Error(t, err)
}

func TestStatusAPI(t *testing.T) {
	a, err := NewAgent(logs.NewTestingLog(t), testConfig())
	require.NoError(t, err)

	server := httptest.NewServer(a.setupRouter())
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	status := []pipeline.Status{}
	require.NoError(t, json.Unmarshal(body, &status))
	require.Len(t, status, 1)
	require.Equal(t, "porch", status[0].Camera)
	require.Equal(t, "Disconnected", status[0].State)
	require.False(t, status[0].Degraded)
}

func TestLatestImageAPI(t *testing.T) {
	a, err := NewAgent(logs.NewTestingLog(t), testConfig())
	require.NoError(t, err)

	server := httptest.NewServer(a.setupRouter())
	defer server.Close()

	// Unknown camera
	resp, err := http.Get(server.URL + "/api/camera/garage/latest")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Known camera, but no frame decoded yet
	resp, err = http.Get(server.URL + "/api/camera/porch/latest")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
