package agent

import (
	"context"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"golang.org/x/sync/errgroup"

	"github.com/snapfeed/snapfeed/server/camera"
	"github.com/snapfeed/snapfeed/server/config"
	"github.com/snapfeed/snapfeed/server/pipeline"
	"github.com/snapfeed/snapfeed/server/uploader"
)

// How long we wait before restarting a pipeline that crashed
const pipelineRestartPause = 5 * time.Second

// Agent owns one pipeline per configured camera, and the optional local
// status API. Pipelines are independent: a camera that is unreachable, or
// whose credential the server has rejected, has no effect on the others.
type Agent struct {
	Log logs.Log

	cfg          *config.Config
	client       *http.Client
	restartPause time.Duration

	// The slot for a crashed pipeline is repopulated with a fresh one, so
	// readers (the status API) must go through the lock.
	lock      sync.Mutex
	pipelines []*pipeline.Pipeline
}

func NewAgent(log logs.Log, cfg *config.Config) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Agent{
		Log: log,
		cfg: cfg,
		// One HTTP client, shared by all uploaders, so that connections to
		// the ingestion endpoint get pooled across cameras.
		client:       &http.Client{},
		restartPause: pipelineRestartPause,
	}
	for _, cam := range cfg.Cameras {
		a.pipelines = append(a.pipelines, a.buildPipeline(cam))
	}
	return a, nil
}

// buildPipeline assembles the session/extractor/uploader tuple of one camera.
func (a *Agent) buildPipeline(cam config.Camera) *pipeline.Pipeline {
	extractor := camera.NewFrameExtractor(a.Log)
	session := camera.NewSession(a.Log, cam, extractor, a.cfg.LivenessWindow())
	up := uploader.New(a.Log, a.client, a.cfg.UploadURL)
	return pipeline.New(a.Log, cam.Name, cam.Token, cam.SnapshotInterval(a.cfg), session, extractor, up)
}

// Run blocks until ctx is cancelled, then shuts all pipelines down and waits
// for them to drain.
func (a *Agent) Run(ctx context.Context) error {
	a.Log.Infof("Starting %v camera pipeline(s)", len(a.pipelines))
	group, ctx := errgroup.WithContext(ctx)
	for i := range a.pipelines {
		i := i
		group.Go(func() error {
			a.runPipeline(ctx, i)
			return nil
		})
	}
	if a.cfg.StatusAddr != "" {
		group.Go(func() error {
			// The status API is best-effort diagnostics. If it can't listen,
			// or dies later, the cameras must carry on regardless.
			if err := a.runAPI(ctx); err != nil {
				a.Log.Errorf("Status API failed: %v", err)
			}
			return nil
		})
	}
	err := group.Wait()
	a.Log.Infof("All pipelines stopped")
	return err
}

// runPipeline keeps the pipeline in slot 'index' alive until ctx is done.
// A panic inside one pipeline is logged and the pipeline rebuilt, without
// disturbing the other cameras.
func (a *Agent) runPipeline(ctx context.Context, index int) {
	for {
		crashed := a.runPipelineOnce(ctx, a.pipelineAt(index))
		if !crashed || ctx.Err() != nil {
			return
		}
		select {
		case <-time.After(a.restartPause):
		case <-ctx.Done():
			return
		}
		// The crashed pipeline's session and extractor can be in any state
		// (eg the session may have been stopped mid-unwind), so we rebuild
		// the whole tuple from config rather than reusing it.
		a.lock.Lock()
		a.pipelines[index] = a.buildPipeline(a.cfg.Cameras[index])
		a.lock.Unlock()
	}
}

func (a *Agent) runPipelineOnce(ctx context.Context, p *pipeline.Pipeline) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			a.Log.Errorf("Pipeline %v crashed: %v\n%v", p.Name(), r, string(debug.Stack()))
			crashed = true
		}
	}()
	p.Run(ctx)
	return false
}

func (a *Agent) pipelineAt(index int) *pipeline.Pipeline {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.pipelines[index]
}

func (a *Agent) snapshotPipelines() []*pipeline.Pipeline {
	a.lock.Lock()
	defer a.lock.Unlock()
	out := make([]*pipeline.Pipeline, len(a.pipelines))
	copy(out, a.pipelines)
	return out
}
