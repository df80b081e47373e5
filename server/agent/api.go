package agent

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/snapfeed/snapfeed/pkg/www"
	"github.com/snapfeed/snapfeed/server/pipeline"
)

// The status API is read-only and intended for localhost diagnostics, eg
// "curl http://127.0.0.1:8093/api/status | jq".
func (a *Agent) setupRouter() *httprouter.Router {
	router := httprouter.New()
	www.Handle(a.Log, router, "GET", "/api/status", a.httpStatus)
	www.Handle(a.Log, router, "GET", "/api/camera/:camera/latest", a.httpLatestImage)
	return router
}

func (a *Agent) runAPI(ctx context.Context) error {
	server := &http.Server{
		Addr:    a.cfg.StatusAddr,
		Handler: a.setupRouter(),
	}
	done := make(chan error, 1)
	go func() {
		done <- server.ListenAndServe()
	}()
	a.Log.Infof("Status API listening on %v", a.cfg.StatusAddr)
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	if err := <-done; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *Agent) httpStatus(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	pipelines := a.snapshotPipelines()
	status := make([]pipeline.Status, 0, len(pipelines))
	for _, p := range pipelines {
		status = append(status, p.Status())
	}
	www.SendJSON(w, status)
}

func (a *Agent) httpLatestImage(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := params.ByName("camera")
	p := a.pipelineByName(name)
	if p == nil {
		www.PanicNotFoundf("Camera '%v' not found", name)
	}
	jpg, err := p.LatestJPEG()
	if err != nil {
		www.PanicServerErrorf("Failed to compress frame: %v", err)
	}
	if jpg == nil {
		www.PanicNotFoundf("No frame received from camera '%v' yet", name)
	}
	www.CacheNever(w)
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(jpg)
}

func (a *Agent) pipelineByName(name string) *pipeline.Pipeline {
	for _, p := range a.snapshotPipelines() {
		if p.Name() == name {
			return p
		}
	}
	return nil
}
