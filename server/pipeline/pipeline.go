package pipeline

// Package pipeline ties one camera's session, frame extractor and uploader
// together, and drives the snapshot cadence. One pipeline runs per configured
// camera; pipelines never share mutable state.

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"

	"github.com/snapfeed/snapfeed/server/camera"
	"github.com/snapfeed/snapfeed/server/uploader"
)

// FrameSource yields the most recently decoded frame of a camera, or nil.
// Implemented by camera.FrameExtractor.
type FrameSource interface {
	Latest() *camera.Frame
}

// StreamSession is the connection maintenance loop of one camera.
// Implemented by camera.Session.
type StreamSession interface {
	Start()
	Stop()
	State() camera.SessionState
}

// SnapshotUploader delivers one snapshot to the ingestion endpoint.
// Implemented by uploader.Uploader.
type SnapshotUploader interface {
	Upload(ctx context.Context, token string, jpeg []byte) (uploader.Outcome, error)
}

// Status is a point-in-time summary of a pipeline, for the status API.
type Status struct {
	Camera           string  `json:"camera"`
	State            string  `json:"state"`
	Degraded         bool    `json:"degraded"`
	FrameSeq         int64   `json:"frameSeq"`
	FrameAgeSeconds  float64 `json:"frameAgeSeconds"`
	UploadsAttempted int64   `json:"uploadsAttempted"`
	UploadsSucceeded int64   `json:"uploadsSucceeded"`
	UploadsFailed    int64   `json:"uploadsFailed"`
}

// Pipeline drives the capture-and-upload cycle for one camera.
// A ticker fires every interval; on each tick we read the latest decoded
// frame and upload it, unless the previous upload is still in flight (the
// tick is skipped, never queued) or the pipeline has been degraded by a
// server rejection.
type Pipeline struct {
	log      logs.Log
	name     string
	token    string
	interval time.Duration
	session  StreamSession
	frames   FrameSource
	uploader SnapshotUploader

	degraded  atomic.Bool
	inFlight  atomic.Bool
	attempted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64

	uploads sync.WaitGroup
}

func New(log logs.Log, name, token string, interval time.Duration, session StreamSession, frames FrameSource, up SnapshotUploader) *Pipeline {
	return &Pipeline{
		log:      logs.NewPrefixLogger(log, "Pipeline "+name+":"),
		name:     name,
		token:    token,
		interval: interval,
		session:  session,
		frames:   frames,
		uploader: up,
	}
}

func (p *Pipeline) Name() string {
	return p.name
}

// Run starts the camera session and ticks until ctx is cancelled.
// On cancellation it stops the session and waits for any in-flight upload
// to finish aborting before returning.
func (p *Pipeline) Run(ctx context.Context) {
	p.session.Start()
	defer p.session.Stop()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.tick(ctx)
		case <-ctx.Done():
			p.uploads.Wait()
			return
		}
	}
}

func (p *Pipeline) tick(ctx context.Context) {
	if p.degraded.Load() {
		return
	}
	frame := p.frames.Latest()
	if frame == nil {
		// Session hasn't streamed yet, or hasn't decoded a frame since
		// reconnecting. Not an error.
		p.log.Debugf("No snapshot available, skipping tick")
		return
	}
	if !p.inFlight.CompareAndSwap(false, true) {
		p.log.Infof("Previous upload still in flight, skipping tick")
		return
	}
	p.uploads.Add(1)
	go func() {
		defer p.uploads.Done()
		defer p.inFlight.Store(false)
		defer func() {
			if r := recover(); r != nil {
				p.failed.Add(1)
				p.log.Errorf("Panic during upload: %v\n%v", r, string(debug.Stack()))
			}
		}()
		p.upload(ctx, frame)
	}()
}

func (p *Pipeline) upload(ctx context.Context, frame *camera.Frame) {
	jpeg, err := frame.JPEG()
	if err != nil {
		p.log.Errorf("Failed to compress snapshot: %v", err)
		return
	}
	p.attempted.Add(1)
	outcome, err := p.uploader.Upload(ctx, p.token, jpeg)
	switch outcome {
	case uploader.Success:
		p.succeeded.Add(1)
		p.log.Debugf("Uploaded frame %v (%v bytes)", frame.Seq, len(jpeg))
	case uploader.RejectedByServer:
		p.failed.Add(1)
		p.degraded.Store(true)
		p.log.Errorf("Upload rejected by server: %v. No further uploads until the configuration is fixed", err)
	default:
		p.failed.Add(1)
		p.log.Warnf("Upload failed: %v", err)
	}
}

// Degraded reports whether the server has rejected this camera's credential
// or payload, which halts further uploads.
func (p *Pipeline) Degraded() bool {
	return p.degraded.Load()
}

// LatestJPEG compresses the most recent frame, for the status API.
// Returns (nil, nil) if no frame has been decoded yet.
func (p *Pipeline) LatestJPEG() ([]byte, error) {
	frame := p.frames.Latest()
	if frame == nil {
		return nil, nil
	}
	return frame.JPEG()
}

// Status returns a snapshot of the pipeline's counters and state.
func (p *Pipeline) Status() Status {
	s := Status{
		Camera:           p.name,
		State:            p.session.State().String(),
		Degraded:         p.degraded.Load(),
		UploadsAttempted: p.attempted.Load(),
		UploadsSucceeded: p.succeeded.Load(),
		UploadsFailed:    p.failed.Load(),
	}
	if frame := p.frames.Latest(); frame != nil {
		s.FrameSeq = frame.Seq
		s.FrameAgeSeconds = time.Since(frame.CapturedAt).Seconds()
	}
	return s
}
