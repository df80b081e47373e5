package uploader

// Package uploader delivers camera snapshots to the remote ingestion
// endpoint. Each upload is a single HTTP PUT carrying the raw JPEG bytes,
// with the camera's opaque credential in the Token and Fingerprint headers.

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cyclopcam/logs"
)

// Outcome classifies the terminal result of an upload.
type Outcome int

const (
	// Success: the server accepted the snapshot (2xx).
	Success Outcome = iota
	// TransientFailure: network error, timeout, or 5xx-class response.
	// Worth retrying on the next tick.
	TransientFailure
	// RejectedByServer: 4xx-class response (excluding rate limiting).
	// The credential or payload is bad, so retrying cannot succeed until the
	// operator fixes the configuration.
	RejectedByServer
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "Success"
	case TransientFailure:
		return "TransientFailure"
	case RejectedByServer:
		return "RejectedByServer"
	}
	return "Unknown"
}

const (
	defaultMaxAttempts    = 3
	defaultAttemptTimeout = 15 * time.Second
	defaultRetryPause     = time.Second
)

// Uploader sends snapshots to one ingestion endpoint.
// The underlying http.Client is shared across all camera pipelines; it is
// safe for concurrent use and pools connections for us.
type Uploader struct {
	log    logs.Log
	client *http.Client
	url    string

	// Retry policy for one Upload call. Transient failures are retried up to
	// MaxAttempts times with doubling pauses; rejections abort immediately.
	MaxAttempts    int
	AttemptTimeout time.Duration
	RetryPause     time.Duration
}

// New creates an Uploader targeting url. client may be shared between
// uploaders; pass nil to use http.DefaultClient.
func New(log logs.Log, client *http.Client, url string) *Uploader {
	if client == nil {
		client = http.DefaultClient
	}
	return &Uploader{
		log:            log,
		client:         client,
		url:            url,
		MaxAttempts:    defaultMaxAttempts,
		AttemptTimeout: defaultAttemptTimeout,
		RetryPause:     defaultRetryPause,
	}
}

// Upload delivers one JPEG snapshot using the camera's credential.
// Transient failures are retried with exponential pauses until the attempt
// budget is exhausted; the final outcome and the last error are returned.
// Cancelling ctx aborts the upload and any pending retry pause.
func (u *Uploader) Upload(ctx context.Context, token string, jpeg []byte) (Outcome, error) {
	pause := u.RetryPause
	var outcome Outcome
	var err error
	for attempt := 0; attempt < u.MaxAttempts; attempt++ {
		outcome, err = u.attempt(ctx, token, jpeg)
		if outcome != TransientFailure || ctx.Err() != nil {
			return outcome, err
		}
		if attempt == u.MaxAttempts-1 {
			break
		}
		u.log.Infof("Transient upload failure (attempt %v of %v): %v. Retrying in %v", attempt+1, u.MaxAttempts, err, pause)
		select {
		case <-time.After(pause):
		case <-ctx.Done():
			return TransientFailure, ctx.Err()
		}
		pause *= 2
	}
	return outcome, err
}

func (u *Uploader) attempt(ctx context.Context, token string, jpeg []byte) (Outcome, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, u.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, "PUT", u.url, bytes.NewReader(jpeg))
	if err != nil {
		return TransientFailure, err
	}
	req.Header.Set("Content-Type", "image/jpg")
	req.Header.Set("Fingerprint", token)
	req.Header.Set("Token", token)

	resp, err := u.client.Do(req)
	if err != nil {
		return TransientFailure, err
	}
	defer resp.Body.Close()

	return classify(resp.StatusCode)
}

func classify(status int) (Outcome, error) {
	switch {
	case status >= 200 && status < 300:
		return Success, nil
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return TransientFailure, errors.New(http.StatusText(status))
	case status >= 400 && status < 500:
		return RejectedByServer, errors.New(http.StatusText(status))
	default:
		return TransientFailure, errors.New(http.StatusText(status))
	}
}
