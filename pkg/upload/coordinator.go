// Package upload uploads file sets and blocks until the server finishes
// processing them.
package upload

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/SpatialKey/skdm-sub000/pkg/logging"
	"github.com/SpatialKey/skdm-sub000/pkg/skapi"
)

// DefaultInterval is the time between two status polls.
const DefaultInterval = 10 * time.Second

const errorPrefix = "ERROR_"

// idleStatuses are the terminal statuses that do not signal an error.
var idleStatuses = map[string]struct{}{
	"UPLOAD_IDLE":             {},
	"UPLOAD_CANCELED":         {},
	"IMPORT_COMPLETE_CLEAN":   {},
	"IMPORT_COMPLETE_WARNING": {},
}

// Outcome classifies an upload status.
type Outcome int

const (
	Working Outcome = iota
	Success
	Failure
)

func (o Outcome) String() string {
	switch o {
	case Working:
		return "working"
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// IsError reports whether status is a terminal error status.
func IsError(status string) bool {
	return strings.HasPrefix(status, errorPrefix)
}

// Classify maps a status word to its Outcome. An empty status is Working.
func Classify(status string) Outcome {
	if IsError(status) {
		return Failure
	}
	if _, ok := idleStatuses[status]; ok {
		return Success
	}
	return Working
}

// StatusError reports an upload that ended in an ERROR_* status.
type StatusError struct {
	UploadID string
	Status   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upload %s ended with status %s", e.UploadID, e.Status)
}

// API is the part of the ResourceAPI the coordinator drives.
type API interface {
	Upload(ctx context.Context, paths []string) (string, error)
	UploadStatus(ctx context.Context, uploadID string) (*skapi.UploadStatus, error)
}

// Options configures a Coordinator.
type Options struct {
	Interval time.Duration
	Logger   *slog.Logger
	// Sleep blocks between polls. Defaults to time.Sleep.
	Sleep func(time.Duration)
}

// Coordinator uploads files and waits for uploads to reach a terminal status.
type Coordinator struct {
	api      API
	interval time.Duration
	sleep    func(time.Duration)
	logger   *slog.Logger
}

// New creates a Coordinator over api.
func New(api API, opts Options) *Coordinator {
	c := &Coordinator{
		api:      api,
		interval: opts.Interval,
		sleep:    opts.Sleep,
		logger:   opts.Logger,
	}
	if c.interval <= 0 {
		c.interval = DefaultInterval
	}
	if c.sleep == nil {
		c.sleep = time.Sleep
	}
	c.logger = logging.Component(c.logger, "upload")
	return c
}

// UploadAndWait uploads paths as one upload and waits for it to finish.
// With no paths it does nothing and returns an empty uploadID.
func (c *Coordinator) UploadAndWait(ctx context.Context, paths []string) (string, *skapi.UploadStatus, error) {
	if len(paths) == 0 {
		return "", nil, nil
	}
	uploadID, err := c.api.Upload(ctx, paths)
	if err != nil {
		return "", nil, err
	}
	c.logger.InfoContext(ctx, "uploaded files", "upload_id", uploadID, "files", len(paths))

	status, err := c.WaitUntilComplete(ctx, uploadID)
	return uploadID, status, err
}

// WaitUntilComplete polls the upload status, first immediately and then once
// per interval, until the status is terminal, and returns that status.
//
// There is no timeout. The sleep between polls ignores ctx; only a failing
// status call (for example because ctx was cancelled) ends the wait early.
func (c *Coordinator) WaitUntilComplete(ctx context.Context, uploadID string) (*skapi.UploadStatus, error) {
	for {
		st, err := c.api.UploadStatus(ctx, uploadID)
		if err != nil {
			return nil, fmt.Errorf("poll upload %s: %w", uploadID, err)
		}
		if !st.HasStatus {
			c.logger.WarnContext(ctx, "malformed upload status, still polling", "upload_id", uploadID, "raw", string(st.Raw))
		} else if Classify(st.Status) != Working {
			c.logger.InfoContext(ctx, "upload finished", "upload_id", uploadID, "status", st.Status, "outcome", Classify(st.Status).String())
			return st, nil
		} else {
			c.logger.DebugContext(ctx, "upload in progress", "upload_id", uploadID, "status", st.Status)
		}
		c.sleep(c.interval)
	}
}

// Check returns a *StatusError when st is an error status.
func Check(st *skapi.UploadStatus) error {
	if st != nil && IsError(st.Status) {
		return &StatusError{UploadID: st.UploadID, Status: st.Status}
	}
	return nil
}
