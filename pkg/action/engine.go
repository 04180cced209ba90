package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/SpatialKey/skdm-sub000/pkg/actionconfig"
	"github.com/SpatialKey/skdm-sub000/pkg/logging"
	"github.com/SpatialKey/skdm-sub000/pkg/observability"
	"github.com/SpatialKey/skdm-sub000/pkg/skapi"
	"github.com/SpatialKey/skdm-sub000/pkg/upload"
)

// ErrNotAcknowledged is returned when the server answered an import call
// with a body that is neither empty nor JSON.
var ErrNotAcknowledged = errors.New("import call not acknowledged by server")

// API is the part of the ResourceAPI the engine calls directly.
type API interface {
	SampleConfig(ctx context.Context, uploadID, method string) (string, error)
	CancelUpload(ctx context.Context, uploadID string) error
	DatasetCreate(ctx context.Context, uploadID, descriptor string) (bool, error)
	DatasetOverwrite(ctx context.Context, uploadID, datasetID, descriptor string) (bool, error)
	DatasetAppend(ctx context.Context, uploadID, datasetID, descriptor string) (bool, error)
	InsuranceCreate(ctx context.Context, uploadID, descriptor string) (bool, error)
	InsuranceOverwrite(ctx context.Context, uploadID, insuranceID, descriptor string) (bool, error)
	InsuranceCreateFromExistingDatasets(ctx context.Context, descriptor string) (string, error)
}

// Waiter uploads files and waits on uploads.
type Waiter interface {
	UploadAndWait(ctx context.Context, paths []string) (string, *skapi.UploadStatus, error)
	WaitUntilComplete(ctx context.Context, uploadID string) (*skapi.UploadStatus, error)
}

// Stager turns data file references into local paths.
type Stager interface {
	StageAll(ctx context.Context, refs []string) ([]string, func(), error)
}

// RunOptions controls one run.
type RunOptions struct {
	// Wait polls imports to completion and reconciles ids. Without it the
	// import is only started and the upload is left for the server.
	Wait bool
	// KeepUpload skips the best-effort upload cancel after the action.
	KeepUpload bool
}

// Result is the outcome of one action.
type Result struct {
	Action      string
	ActionType  ActionType
	Success     bool
	ResolvedID  string
	UploadID    string
	Status      string
	SuggestFile string
	Mutations   []actionconfig.Mutation
	Err         error
}

// Options configures an Engine.
type Options struct {
	Stager    Stager
	Logger    *slog.Logger
	Telemetry *observability.Provider
	// TempDir holds sampled CSV copies. Empty means os.TempDir().
	TempDir string
}

// Engine runs validated actions.
type Engine struct {
	api       API
	waiter    Waiter
	stager    Stager
	telemetry *observability.Provider
	logger    *slog.Logger
	tempDir   string
}

// New creates an Engine.
func New(api API, waiter Waiter, opts Options) *Engine {
	e := &Engine{
		api:       api,
		waiter:    waiter,
		stager:    opts.Stager,
		telemetry: opts.Telemetry,
		logger:    opts.Logger,
		tempDir:   opts.TempDir,
	}
	if e.stager == nil {
		e.stager = localStager{}
	}
	e.logger = logging.Component(e.logger, "action")
	return e
}

// run carries the state of one action through its steps.
type run struct {
	spec     *Spec
	opts     RunOptions
	logger   *slog.Logger
	result   Result
	uploadID string
	// started is set once an import was handed to the server without
	// waiting for it.
	started bool
}

// Run executes spec. Errors are reported in Result.Err; the returned Result
// is always populated.
func (e *Engine) Run(ctx context.Context, spec *Spec, opts RunOptions) Result {
	ctx, done := e.telemetry.TrackOperation(ctx, "skimport.action."+string(spec.ActionType),
		attribute.String("action", spec.Name),
		attribute.String("data_type", string(spec.DataType)),
	)

	r := &run{
		spec: spec,
		opts: opts,
		logger: e.logger.With(
			"action", spec.Name,
			"action_type", string(spec.ActionType),
			"data_type", string(spec.DataType),
		),
		result: Result{Action: spec.Name, ActionType: spec.ActionType},
	}
	if spec.DataType == Insurance && (spec.PolicyID != "" || spec.LocationID != "") {
		r.logger = r.logger.With("policy_dataset_id", spec.PolicyID, "location_dataset_id", spec.LocationID)
		r.logger.InfoContext(ctx, "descriptor references existing datasets")
	}
	if spec.ActionType != spec.RequestedActionType {
		r.logger.InfoContext(ctx, "action type coerced", "requested", string(spec.RequestedActionType))
	}

	var err error
	switch spec.ActionType {
	case Suggest:
		err = e.suggest(ctx, r)
	case Import:
		err = e.importData(ctx, r)
	case Overwrite:
		err = e.overwrite(ctx, r)
	case Append:
		err = e.appendData(ctx, r)
	default:
		err = &ValidationError{Action: spec.Name, Field: actionconfig.ElemActionType, Reason: fmt.Sprintf("unknown action type %q", spec.ActionType)}
	}

	e.cancel(ctx, r)

	r.result.UploadID = r.uploadID
	r.result.Err = err
	r.result.Success = err == nil
	if err != nil {
		r.result.Mutations = nil
		r.logger.ErrorContext(ctx, "action failed", "upload_id", r.uploadID, "error", err)
	} else {
		r.logger.InfoContext(ctx, "action finished", "upload_id", r.uploadID, "status", r.result.Status, "id", r.result.ResolvedID)
	}
	done(err)
	return r.result
}

// cancel deletes the upload best-effort unless it was kept or is still
// being imported.
func (e *Engine) cancel(ctx context.Context, r *run) {
	if r.uploadID == "" || r.opts.KeepUpload || r.started {
		return
	}
	if err := e.api.CancelUpload(ctx, r.uploadID); err != nil {
		r.logger.WarnContext(ctx, "cancel upload failed", "upload_id", r.uploadID, "error", err)
	}
}

// uploadData stages and uploads the action's data files and waits for the
// upload to settle.
func (e *Engine) uploadData(ctx context.Context, r *run, refs []string) error {
	paths, cleanup, err := e.stager.StageAll(ctx, refs)
	if err != nil {
		return err
	}
	defer cleanup()

	id, st, err := e.waiter.UploadAndWait(ctx, paths)
	r.uploadID = id
	if err != nil {
		return err
	}
	if st != nil {
		r.result.Status = st.Status
	}
	return upload.Check(st)
}

func (e *Engine) importData(ctx context.Context, r *run) error {
	spec := r.spec
	if spec.DataType == Insurance && len(spec.PathData) == 0 {
		id, err := e.api.InsuranceCreateFromExistingDatasets(ctx, spec.PathXML)
		if err != nil {
			return err
		}
		r.uploadID = id
		return e.finish(ctx, r)
	}

	if err := e.uploadData(ctx, r, spec.PathData); err != nil {
		return err
	}
	var ok bool
	var err error
	if spec.DataType == Insurance {
		ok, err = e.api.InsuranceCreate(ctx, r.uploadID, spec.PathXML)
	} else {
		ok, err = e.api.DatasetCreate(ctx, r.uploadID, spec.PathXML)
	}
	if err := acked(ok, err); err != nil {
		return err
	}
	return e.finish(ctx, r)
}

func (e *Engine) overwrite(ctx context.Context, r *run) error {
	spec := r.spec
	if spec.ID == "" {
		return &ValidationError{Action: spec.Name, Field: spec.IDElement(), Reason: "overwrite needs an existing id"}
	}
	if spec.DataType == Insurance && len(spec.PathData) == 0 {
		return &ValidationError{Action: spec.Name, Field: actionconfig.ElemPathData, Reason: "insurance overwrite needs data files"}
	}

	if err := e.uploadData(ctx, r, spec.PathData); err != nil {
		return err
	}
	var ok bool
	var err error
	if spec.DataType == Insurance {
		ok, err = e.api.InsuranceOverwrite(ctx, r.uploadID, spec.ID, spec.PathXML)
	} else {
		ok, err = e.api.DatasetOverwrite(ctx, r.uploadID, spec.ID, spec.PathXML)
	}
	if err := acked(ok, err); err != nil {
		return err
	}
	return e.finish(ctx, r)
}

func (e *Engine) appendData(ctx context.Context, r *run) error {
	spec := r.spec
	if spec.DataType == Insurance || spec.DataType == Shapefile {
		return &ValidationError{Action: spec.Name, Field: actionconfig.ElemActionType, Reason: fmt.Sprintf("%s cannot be appended", spec.DataType), Err: ErrAppendNotSupported}
	}
	if spec.ID == "" {
		return &ValidationError{Action: spec.Name, Field: spec.IDElement(), Reason: "append needs an existing id"}
	}

	if err := e.uploadData(ctx, r, spec.PathData); err != nil {
		return err
	}
	if err := acked(e.api.DatasetAppend(ctx, r.uploadID, spec.ID, spec.PathXML)); err != nil {
		return err
	}
	return e.finish(ctx, r)
}

func acked(ok bool, err error) error {
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAcknowledged
	}
	return nil
}

// finish waits for the started import and reconciles the created ids.
func (e *Engine) finish(ctx context.Context, r *run) error {
	if !r.opts.Wait {
		r.started = true
		r.logger.InfoContext(ctx, "import started, not waiting", "upload_id", r.uploadID)
		return nil
	}
	st, err := e.waiter.WaitUntilComplete(ctx, r.uploadID)
	if err != nil {
		return err
	}
	r.result.Status = st.Status
	if err := upload.Check(st); err != nil {
		return err
	}

	rec, err := Reconcile(r.spec, st)
	if err != nil {
		return err
	}
	r.result.ResolvedID = rec.ID
	r.result.Mutations = rec.Mutations
	return nil
}
