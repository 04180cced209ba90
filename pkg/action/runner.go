package action

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/SpatialKey/skdm-sub000/pkg/actionconfig"
	"github.com/SpatialKey/skdm-sub000/pkg/logging"
	"github.com/SpatialKey/skdm-sub000/pkg/session"
)

// localStager passes local paths through after checking they exist.
type localStager struct{}

func (localStager) StageAll(_ context.Context, refs []string) ([]string, func(), error) {
	for _, ref := range refs {
		if _, err := os.Stat(ref); err != nil {
			return nil, func() {}, fmt.Errorf("data file: %w", err)
		}
	}
	return refs, func() {}, nil
}

// Binder binds the auth config an action runs with.
type Binder interface {
	Init(ctx context.Context, cfg session.AuthConfig)
}

// Runner executes the actions of a configuration document in order.
type Runner struct {
	engine   *Engine
	binder   Binder
	defaults session.AuthConfig
	logger   *slog.Logger
}

// NewRunner creates a Runner. defaults is the process-level auth config;
// the document's and each action's authentication nodes override it.
func NewRunner(engine *Engine, binder Binder, defaults session.AuthConfig, logger *slog.Logger) *Runner {
	return &Runner{
		engine:   engine,
		binder:   binder,
		defaults: defaults,
		logger:   logging.Component(logger, "runner"),
	}
}

// RunAllOptions selects and configures the actions to run.
type RunAllOptions struct {
	RunOptions
	// Only restricts the run to actions with these names. Empty runs all.
	Only []string
}

// RunAll runs every selected action of doc sequentially. A failing action
// never stops the next one. Descriptor mutations are saved as soon as their
// action finishes; config mutations are applied to doc, which the caller
// saves when it is dirty.
func (r *Runner) RunAll(ctx context.Context, doc *actionconfig.Document, opts RunAllOptions) []Result {
	defaults := r.defaults.Merge(doc.Auth())

	var results []Result
	for _, node := range doc.Actions() {
		if len(opts.Only) > 0 && !slices.Contains(opts.Only, node.Name) {
			continue
		}
		res := r.runOne(ctx, doc, node, defaults, opts.RunOptions)
		results = append(results, res)
	}
	return results
}

func (r *Runner) runOne(ctx context.Context, doc *actionconfig.Document, node actionconfig.ActionNode, defaults session.AuthConfig, opts RunOptions) Result {
	logger := r.logger.With("action", node.Name)

	spec, err := Parse(node, defaults)
	if err != nil {
		logger.ErrorContext(ctx, "invalid action", "error", err)
		return Result{Action: node.Name, Err: err}
	}
	if err := spec.Auth.Validate(); err != nil {
		logger.ErrorContext(ctx, "invalid authentication", "error", err)
		return Result{Action: node.Name, ActionType: spec.ActionType, Err: &ValidationError{Action: node.Name, Field: actionconfig.ElemAuthentication, Reason: err.Error()}}
	}
	r.binder.Init(ctx, spec.Auth)

	res := r.engine.Run(ctx, spec, opts)
	if !res.Success || len(res.Mutations) == 0 {
		return res
	}

	if err := actionconfig.ApplyDescriptor(res.Mutations); err != nil {
		logger.ErrorContext(ctx, "descriptor write-back failed", "error", err)
		res.Success = false
		res.Err = err
		return res
	}
	for _, m := range res.Mutations {
		if m.Target != actionconfig.TargetConfig {
			continue
		}
		if err := doc.Apply(m); err != nil {
			logger.ErrorContext(ctx, "config write-back failed", "error", err)
			res.Success = false
			res.Err = err
			return res
		}
		logger.InfoContext(ctx, "recorded id", "element", m.Element, "id", m.Value)
	}
	return res
}

// Failed counts failed results.
func Failed(results []Result) int {
	n := 0
	for _, r := range results {
		if !r.Success {
			n++
		}
	}
	return n
}
