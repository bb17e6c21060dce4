package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zenkai-ai/zenkai/internal/model"
	"github.com/zenkai-ai/zenkai/internal/store"
)

// StepRunner executes named steps within a job and checkpoints each
// step's output. When a failed job is retried, steps that completed on a
// previous attempt return their recorded output without re-executing, so
// side effects like sandbox provisioning happen at most once per job.
type StepRunner struct {
	store *store.Store
	jobID string
}

// NewStepRunner creates a step runner scoped to one job.
func NewStepRunner(s *store.Store, jobID string) *StepRunner {
	return &StepRunner{store: s, jobID: jobID}
}

// Run executes the step unless a checkpoint for it already exists. The
// step's return value is JSON-encoded into out on success; on replay the
// recorded output is decoded into out instead.
func (r *StepRunner) Run(ctx context.Context, name string, out interface{}, fn func(ctx context.Context) (interface{}, error)) error {
	step, err := r.store.GetJobStep(ctx, r.jobID, name)
	if err == nil {
		if out == nil {
			return nil
		}
		return json.Unmarshal(step.Output, out)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	result, err := fn(ctx)
	if err != nil {
		return fmt.Errorf("step %s: %w", name, err)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("step %s: marshal output: %w", name, err)
	}

	if err := r.store.SaveJobStep(ctx, &model.JobStep{
		JobID:  r.jobID,
		Name:   name,
		Output: data,
	}); err != nil {
		return fmt.Errorf("step %s: checkpoint: %w", name, err)
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
