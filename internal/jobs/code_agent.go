package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zenkai-ai/zenkai/internal/agent"
	"github.com/zenkai-ai/zenkai/internal/logger"
	"github.com/zenkai-ai/zenkai/internal/model"
	"github.com/zenkai-ai/zenkai/internal/sandbox"
	"github.com/zenkai-ai/zenkai/internal/store"
)

// Step names for code-agent/run. Each step's output is checkpointed so a
// retried job resumes after the last completed step.
const (
	StepProvisionSandbox  = "provision-sandbox"
	StepInvokeAgent       = "invoke-agent"
	StepResolveSandboxURL = "resolve-sandbox-url"
	StepWriteResult       = "write-result"
)

type provisionSandboxOutput struct {
	SandboxID string `json:"sandboxId"`
}

type invokeAgentOutput struct {
	Output string            `json:"output"`
	Files  map[string]string `json:"files,omitempty"`
}

type resolveSandboxURLOutput struct {
	SandboxURL string `json:"sandboxUrl"`
}

type writeResultOutput struct {
	MessageID string `json:"messageId"`
}

// CodeAgentExecutor handles code-agent/run jobs: provision a sandbox, run
// the coding agent in it, and write the reply back into the conversation.
type CodeAgentExecutor struct {
	store    *store.Store
	provider sandbox.Provider
	runner   agent.Runner
	results  ResultWriter
	log      *logger.Logger
}

// NewCodeAgentExecutor creates a new code agent executor.
func NewCodeAgentExecutor(s *store.Store, provider sandbox.Provider, runner agent.Runner, results ResultWriter, log *logger.Logger) *CodeAgentExecutor {
	return &CodeAgentExecutor{
		store:    s,
		provider: provider,
		runner:   runner,
		results:  results,
		log:      log,
	}
}

// Type returns the job type this executor handles.
func (e *CodeAgentExecutor) Type() JobType {
	return JobTypeCodeAgentRun
}

// Execute processes the job. On the job's final attempt a failed run also
// writes an error message into the conversation so the user is not left
// waiting on a job that will never complete.
func (e *CodeAgentExecutor) Execute(ctx context.Context, job *model.Job) error {
	var payload CodeAgentRunPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if payload.ProjectID == "" {
		return fmt.Errorf("projectId is required")
	}
	if payload.Value == "" {
		return fmt.Errorf("value is required")
	}

	err := e.run(ctx, job, payload)
	if err != nil && job.Attempts >= job.MaxAttempts {
		if werr := e.results.WriteFailure(ctx, payload.ProjectID); werr != nil {
			e.log.Error("failed to write failure message",
				"job_id", job.ID, "project_id", payload.ProjectID, "error", werr)
		}
	}
	return err
}

func (e *CodeAgentExecutor) run(ctx context.Context, job *model.Job, payload CodeAgentRunPayload) error {
	steps := NewStepRunner(e.store, job.ID)

	var provisioned provisionSandboxOutput
	err := steps.Run(ctx, StepProvisionSandbox, &provisioned, func(ctx context.Context) (interface{}, error) {
		sb, err := e.provider.Create(ctx, payload.ProjectID)
		if err != nil {
			return nil, err
		}
		return provisionSandboxOutput{SandboxID: sb.ID}, nil
	})
	if err != nil {
		return err
	}

	history, err := e.conversationHistory(ctx, payload)
	if err != nil {
		return err
	}

	var invoked invokeAgentOutput
	err = steps.Run(ctx, StepInvokeAgent, &invoked, func(ctx context.Context) (interface{}, error) {
		result, err := e.runner.Run(ctx, agent.RunRequest{
			ProjectID: payload.ProjectID,
			SandboxID: provisioned.SandboxID,
			Prompt:    payload.Value,
			History:   history,
		})
		if err != nil {
			return nil, err
		}
		return invokeAgentOutput{Output: result.Output, Files: result.Files}, nil
	})
	if err != nil {
		return err
	}

	var resolved resolveSandboxURLOutput
	err = steps.Run(ctx, StepResolveSandboxURL, &resolved, func(ctx context.Context) (interface{}, error) {
		host, err := e.provider.GetHost(ctx, provisioned.SandboxID)
		if err != nil {
			return nil, err
		}
		return resolveSandboxURLOutput{SandboxURL: "http://" + host}, nil
	})
	if err != nil {
		return err
	}

	// The write itself is checkpointed so a replayed job does not append the
	// reply a second time. The event publish sits outside the checkpoint; it
	// is keyed to the recorded message and safe to repeat.
	var written writeResultOutput
	err = steps.Run(ctx, StepWriteResult, &written, func(ctx context.Context) (interface{}, error) {
		msg, err := e.results.WriteSuccess(ctx, payload.ProjectID, invoked.Output, resolved.SandboxURL, invoked.Files)
		if err != nil {
			return nil, err
		}
		return writeResultOutput{MessageID: msg.ID}, nil
	})
	if err != nil {
		return err
	}

	return e.results.NotifySuccess(ctx, payload.ProjectID, written.MessageID)
}

// conversationHistory replays the project's prior messages so follow-up
// tasks build on earlier work. The triggering message itself is excluded;
// it is sent as the prompt. Error messages carry no useful context and
// are skipped.
func (e *CodeAgentExecutor) conversationHistory(ctx context.Context, payload CodeAgentRunPayload) ([]agent.Turn, error) {
	messages, err := e.store.ListMessagesByProject(ctx, payload.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	turns := make([]agent.Turn, 0, len(messages))
	for _, msg := range messages {
		if msg.Type == model.MessageTypeError {
			continue
		}
		role := "user"
		if msg.Role == model.MessageRoleAssistant {
			role = "assistant"
		}
		turns = append(turns, agent.Turn{Role: role, Content: msg.Content})
	}

	if n := len(turns); n > 0 && turns[n-1].Role == "user" && turns[n-1].Content == payload.Value {
		turns = turns[:n-1]
	}
	return turns, nil
}
