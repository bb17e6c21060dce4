package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/zenkai-ai/zenkai/internal/config"
	"github.com/zenkai-ai/zenkai/internal/logger"
	"github.com/zenkai-ai/zenkai/internal/sandbox"
)

const systemPrompt = `You are a senior web developer working inside a sandboxed Next.js project.
The dev server is already running; never start or restart it.
Use the terminal tool to run commands, create_or_update_files to write code,
and read_files to inspect existing files. File paths are relative to the
project root. Use Tailwind classes for styling.
When the task is complete, end with a short plain-text summary of what you
built, wrapped in <task_summary> tags.`

// maxToolIterations caps the agent loop so a confused model cannot spin
// forever against the sandbox.
const maxToolIterations = 15

// AnthropicRunner implements Runner using the Anthropic Messages API with
// sandbox-backed tools.
type AnthropicRunner struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	provider  sandbox.Provider
	log       *logger.Logger
}

// NewAnthropicRunner creates a runner from configuration.
func NewAnthropicRunner(cfg *config.Config, provider sandbox.Provider, log *logger.Logger) *AnthropicRunner {
	return &AnthropicRunner{
		client:    anthropic.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey)),
		model:     anthropic.Model(cfg.AgentModel),
		maxTokens: int64(cfg.AgentMaxTokens),
		provider:  provider,
		log:       log,
	}
}

// terminalInput is the payload of a terminal tool call.
type terminalInput struct {
	Command string `json:"command"`
}

// writeFilesInput is the payload of a create_or_update_files tool call.
type writeFilesInput struct {
	Files []struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	} `json:"files"`
}

// readFilesInput is the payload of a read_files tool call.
type readFilesInput struct {
	Paths []string `json:"paths"`
}

func agentTools() []anthropic.ToolUnionParam {
	terminal := anthropic.ToolParam{
		Name: "terminal",
		InputSchema: anthropic.ToolInputSchemaParam{
			Type: "object",
			Properties: map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "Shell command to run in the project root",
				},
			},
			Required: []string{"command"},
		},
	}
	writeFiles := anthropic.ToolParam{
		Name: "create_or_update_files",
		InputSchema: anthropic.ToolInputSchemaParam{
			Type: "object",
			Properties: map[string]any{
				"files": map[string]any{
					"type":        "array",
					"description": "Files to write, each with a path and full content",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"path":    map[string]any{"type": "string"},
							"content": map[string]any{"type": "string"},
						},
						"required": []string{"path", "content"},
					},
				},
			},
			Required: []string{"files"},
		},
	}
	readFiles := anthropic.ToolParam{
		Name: "read_files",
		InputSchema: anthropic.ToolInputSchemaParam{
			Type: "object",
			Properties: map[string]any{
				"paths": map[string]any{
					"type":        "array",
					"description": "File paths to read",
					"items":       map[string]any{"type": "string"},
				},
			},
			Required: []string{"paths"},
		},
	}
	return []anthropic.ToolUnionParam{
		anthropic.ToolUnionParamOfTool(terminal.InputSchema, terminal.Name),
		anthropic.ToolUnionParamOfTool(writeFiles.InputSchema, writeFiles.Name),
		anthropic.ToolUnionParamOfTool(readFiles.InputSchema, readFiles.Name),
	}
}

// Run drives the tool loop until the model stops requesting tools or the
// iteration cap is hit, then extracts the summary text.
func (r *AnthropicRunner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	messages := historyToMessages(req.History)
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)))

	files := make(map[string]string)
	var finalText string

	for i := 0; i < maxToolIterations; i++ {
		resp, err := r.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     r.model,
			Messages:  messages,
			MaxTokens: r.maxTokens,
			System: []anthropic.TextBlockParam{{
				Text: systemPrompt,
				Type: "text",
			}},
			Tools: agentTools(),
		})
		if err != nil {
			return nil, fmt.Errorf("messages request: %w", err)
		}
		if resp == nil || len(resp.Content) == 0 {
			return nil, ErrEmptyResponse
		}

		var toolResults []anthropic.ContentBlockParamUnion
		for i := range resp.Content {
			block := &resp.Content[i]
			switch block.Type {
			case "text":
				finalText = block.AsText().Text
			case "tool_use":
				toolUse := block.AsToolUse()
				result, toolErr := r.runTool(ctx, req.SandboxID, toolUse.Name, toolUse.Input, files)
				isError := toolErr != nil
				if isError {
					result = toolErr.Error()
				}
				toolResults = append(toolResults, anthropic.NewToolResultBlock(toolUse.ID, result, isError))
			}
		}

		if len(toolResults) == 0 {
			break
		}

		messages = append(messages, resp.ToParam())
		messages = append(messages, anthropic.NewUserMessage(toolResults...))
	}

	output := extractSummary(finalText)
	if output == "" {
		return nil, ErrEmptyResponse
	}

	return &RunResult{Output: output, Files: files}, nil
}

// runTool executes one tool call against the sandbox and returns its
// textual result for the model.
func (r *AnthropicRunner) runTool(ctx context.Context, sandboxID, name string, input json.RawMessage, files map[string]string) (string, error) {
	switch name {
	case "terminal":
		var in terminalInput
		if err := json.Unmarshal(input, &in); err != nil {
			return "", fmt.Errorf("parse terminal input: %w", err)
		}
		res, err := r.provider.Exec(ctx, sandboxID, []string{"sh", "-c", in.Command})
		if err != nil {
			return "", err
		}
		out := string(res.Stdout)
		if len(res.Stderr) > 0 {
			out += "\n" + string(res.Stderr)
		}
		if res.ExitCode != 0 {
			return "", fmt.Errorf("command exited with code %d: %s", res.ExitCode, out)
		}
		return out, nil

	case "create_or_update_files":
		var in writeFilesInput
		if err := json.Unmarshal(input, &in); err != nil {
			return "", fmt.Errorf("parse files input: %w", err)
		}
		for _, f := range in.Files {
			if err := r.writeFile(ctx, sandboxID, f.Path, f.Content); err != nil {
				return "", fmt.Errorf("write %s: %w", f.Path, err)
			}
			files[f.Path] = f.Content
		}
		return fmt.Sprintf("wrote %d file(s)", len(in.Files)), nil

	case "read_files":
		var in readFilesInput
		if err := json.Unmarshal(input, &in); err != nil {
			return "", fmt.Errorf("parse paths input: %w", err)
		}
		var sb strings.Builder
		for _, path := range in.Paths {
			res, err := r.provider.Exec(ctx, sandboxID, []string{"cat", path})
			if err != nil {
				return "", err
			}
			if res.ExitCode != 0 {
				return "", fmt.Errorf("read %s: %s", path, string(res.Stderr))
			}
			fmt.Fprintf(&sb, "=== %s ===\n%s\n", path, string(res.Stdout))
		}
		return sb.String(), nil

	default:
		return "", fmt.Errorf("unknown tool %q", name)
	}
}

// writeFile writes content to a path inside the sandbox via a heredoc so
// arbitrary file content survives the shell.
func (r *AnthropicRunner) writeFile(ctx context.Context, sandboxID, path, content string) error {
	script := fmt.Sprintf("mkdir -p \"$(dirname %q)\" && cat > %q << 'ZENKAI_EOF'\n%s\nZENKAI_EOF", path, path, content)
	res, err := r.provider.Exec(ctx, sandboxID, []string{"sh", "-c", script})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("exit code %d: %s", res.ExitCode, string(res.Stderr))
	}
	return nil
}

// historyToMessages converts prior turns into alternating API messages.
// Consecutive same-role turns are merged because the API requires strict
// user/assistant alternation.
func historyToMessages(history []Turn) []anthropic.MessageParam {
	var messages []anthropic.MessageParam
	var pendingRole string
	var pending []string

	flush := func() {
		if len(pending) == 0 {
			return
		}
		text := strings.Join(pending, "\n\n")
		if pendingRole == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
		} else {
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
		}
		pending = nil
	}

	for _, turn := range history {
		role := "user"
		if turn.Role == "assistant" {
			role = "assistant"
		}
		if role != pendingRole {
			flush()
			pendingRole = role
		}
		pending = append(pending, turn.Content)
	}
	flush()
	return messages
}

// extractSummary pulls the <task_summary> body out of the final response,
// falling back to the whole text when the model skipped the tags.
func extractSummary(text string) string {
	const openTag, closeTag = "<task_summary>", "</task_summary>"
	start := strings.Index(text, openTag)
	if start >= 0 {
		rest := text[start+len(openTag):]
		if end := strings.Index(rest, closeTag); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(text)
}
