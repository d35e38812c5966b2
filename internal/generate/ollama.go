// ABOUTME: Engine backed by the Ollama /api/chat endpoint with native tool calling.
// ABOUTME: Runs the model, executes requested tools, and feeds results back until it answers.

package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/doubtingben/back-channel/internal/catalog"
)

const (
	DefaultOllamaURL     = "http://localhost:11434"
	DefaultMaxToolRounds = 5
	DefaultTimeout       = 2 * time.Minute
)

// OllamaOptions configures an Ollama engine.
type OllamaOptions struct {
	BaseURL      string
	Model        string
	SystemPrompt string
	// MaxToolRounds caps model turns that request tools before giving up.
	MaxToolRounds int
	// Timeout bounds one whole Generate call, tool calls included.
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Ollama implements Engine against a local or remote Ollama server.
type Ollama struct {
	baseURL      string
	model        string
	systemPrompt string
	maxRounds    int
	timeout      time.Duration
	client       *http.Client
	logger       *slog.Logger
}

// NewOllama creates an Ollama engine, filling defaults for unset options.
func NewOllama(opts OllamaOptions) *Ollama {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultOllamaURL
	}
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = DefaultMaxToolRounds
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Ollama{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		model:        opts.Model,
		systemPrompt: opts.SystemPrompt,
		maxRounds:    opts.MaxToolRounds,
		timeout:      opts.Timeout,
		client:       opts.HTTPClient,
		logger:       opts.Logger,
	}
}

type chatMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []toolCall `json:"tool_calls,omitempty"`
	ToolName  string     `json:"tool_name,omitempty"`
}

type toolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Tools    []toolSpec     `json:"tools,omitempty"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type toolSpec struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type chatResponse struct {
	Model   string      `json:"model"`
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
	Error   string      `json:"error,omitempty"`
}

// Generate runs the chat/tool loop for one prompt. Tool failures are
// reported back to the model as tool output rather than aborting.
func (o *Ollama) Generate(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	messages := make([]chatMessage, 0, 4)
	if o.systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: o.systemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	tools := make(map[string]catalog.Tool, len(req.Tools))
	for _, t := range req.Tools {
		tools[t.Name] = t
	}
	specs := formatTools(req.Tools)

	var resp Response
	for round := 0; ; round++ {
		msg, err := o.chat(ctx, chatRequest{
			Model:    o.model,
			Messages: messages,
			Tools:    specs,
			Options:  map[string]any{"temperature": req.Sampling.Temperature},
		})
		if err != nil {
			return Response{}, err
		}
		if len(msg.ToolCalls) == 0 {
			resp.Text = strings.TrimSpace(msg.Content)
			return resp, nil
		}
		if round >= o.maxRounds {
			return Response{}, fmt.Errorf("%w: model still requesting tools after %d rounds", ErrGeneration, o.maxRounds)
		}

		msg.Role = "assistant"
		messages = append(messages, msg)
		for _, call := range msg.ToolCalls {
			resp.ToolCalls++
			messages = append(messages, chatMessage{
				Role:     "tool",
				ToolName: call.Function.Name,
				Content:  o.runTool(ctx, tools, call),
			})
		}
	}
}

// runTool executes one requested call and renders its outcome for the model.
func (o *Ollama) runTool(ctx context.Context, tools map[string]catalog.Tool, call toolCall) string {
	name := call.Function.Name
	tool, ok := tools[name]
	if !ok {
		o.logger.Warn("model requested unknown tool", "tool", name)
		return fmt.Sprintf("error: unknown tool %q", name)
	}

	args, err := parseArguments(call.Function.Arguments)
	if err != nil {
		o.logger.Warn("unparseable tool arguments", "tool", name, "error", err)
		return "error: " + err.Error()
	}

	start := time.Now()
	res, err := tool.Invoke(ctx, args)
	if err != nil {
		o.logger.Error("tool call failed", "tool", name, "backend", tool.Backend, "error", err)
		return "error: " + err.Error()
	}
	o.logger.Debug("tool call finished", "tool", name, "backend", tool.Backend, "duration", time.Since(start))

	text := catalog.ResultText(res)
	if res != nil && res.IsError {
		return "error: " + text
	}
	return text
}

func (o *Ollama) chat(ctx context.Context, payload chatRequest) (chatMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return chatMessage{}, fmt.Errorf("%w: encoding request: %w", ErrGeneration, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return chatMessage{}, fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := o.client.Do(httpReq)
	if err != nil {
		return chatMessage{}, fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return chatMessage{}, fmt.Errorf("%w: reading response: %w", ErrGeneration, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return chatMessage{}, fmt.Errorf("%w: /api/chat returned %s: %s", ErrGeneration, httpResp.Status, strings.TrimSpace(string(raw)))
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return chatMessage{}, fmt.Errorf("%w: decoding response: %w", ErrGeneration, err)
	}
	if out.Error != "" {
		return chatMessage{}, fmt.Errorf("%w: %s", ErrGeneration, out.Error)
	}
	return out.Message, nil
}

// formatTools renders catalog tools as Ollama function specs. The remote
// schema lives in the description, so parameters only say "an object".
func formatTools(tools []catalog.Tool) []toolSpec {
	if len(tools) == 0 {
		return nil
	}
	specs := make([]toolSpec, 0, len(tools))
	for _, t := range tools {
		params := t.InputSchema
		if len(params) == 0 {
			params = map[string]any{"type": "object"}
		}
		specs = append(specs, toolSpec{
			Type: "function",
			Function: toolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return specs
}

// parseArguments accepts an argument object, or an object encoded as a string.
func parseArguments(raw json.RawMessage) (map[string]any, error) {
	args := map[string]any{}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err == nil {
		return args, nil
	}

	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, fmt.Errorf("parse tool arguments: %w", err)
	}
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(encoded), &args); err != nil {
		return nil, fmt.Errorf("parse tool arguments string: %w", err)
	}
	return args, nil
}
