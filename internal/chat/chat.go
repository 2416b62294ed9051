// Package chat orchestrates one conversation turn of the site assistant.
//
// A turn moves through admission control, optional retrieval round trips,
// and streamed generation. Progress is observable through a StreamHandle;
// the messages a finished turn contributed to conversation state are
// available from the handle once it reaches a terminal phase.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/nikhilsnayak/sage/internal/ratelimit"
	"github.com/nikhilsnayak/sage/internal/retrieval"
)

const (
	// Name is the agent identifier.
	Name = "sage"

	// ToolName is the single tool exposed to the model.
	ToolName = "retrieve"

	// DefaultMaxToolSteps bounds retrieval round trips per turn.
	DefaultMaxToolSteps = 2
)

// Sentinel errors for turn execution.
var (
	// ErrEmptyMessage indicates the visitor message was blank.
	ErrEmptyMessage = errors.New("empty message")

	// ErrInvalidHistory indicates the supplied history could not be used.
	ErrInvalidHistory = errors.New("invalid history")

	// ErrExecutionFailed indicates the turn failed after admission.
	ErrExecutionFailed = errors.New("execution failed")
)

// RetrieveInput is the schema of the retrieve tool.
type RetrieveInput struct {
	Query string `json:"query" jsonschema_description:"The visitor question to look up in the site content"`
}

// RetrieveOutput is what the retrieve tool hands back to the model.
type RetrieveOutput struct {
	Context string `json:"context" jsonschema_description:"Relevant site content, empty when nothing matched"`
	Matches int    `json:"matches" jsonschema_description:"Number of matching chunks"`
}

// Request is one conversation turn request.
type Request struct {
	// ClientKey identifies the caller for admission control. Empty falls
	// into the shared anonymous bucket.
	ClientKey string
	// Message is the visitor's message.
	Message string
	// History is the prior conversation, oldest first.
	History []*ai.Message
}

// Config contains all required parameters for the Agent.
type Config struct {
	Genkit    *genkit.Genkit
	Retriever *retrieval.Retriever
	Limiter   *ratelimit.Limiter
	Logger    *slog.Logger

	// ModelName is the provider-qualified model name.
	ModelName string
	// ContactEmail is offered to visitors when the knowledge base has no
	// answer.
	ContactEmail string
	// MaxToolSteps bounds retrieval round trips per turn (default 2).
	MaxToolSteps int
	// RetryConfig controls transient failure retries (zero value: one
	// attempt).
	RetryConfig RetryConfig
}

func (cfg Config) validate() error {
	if cfg.Genkit == nil {
		return errors.New("genkit instance is required")
	}
	if cfg.Retriever == nil {
		return errors.New("retriever is required")
	}
	if cfg.Limiter == nil {
		return errors.New("rate limiter is required")
	}
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Agent runs conversation turns. All configuration is captured immutably
// at construction; Agent is safe for concurrent use.
type Agent struct {
	modelName    string
	contactEmail string
	maxToolSteps int
	retryConfig  RetryConfig

	g         *genkit.Genkit
	retriever *retrieval.Retriever
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
	tool      ai.Tool
}

// New creates an Agent and registers the retrieve tool with Genkit.
func New(cfg Config) (*Agent, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	maxToolSteps := cfg.MaxToolSteps
	if maxToolSteps <= 0 {
		maxToolSteps = DefaultMaxToolSteps
	}

	retryConfig := cfg.RetryConfig
	if retryConfig.InitialInterval == 0 {
		defaults := DefaultRetryConfig()
		retryConfig.InitialInterval = defaults.InitialInterval
		retryConfig.MaxInterval = defaults.MaxInterval
	}

	a := &Agent{
		modelName:    cfg.ModelName,
		contactEmail: cfg.ContactEmail,
		maxToolSteps: maxToolSteps,
		retryConfig:  retryConfig,
		g:            cfg.Genkit,
		retriever:    cfg.Retriever,
		limiter:      cfg.Limiter,
		logger:       cfg.Logger,
	}

	a.tool = genkit.DefineTool(cfg.Genkit, ToolName,
		"Searches the site's knowledge base for content relevant to a visitor question.",
		func(tctx *ai.ToolContext, input RetrieveInput) (RetrieveOutput, error) {
			return a.runRetrieve(tctx, input)
		})

	a.logger.Info("chat agent initialized",
		"model", a.modelName,
		"maxToolSteps", a.maxToolSteps,
	)

	return a, nil
}

// Converse starts one turn and returns its handle immediately. The turn
// runs until a terminal phase; cancel ctx to abort it.
func (a *Agent) Converse(ctx context.Context, req Request) *StreamHandle {
	handle := newStreamHandle()
	go a.run(ctx, req, handle)
	return handle
}

func (a *Agent) run(ctx context.Context, req Request, handle *StreamHandle) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		handle.fail(ErrEmptyMessage, nil)
		return
	}

	// Admission strictly precedes any embedding or model call.
	handle.setPhase(PhaseAwaitingAdmission)
	decision := a.limiter.Admit(ctx, req.ClientKey)
	handle.resolveAdmission(decision)
	if !decision.Allowed {
		a.logger.Info("turn rejected by admission control",
			"retry_after", decision.RetryAfter)
		handle.deny(rateLimitNotice(decision.RetryAfter))
		return
	}

	handle.setPhase(PhaseStreaming)

	userMsg := ai.NewUserMessage(ai.NewTextPart(message))
	messages := append(deepCopyMessages(req.History), userMsg)
	turnMessages := []*ai.Message{userMsg}

	streamCb := func(_ context.Context, chunk *ai.ModelResponseChunk) error {
		for _, part := range chunk.Content {
			if part.Text != "" {
				handle.append(part.Text)
			}
		}
		return nil
	}

	var resp *ai.ModelResponse
	var err error
	for step := 0; ; step++ {
		// Past the step budget the model must answer with what it has.
		withTools := step < a.maxToolSteps

		opts := []ai.GenerateOption{
			ai.WithModelName(a.modelName),
			ai.WithSystem(a.systemPrompt()),
			ai.WithMessages(messages...),
			ai.WithStreaming(streamCb),
		}
		if withTools {
			opts = append(opts,
				ai.WithTools(a.tool),
				ai.WithReturnToolRequests(true),
			)
		}

		resp, err = a.generateWithRetry(ctx, opts)
		if err != nil {
			a.failTurn(handle, turnMessages, fmt.Errorf("%w: %w", ErrExecutionFailed, err))
			return
		}

		requests := resp.ToolRequests()
		if len(requests) == 0 || !withTools {
			break
		}

		handle.setPhase(PhaseRetrieving)
		toolMsg, terr := a.executeTools(ctx, requests)
		if terr != nil {
			a.failTurn(handle, turnMessages, fmt.Errorf("%w: %w", ErrExecutionFailed, terr))
			return
		}

		// Request and response travel as an adjacent pair so replayed
		// history stays valid for the provider.
		messages = append(messages, resp.Message, toolMsg)
		turnMessages = append(turnMessages, resp.Message, toolMsg)
		handle.setPhase(PhaseStreaming)
	}

	finalText := strings.TrimSpace(resp.Text())
	if finalText == "" {
		a.logger.Warn("model returned empty response")
		finalText = fallbackResponseMessage
	}
	if handle.Text() == "" {
		handle.append(finalText)
	}

	committed := append(turnMessages, ai.NewModelMessage(ai.NewTextPart(finalText)))
	if verr := ValidateHistory(committed); verr != nil {
		a.logger.Error("refusing to commit malformed turn", "error", verr)
		handle.fail(fmt.Errorf("%w: %w", ErrExecutionFailed, verr), nil)
		return
	}
	handle.finalize(committed)
}

// failTurn ends an admitted turn with a terminal assistant message, so the
// conversation always has a model reply even on failure.
func (a *Agent) failTurn(handle *StreamHandle, turnMessages []*ai.Message, err error) {
	a.logger.Error("turn failed", "error", err)

	text := handle.Text()
	if text == "" {
		text = fallbackResponseMessage
		handle.append(text)
	}

	committed := append(turnMessages, ai.NewModelMessage(ai.NewTextPart(text)))
	handle.fail(err, committed)
}

// executeTools runs the requested tool calls and builds the tool message.
// Each response carries the request's ref so the pair stays correlated.
func (a *Agent) executeTools(ctx context.Context, requests []*ai.ToolRequest) (*ai.Message, error) {
	parts := make([]*ai.Part, 0, len(requests))
	for _, req := range requests {
		if req.Name != ToolName {
			return nil, fmt.Errorf("model requested unknown tool %q", req.Name)
		}

		out, err := a.runRetrieve(ctx, RetrieveInput{Query: queryFromInput(req.Input)})
		if err != nil {
			return nil, fmt.Errorf("retrieve: %w", err)
		}

		parts = append(parts, ai.NewToolResponsePart(&ai.ToolResponse{
			Name: req.Name,
			Ref:  req.Ref,
			Output: map[string]any{
				"context": out.Context,
				"matches": out.Matches,
			},
		}))
	}
	return &ai.Message{Role: ai.RoleTool, Content: parts}, nil
}

// runRetrieve is the tool implementation shared by the registered tool and
// the orchestrator's manual round trip.
func (a *Agent) runRetrieve(ctx context.Context, input RetrieveInput) (RetrieveOutput, error) {
	results, err := a.retriever.Retrieve(ctx, input.Query)
	if err != nil {
		return RetrieveOutput{}, err
	}
	return RetrieveOutput{
		Context: retrieval.FormatContext(results),
		Matches: len(results),
	}, nil
}

// queryFromInput extracts the query string from a tool request payload.
func queryFromInput(input any) string {
	switch v := input.(type) {
	case map[string]any:
		if q, ok := v["query"].(string); ok {
			return q
		}
	case string:
		return v
	}
	return ""
}

// deepCopyMessages creates independent copies of Message and Part structs.
// Genkit's renderMessages() modifies msg.Content in place, so concurrent
// turns sharing history objects would race without this.
func deepCopyMessages(msgs []*ai.Message) []*ai.Message {
	if msgs == nil {
		return nil
	}
	copied := make([]*ai.Message, len(msgs))
	for i, msg := range msgs {
		parts := make([]*ai.Part, len(msg.Content))
		for j, part := range msg.Content {
			parts[j] = deepCopyPart(part)
		}
		copied[i] = &ai.Message{
			Role:     msg.Role,
			Content:  parts,
			Metadata: shallowCopyMap(msg.Metadata),
		}
	}
	return copied
}

// deepCopyPart copies an ai.Part. ToolRequest.Input and ToolResponse.Output
// are copied by reference; Genkit only mutates the Content slice itself.
func deepCopyPart(p *ai.Part) *ai.Part {
	if p == nil {
		return nil
	}
	cp := &ai.Part{
		Kind:        p.Kind,
		ContentType: p.ContentType,
		Text:        p.Text,
		Custom:      shallowCopyMap(p.Custom),
		Metadata:    shallowCopyMap(p.Metadata),
	}
	if p.ToolRequest != nil {
		cp.ToolRequest = &ai.ToolRequest{
			Input: p.ToolRequest.Input,
			Name:  p.ToolRequest.Name,
			Ref:   p.ToolRequest.Ref,
		}
	}
	if p.ToolResponse != nil {
		cp.ToolResponse = &ai.ToolResponse{
			Name:   p.ToolResponse.Name,
			Output: p.ToolResponse.Output,
			Ref:    p.ToolResponse.Ref,
		}
	}
	return cp
}

func shallowCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
