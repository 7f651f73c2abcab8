package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/xhad/ragchat/internal/models"
	"github.com/xhad/ragchat/pkg/apperr"
)

// ErrToolRounds is returned when the model keeps requesting tools past the
// configured number of rounds.
var ErrToolRounds = errors.New("tool round limit reached")

// AgentConfig represents the configuration for a chat agent.
type AgentConfig struct {
	Provider      string
	Model         string
	BaseURL       string
	APIKey        string
	Temperature   float64
	MaxTokens     int
	SystemPrompt  string
	MaxToolRounds int
}

// Agent answers user input with an LLM, calling tools when the model asks
// for them.
type Agent struct {
	config AgentConfig
	model  llms.Model
	tools  Toolbox
	log    zerolog.Logger
}

// NewModel creates the chat model for the configured provider.
func NewModel(config AgentConfig) (llms.Model, error) {
	switch config.Provider {
	case "", "ollama":
		baseURL := config.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		model, err := ollama.New(ollama.WithModel(config.Model), ollama.WithServerURL(baseURL))
		if err != nil {
			return nil, apperr.E(apperr.ConfigurationError, "llm.NewModel", "failed to initialize LLM", err)
		}
		return model, nil
	case "openai":
		opts := []openai.Option{
			openai.WithModel(config.Model),
			openai.WithToken(strings.TrimPrefix(config.APIKey, "Bearer ")),
		}
		if config.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(config.BaseURL))
		}
		model, err := openai.New(opts...)
		if err != nil {
			return nil, apperr.E(apperr.ConfigurationError, "llm.NewModel", "failed to initialize LLM", err)
		}
		return model, nil
	default:
		return nil, apperr.E(apperr.ConfigurationError, "llm.NewModel", fmt.Sprintf("unknown LLM provider %q", config.Provider), nil)
	}
}

// NewAgent creates an Agent. tools may be nil, in which case the agent
// answers without tools.
func NewAgent(model llms.Model, tools Toolbox, config AgentConfig, log zerolog.Logger) *Agent {
	if config.MaxToolRounds <= 0 {
		config.MaxToolRounds = 5
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 2000
	}
	if config.SystemPrompt == "" {
		config.SystemPrompt = "You are a helpful assistant."
	}
	return &Agent{
		config: config,
		model:  model,
		tools:  tools,
		log:    log.With().Str("component", "agent").Logger(),
	}
}

// Respond generates a reply to input given the prior conversation.
func (a *Agent) Respond(ctx context.Context, input string, history []models.Turn) (string, error) {
	messages := make([]llms.MessageContent, 0, len(history)+2)
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, a.config.SystemPrompt))
	for _, turn := range history {
		role := llms.ChatMessageTypeHuman
		if turn.Kind == models.AssistantTurn {
			role = llms.ChatMessageTypeAI
		}
		messages = append(messages, llms.TextParts(role, turn.Text))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, input))

	opts := []llms.CallOption{
		llms.WithTemperature(a.config.Temperature),
		llms.WithMaxTokens(a.config.MaxTokens),
	}
	if a.tools != nil {
		tools, err := a.tools.Tools(ctx)
		if err != nil {
			a.log.Warn().Err(err).Msg("Could not load tools, answering without them")
		} else if len(tools) > 0 {
			opts = append(opts, llms.WithTools(tools))
		}
	}

	for round := 0; ; round++ {
		resp, err := a.model.GenerateContent(ctx, messages, opts...)
		if err != nil {
			return "", fmt.Errorf("chat error: %w", err)
		}
		if resp == nil || len(resp.Choices) == 0 {
			return "", errors.New("chat error: no response from LLM")
		}
		choice := resp.Choices[0]
		if len(choice.ToolCalls) == 0 {
			return choice.Content, nil
		}
		if round >= a.config.MaxToolRounds {
			return "", ErrToolRounds
		}

		assistant := llms.MessageContent{Role: llms.ChatMessageTypeAI}
		for _, tc := range choice.ToolCalls {
			assistant.Parts = append(assistant.Parts, tc)
		}
		messages = append(messages, assistant)

		for _, tc := range choice.ToolCalls {
			messages = append(messages, a.runTool(ctx, tc))
		}
	}
}

func (a *Agent) runTool(ctx context.Context, tc llms.ToolCall) llms.MessageContent {
	var name, args string
	if tc.FunctionCall != nil {
		name = tc.FunctionCall.Name
		args = tc.FunctionCall.Arguments
	}

	var content string
	if a.tools == nil {
		content = "error: no tools available"
	} else {
		result, err := a.tools.Call(ctx, name, args)
		if err != nil {
			a.log.Warn().Err(err).Str("tool", name).Msg("Tool call failed")
			content = "error: " + err.Error()
		} else {
			a.log.Debug().Str("tool", name).Msg("Tool call succeeded")
			content = result
		}
	}

	return llms.MessageContent{
		Role: llms.ChatMessageTypeTool,
		Parts: []llms.ContentPart{llms.ToolCallResponse{
			ToolCallID: tc.ID,
			Name:       name,
			Content:    content,
		}},
	}
}
