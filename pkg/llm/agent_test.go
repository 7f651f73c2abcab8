package llm_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/xhad/ragchat/internal/models"
	"github.com/xhad/ragchat/pkg/llm"
)

// scriptedModel replays canned responses and records what it was sent.
type scriptedModel struct {
	responses []*llms.ContentResponse
	err       error
	calls     [][]llms.MessageContent
}

func (m *scriptedModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.calls = append(m.calls, append([]llms.MessageContent(nil), messages...))
	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return &llms.ContentResponse{}, nil
	}
	resp := m.responses[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	return resp, nil
}

func (m *scriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

type fakeToolbox struct {
	listErr error
	results map[string]string
	called  []string
}

func (f *fakeToolbox) Tools(context.Context) ([]llms.Tool, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return []llms.Tool{{Type: "function", Function: &llms.FunctionDefinition{Name: "get_orders"}}}, nil
}

func (f *fakeToolbox) Call(_ context.Context, name, arguments string) (string, error) {
	f.called = append(f.called, name+" "+arguments)
	result, ok := f.results[name]
	if !ok {
		return "", errors.New("unknown tool")
	}
	return result, nil
}

func text(s string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: s}}}
}

func toolCall(id, name, args string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		ToolCalls: []llms.ToolCall{{
			ID:           id,
			Type:         "function",
			FunctionCall: &llms.FunctionCall{Name: name, Arguments: args},
		}},
	}}}
}

func TestRespondWithHistory(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{text("Hello Ann")}}
	agent := llm.NewAgent(model, nil, llm.AgentConfig{SystemPrompt: "be nice"}, zerolog.Nop())

	history := []models.Turn{
		{Kind: models.UserTurn, Text: "my name is Ann"},
		{Kind: models.AssistantTurn, Text: "hi"},
	}
	reply, err := agent.Respond(context.Background(), "who am I?", history)
	require.NoError(t, err)
	assert.Equal(t, "Hello Ann", reply)

	require.Len(t, model.calls, 1)
	sent := model.calls[0]
	require.Len(t, sent, 4)
	assert.Equal(t, llms.ChatMessageTypeSystem, sent[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, sent[1].Role)
	assert.Equal(t, llms.ChatMessageTypeAI, sent[2].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, sent[3].Role)
	assert.Equal(t, llms.TextContent{Text: "who am I?"}, sent[3].Parts[0])
}

func TestRespondRunsTools(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{
		toolCall("call-1", "get_orders", `{"user":1}`),
		text("You have 2 orders"),
	}}
	tools := &fakeToolbox{results: map[string]string{"get_orders": "[1,2]"}}
	agent := llm.NewAgent(model, tools, llm.AgentConfig{}, zerolog.Nop())

	reply, err := agent.Respond(context.Background(), "my orders?", nil)
	require.NoError(t, err)
	assert.Equal(t, "You have 2 orders", reply)
	assert.Equal(t, []string{`get_orders {"user":1}`}, tools.called)

	require.Len(t, model.calls, 2)
	second := model.calls[1]
	last := second[len(second)-1]
	assert.Equal(t, llms.ChatMessageTypeTool, last.Role)
	assert.Equal(t, llms.ToolCallResponse{ToolCallID: "call-1", Name: "get_orders", Content: "[1,2]"}, last.Parts[0])
}

func TestRespondToolFailureIsReported(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{
		toolCall("call-1", "missing", `{}`),
		text("sorry"),
	}}
	agent := llm.NewAgent(model, &fakeToolbox{}, llm.AgentConfig{}, zerolog.Nop())

	reply, err := agent.Respond(context.Background(), "do it", nil)
	require.NoError(t, err)
	assert.Equal(t, "sorry", reply)

	second := model.calls[1]
	resp := second[len(second)-1].Parts[0].(llms.ToolCallResponse)
	assert.Contains(t, resp.Content, "unknown tool")
}

func TestRespondToolRoundLimit(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{toolCall("c", "get_orders", `{}`)}}
	tools := &fakeToolbox{results: map[string]string{"get_orders": "[]"}}
	agent := llm.NewAgent(model, tools, llm.AgentConfig{MaxToolRounds: 2}, zerolog.Nop())

	_, err := agent.Respond(context.Background(), "loop", nil)
	assert.ErrorIs(t, err, llm.ErrToolRounds)
	assert.Len(t, model.calls, 3)
	assert.Len(t, tools.called, 2)
}

func TestRespondWithoutReachableTools(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{text("plain answer")}}
	agent := llm.NewAgent(model, &fakeToolbox{listErr: errors.New("dial tcp: refused")}, llm.AgentConfig{}, zerolog.Nop())

	reply, err := agent.Respond(context.Background(), "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain answer", reply)
}

func TestRespondModelErrors(t *testing.T) {
	agent := llm.NewAgent(&scriptedModel{err: errors.New("boom")}, nil, llm.AgentConfig{}, zerolog.Nop())
	_, err := agent.Respond(context.Background(), "hi", nil)
	assert.ErrorContains(t, err, "boom")

	agent = llm.NewAgent(&scriptedModel{}, nil, llm.AgentConfig{}, zerolog.Nop())
	_, err = agent.Respond(context.Background(), "hi", nil)
	assert.ErrorContains(t, err, "no response")
}
