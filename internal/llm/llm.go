package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/clinsim/ecos/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

const (
	// patientTemperature keeps the simulated patient conversational.
	patientTemperature = 0.7
	// graderTemperature favors deterministic grading output.
	graderTemperature = 0.1
)

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api   *openai.Client
	model string
}

// New creates a new LLM client.
func New(baseURL, apiKey, modelName string) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}
}

// Ping verifies the endpoint is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("LLM endpoint unreachable: %w", err)
	}
	return nil
}

// PatientReply sends the persona preamble and the full ordered conversation
// to the model and returns the simulated patient's next line. The client is
// stateless: the whole history travels on every call.
func (c *Client) PatientReply(ctx context.Context, personaPrompt string, turns []model.Turn) (string, error) {
	chatMsgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: personaPrompt},
	}
	for _, t := range turns {
		role := openai.ChatMessageRoleUser
		if t.Role == model.RolePatient {
			role = openai.ChatMessageRoleAssistant
		}
		chatMsgs = append(chatMsgs, openai.ChatCompletionMessage{
			Role:    role,
			Content: t.Content,
		})
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    chatMsgs,
		Temperature: patientTemperature,
	})
	if err != nil {
		return "", fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("LLM returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Grade sends a grading prompt and returns the model's raw answer. JSON
// output is requested but the endpoint gives no schema guarantee; callers
// must parse defensively.
func (c *Client) Grade(ctx context.Context, prompt string) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: graderTemperature,
	})
	if err != nil {
		return "", fmt.Errorf("LLM grading API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("LLM returned no choices for grading")
	}
	raw := resp.Choices[0].Message.Content
	slog.Debug("grader response", "raw", raw)
	return raw, nil
}
