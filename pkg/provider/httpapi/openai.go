// OpenAI-style HTTP provider variant, enrichment from the rest of the
// example pack: openai-go was present but unused in the teacher's go.mod.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/sipeed/omega/pkg/apperr"
	"github.com/sipeed/omega/pkg/logger"
	"github.com/sipeed/omega/pkg/media"
	"github.com/sipeed/omega/pkg/types"
)

// OpenAIProvider calls a Chat Completions-compatible endpoint. BaseURL
// lets this also target OpenAI-compatible gateways (OpenRouter, local
// servers), matching the memory extractor's pattern in the teacher's
// pkg/memory/vectorstore.go of pointing an OpenAI-shaped client at
// alternate base URLs.
type OpenAIProvider struct {
	Model     string
	APIKeyEnv string
	BaseURL   string
}

func NewOpenAIProvider(model, apiKeyEnv, baseURL string) *OpenAIProvider {
	return &OpenAIProvider{Model: model, APIKeyEnv: apiKeyEnv, BaseURL: baseURL}
}

func (p *OpenAIProvider) Name() string { return "openai-http" }

func (p *OpenAIProvider) IsAvailable() bool {
	return os.Getenv(p.APIKeyEnv) != ""
}

func (p *OpenAIProvider) client() openai.Client {
	opts := []option.RequestOption{option.WithAPIKey(os.Getenv(p.APIKeyEnv))}
	if p.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(p.BaseURL))
	}
	return openai.NewClient(opts...)
}

func (p *OpenAIProvider) Invoke(ctx context.Context, c types.Context) (types.OutgoingMessage, types.MessageMetadata, error) {
	start := time.Now()
	client := p.client()

	model := p.Model
	if c.ModelOverride != "" {
		model = c.ModelOverride
	}

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(c.SystemPrompt),
	}
	for _, h := range c.History {
		if h.Role == "user" {
			messages = append(messages, openai.UserMessage(h.Text))
		} else {
			messages = append(messages, openai.AssistantMessage(h.Text))
		}
	}
	userParts := []openai.ChatCompletionContentPartUnionParam{openai.TextContentPart(c.UserText)}
	for _, a := range c.Attachments {
		if a.Kind != "image" {
			continue
		}
		part, err := media.EncodeImage(a.Bytes, "")
		if err != nil {
			logger.WarnCF("provider.openai", "dropping attachment", map[string]interface{}{"error": err.Error()})
			continue
		}
		dataURL := fmt.Sprintf("data:%s;base64,%s", part.MediaType, part.Data)
		userParts = append(userParts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}))
	}
	messages = append(messages, openai.UserMessage(userParts))

	resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    model,
		Messages: messages,
	})
	if err != nil {
		return types.OutgoingMessage{}, types.MessageMetadata{}, apperr.Provider("openai.Invoke", err)
	}
	if len(resp.Choices) == 0 {
		return types.OutgoingMessage{}, types.MessageMetadata{}, apperr.Provider("openai.Invoke", errors.New("no choices returned"))
	}

	return types.OutgoingMessage{Text: resp.Choices[0].Message.Content, ParseMode: types.ParseMarkdown},
		types.MessageMetadata{
			Provider:     p.Name(),
			Model:        resp.Model,
			ProcessingMS: time.Since(start).Milliseconds(),
		}, nil
}
