// Package httpapi implements the HTTP Provider variants: every call is
// full-context (session_id is ignored, per spec.md 4.5). The Anthropic
// variant is adapted directly from the teacher's
// pkg/providers/claude_provider.go, which called the Anthropic SDK with
// an OAuth Bearer middleware instead of a static API key.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sipeed/omega/pkg/apperr"
	"github.com/sipeed/omega/pkg/auth"
	"github.com/sipeed/omega/pkg/logger"
	"github.com/sipeed/omega/pkg/media"
	"github.com/sipeed/omega/pkg/types"
)

// AnthropicProvider calls the Anthropic Messages API directly, using an
// OAuth credential (shared with the CLI provider) rather than a static key,
// mirroring how the `claude` CLI itself authenticates.
type AnthropicProvider struct {
	Model      string
	MaxTokens  int64
	Workspace  string
	OAuthCfg   auth.OAuthProviderConfig
}

func NewAnthropicProvider(model, workspace string) *AnthropicProvider {
	return &AnthropicProvider{
		Model:     model,
		MaxTokens: 4096,
		Workspace: workspace,
		OAuthCfg:  auth.AnthropicOAuthConfig(),
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic-http" }

func (p *AnthropicProvider) IsAvailable() bool {
	_, err := auth.GetCredential(p.Workspace, "anthropic", p.OAuthCfg)
	return err == nil
}

func (p *AnthropicProvider) Invoke(ctx context.Context, c types.Context) (types.OutgoingMessage, types.MessageMetadata, error) {
	start := time.Now()
	cred, err := auth.GetCredential(p.Workspace, "anthropic", p.OAuthCfg)
	if err != nil {
		return types.OutgoingMessage{}, types.MessageMetadata{}, apperr.Provider("anthropic.Invoke.credential", err)
	}

	httpClient := &http.Client{Transport: &auth.BearerTransport{Cred: cred}}
	client := anthropic.NewClient(option.WithHTTPClient(httpClient))

	model := p.Model
	if c.ModelOverride != "" {
		model = c.ModelOverride
	}

	var messages []anthropic.MessageParam
	for _, h := range c.History {
		if h.Role == "user" {
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(h.Text)))
		} else {
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(h.Text)))
		}
	}
	blocks := []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(c.UserText)}
	for _, a := range c.Attachments {
		if a.Kind != "image" {
			continue
		}
		part, err := media.EncodeImage(a.Bytes, "")
		if err != nil {
			logger.WarnCF("provider.anthropic", "dropping attachment", map[string]interface{}{"error": err.Error()})
			continue
		}
		blocks = append(blocks, anthropic.NewImageBlockBase64(part.MediaType, part.Data))
	}
	messages = append(messages, anthropic.NewUserMessage(blocks...))

	resp, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: p.MaxTokens,
		System:    []anthropic.TextBlockParam{{Text: c.SystemPrompt}},
		Messages:  messages,
	})
	if err != nil {
		return types.OutgoingMessage{}, types.MessageMetadata{}, apperr.Provider("anthropic.Invoke", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return types.OutgoingMessage{Text: text, ParseMode: types.ParseMarkdown},
		types.MessageMetadata{
			Provider:     p.Name(),
			Model:        string(resp.Model),
			ProcessingMS: time.Since(start).Milliseconds(),
		}, nil
}
