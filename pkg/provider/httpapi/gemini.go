// Gemini-style HTTP provider variant, grounded on intelligencedev-manifold's
// use of google.golang.org/genai.
package httpapi

import (
	"context"
	"os"
	"time"

	"google.golang.org/genai"

	"github.com/sipeed/omega/pkg/apperr"
	"github.com/sipeed/omega/pkg/logger"
	"github.com/sipeed/omega/pkg/media"
	"github.com/sipeed/omega/pkg/types"
)

type GeminiProvider struct {
	Model     string
	APIKeyEnv string
}

func NewGeminiProvider(model, apiKeyEnv string) *GeminiProvider {
	return &GeminiProvider{Model: model, APIKeyEnv: apiKeyEnv}
}

func (p *GeminiProvider) Name() string { return "gemini-http" }

func (p *GeminiProvider) IsAvailable() bool {
	return os.Getenv(p.APIKeyEnv) != ""
}

func (p *GeminiProvider) Invoke(ctx context.Context, c types.Context) (types.OutgoingMessage, types.MessageMetadata, error) {
	start := time.Now()

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  os.Getenv(p.APIKeyEnv),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return types.OutgoingMessage{}, types.MessageMetadata{}, apperr.Provider("gemini.Invoke.client", err)
	}

	model := p.Model
	if c.ModelOverride != "" {
		model = c.ModelOverride
	}

	var contents []*genai.Content
	for _, h := range c.History {
		role := genai.RoleUser
		if h.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(h.Text, role))
	}
	parts := []*genai.Part{genai.NewPartFromText(c.UserText)}
	for _, a := range c.Attachments {
		if a.Kind != "image" {
			continue
		}
		mimeType, ok := media.SniffImage(a.Bytes)
		if !ok {
			logger.WarnCF("provider.gemini", "dropping attachment", map[string]interface{}{"bytes": len(a.Bytes)})
			continue
		}
		parts = append(parts, genai.NewPartFromBytes(a.Bytes, mimeType))
	}
	contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))

	cfg := &genai.GenerateContentConfig{}
	if c.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(c.SystemPrompt, genai.RoleUser)
	}

	resp, err := client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return types.OutgoingMessage{}, types.MessageMetadata{}, apperr.Provider("gemini.Invoke", err)
	}

	return types.OutgoingMessage{Text: resp.Text(), ParseMode: types.ParseMarkdown},
		types.MessageMetadata{
			Provider:     p.Name(),
			Model:        model,
			ProcessingMS: time.Since(start).Milliseconds(),
		}, nil
}
