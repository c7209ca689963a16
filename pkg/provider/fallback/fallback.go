// Package fallback wraps an ordered list of providers, trying each in turn
// until one succeeds. Adapted from the teacher's
// pkg/providers/fallback_provider.go.
package fallback

import (
	"context"
	"fmt"

	"github.com/sipeed/omega/pkg/apperr"
	"github.com/sipeed/omega/pkg/logger"
	"github.com/sipeed/omega/pkg/provider"
	"github.com/sipeed/omega/pkg/types"
)

type Provider struct {
	providers []provider.Provider
}

func New(providers ...provider.Provider) *Provider {
	return &Provider{providers: providers}
}

func (p *Provider) Name() string { return "fallback" }

func (p *Provider) IsAvailable() bool {
	for _, inner := range p.providers {
		if inner.IsAvailable() {
			return true
		}
	}
	return false
}

func (p *Provider) Invoke(ctx context.Context, c types.Context) (types.OutgoingMessage, types.MessageMetadata, error) {
	var lastErr error
	for _, inner := range p.providers {
		if !inner.IsAvailable() {
			continue
		}
		out, meta, err := inner.Invoke(ctx, c)
		if err == nil {
			return out, meta, nil
		}
		logger.WarnCF("provider.fallback", "provider failed, trying next", map[string]interface{}{
			"provider": inner.Name(), "error": err.Error(),
		})
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no provider available")
	}
	return types.OutgoingMessage{}, types.MessageMetadata{}, apperr.Provider("fallback.Invoke", lastErr)
}
