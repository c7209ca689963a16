// Package cli implements the CLI subprocess Provider variant: it shells
// out to the `claude` binary, handles the --resume auto-resume loop on
// error_max_turns, and wraps the command in the caller-supplied sandbox
// launcher. Grounded on spec.md 4.5's exact subprocess contract; the
// credential-sourcing half is adapted from
// pkg/providers/claude_provider.go's OAuth Bearer middleware via pkg/auth.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/sipeed/omega/pkg/apperr"
	"github.com/sipeed/omega/pkg/auth"
	"github.com/sipeed/omega/pkg/logger"
	"github.com/sipeed/omega/pkg/types"
)

// SandboxLauncher wraps a constructed command line in an OS-level sandbox
// (Seatbelt/Landlock). Specified here only as the interface the core
// consumes — concrete construction is out of scope (spec.md 1).
type SandboxLauncher func(ctx context.Context, argv []string, env []string) *exec.Cmd

func passthroughLauncher(ctx context.Context, argv []string, env []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = env
	return cmd
}

type cliResult struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	Result    string `json:"result"`
	IsError   bool   `json:"is_error"`
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
	NumTurns  int    `json:"num_turns"`
}

// Provider is the CLI subprocess variant.
type Provider struct {
	Binary        string
	Model         string
	CheapModel    string
	MaxTurns      int
	Timeout       time.Duration
	ResumeRetries int
	Workspace     string
	Sandbox       SandboxLauncher
	Credential    func() (*auth.AuthCredential, error)
}

func New(binary string, workspace string) *Provider {
	return &Provider{
		Binary:        binary,
		MaxTurns:      30,
		Timeout:       3600 * time.Second,
		ResumeRetries: 5,
		Workspace:     workspace,
		Sandbox:       passthroughLauncher,
	}
}

func (p *Provider) Name() string { return "claude-cli" }

func (p *Provider) IsAvailable() bool {
	_, err := exec.LookPath(p.Binary)
	return err == nil
}

// Invoke runs the subprocess once, auto-resuming on error_max_turns up to
// ResumeRetries times with exponential backoff (2,4,8,16,32s).
func (p *Provider) Invoke(ctx context.Context, c types.Context) (types.OutgoingMessage, types.MessageMetadata, error) {
	start := time.Now()
	settingsPath, cleanup, err := p.writeMCPSettings(c)
	if err != nil {
		return types.OutgoingMessage{}, types.MessageMetadata{}, apperr.Sandbox("cli.Invoke.mcp_settings", err)
	}
	defer cleanup()

	model := p.Model
	if c.ModelOverride != "" {
		model = c.ModelOverride
	}

	var accumulated string
	sessionID := c.SessionID
	prompt := flattenPrompt(c)

	backoffs := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second}
	attempt := 0
	for {
		res, err := p.invokeOnce(ctx, prompt, model, sessionID, settingsPath)
		if err != nil {
			return types.OutgoingMessage{}, types.MessageMetadata{}, apperr.Provider("cli.Invoke", err)
		}
		accumulated += res.Result
		sessionID = res.SessionID

		if res.Subtype == "error_max_turns" && res.SessionID != "" && attempt < p.ResumeRetries {
			wait := backoffs[len(backoffs)-1]
			if attempt < len(backoffs) {
				wait = backoffs[attempt]
			}
			logger.WarnCF("provider.cli", "auto-resuming after max-turns", map[string]interface{}{
				"attempt": attempt + 1, "session_id": sessionID,
			})
			select {
			case <-ctx.Done():
				return types.OutgoingMessage{}, types.MessageMetadata{}, apperr.Provider("cli.Invoke.resume", ctx.Err())
			case <-time.After(wait):
			}
			attempt++
			prompt = "Please continue."
			continue
		}

		out := types.OutgoingMessage{
			Text:      accumulated,
			ParseMode: types.ParseMarkdown,
		}
		meta := types.MessageMetadata{
			Provider:     p.Name(),
			Model:        res.Model,
			ProcessingMS: time.Since(start).Milliseconds(),
			SessionID:    res.SessionID,
			Turns:        res.NumTurns,
		}
		if res.IsError && res.Subtype != "error_max_turns" {
			return out, meta, apperr.Provider("cli.Invoke", fmt.Errorf("claude cli returned error: %s", res.Result))
		}
		return out, meta, nil
	}
}

func (p *Provider) invokeOnce(ctx context.Context, prompt, model, sessionID, settingsPath string) (*cliResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	argv := []string{p.Binary, "-p", prompt, "--output-format", "json", "--max-turns", fmt.Sprintf("%d", p.MaxTurns)}
	if model != "" {
		argv = append(argv, "--model", model)
	}
	if sessionID != "" {
		argv = append(argv, "--resume", sessionID)
	}
	argv = append(argv, "--dangerously-skip-permissions")
	if settingsPath != "" {
		argv = append(argv, "--mcp-config", settingsPath)
	}

	env := filteredEnv()
	if p.Credential != nil {
		cred, err := p.Credential()
		if err == nil && cred != nil {
			env = append(env, "ANTHROPIC_AUTH_TOKEN="+cred.AccessToken)
		}
	}

	cmd := p.Sandbox(callCtx, argv, env)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if callCtx.Err() != nil {
			return nil, fmt.Errorf("claude cli timed out after %s", p.Timeout)
		}
		return nil, fmt.Errorf("claude cli exited non-zero: %w (stderr: %s)", err, stderr.String())
	}

	var res cliResult
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		logger.WarnCF("provider.cli", "malformed JSON from claude cli, falling back to raw stdout", map[string]interface{}{"error": err.Error()})
		return &cliResult{Type: "result", Result: stdout.String()}, nil
	}
	return &res, nil
}

// filteredEnv returns the parent environment with CLAUDECODE removed so the
// subprocess doesn't refuse to start inside what looks like a nested session.
func filteredEnv() []string {
	var out []string
	for _, kv := range os.Environ() {
		if len(kv) >= 11 && kv[:11] == "CLAUDECODE=" {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func flattenPrompt(c types.Context) string {
	var b bytes.Buffer
	if c.SystemPrompt != "" {
		b.WriteString(c.SystemPrompt)
		b.WriteString("\n\n")
	}
	for _, h := range c.History {
		fmt.Fprintf(&b, "%s: %s\n", h.Role, h.Text)
	}
	b.WriteString(c.UserText)
	return b.String()
}

// mcpSettingsFile is the well-known workspace-relative path written when
// Context.McpServers is non-empty, guaranteed-deleted on every exit path.
const mcpSettingsFile = "mcp_settings.json"

func (p *Provider) writeMCPSettings(c types.Context) (path string, cleanup func(), err error) {
	if len(c.McpServers) == 0 {
		return "", func() {}, nil
	}
	servers := map[string]interface{}{}
	for _, s := range c.McpServers {
		servers[s.Name] = map[string]interface{}{}
	}
	doc := map[string]interface{}{"mcpServers": servers}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", nil, err
	}
	path = filepath.Join(p.Workspace, mcpSettingsFile)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", nil, err
	}
	return path, func() { os.Remove(path) }, nil
}
