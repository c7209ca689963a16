// Package pipeline implements the ordered message pipeline (spec.md 4.2):
// auth -> sanitize -> attachment staging -> identity -> slash commands ->
// typing -> context build -> skill triggers -> session decision ->
// classify-and-route -> provider invocation -> marker processing ->
// persistence -> response delivery -> workspace image delivery. Grounded
// on the teacher's pkg/agent/loop.go stage sequencing, with chunking/
// resource-limit constant shapes borrowed from other_examples'
// haasonsaas-nexus gateway-processing.go.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sipeed/omega/pkg/apperr"
	"github.com/sipeed/omega/pkg/channel"
	gwcontext "github.com/sipeed/omega/pkg/context"
	"github.com/sipeed/omega/pkg/identity"
	"github.com/sipeed/omega/pkg/logger"
	"github.com/sipeed/omega/pkg/markers"
	"github.com/sipeed/omega/pkg/media"
	"github.com/sipeed/omega/pkg/memvec"
	"github.com/sipeed/omega/pkg/provider"
	"github.com/sipeed/omega/pkg/session"
	"github.com/sipeed/omega/pkg/store"
	"github.com/sipeed/omega/pkg/types"
)

const (
	chunkSize          = 4096
	typingRefresh      = 5 * time.Second
	classifyMaxContext = 90 // approx tokens budget for the classify-and-route call
)

// AllowList reports whether sender is permitted on channel.
type AllowList interface {
	Allowed(channel, senderID string) bool
}

// ChannelSender is the subset of channel.Channel the pipeline calls directly.
type ChannelSender interface {
	Send(ctx context.Context, msg types.OutgoingMessage) (channel.Result, error)
	SendTyping(ctx context.Context, target string) error
}

// ChannelResolver looks up a channel by name for marker handlers and tasks
// that may target a channel other than the one currently dispatching.
type ChannelResolver func(name string) (ChannelSender, bool)

// Config holds the pipeline's static configuration.
type Config struct {
	HistoryWindow       int
	CLISessionIdle      time.Duration
	CheapModel          string
	ExpensiveModel      string
	HeartbeatChecklist  string
	SkillLogDir         string
	BugLogPath          string
}

// Pipeline wires every collaborator the spec names: store, marker engine,
// context builder, provider adapter, dispatcher's channel, audit, session map.
type Pipeline struct {
	Cfg        Config
	Store      *store.Store
	Allow      AllowList
	Context    *gwcontext.Builder
	Sessions   *session.Map
	Identity   *identity.Resolver
	Classifier provider.Provider // cheap model, used only for DIRECT/steps verdict
	Cheap      provider.Provider
	Expensive  provider.Provider
	Channels   ChannelResolver
	Workspace  string

	// Vec and Extractor back spec.md 4.4's semantic recall [EXPANSION]; both
	// are optional (nil disables indexing/extraction without disabling the
	// rest of the pipeline).
	Vec       *memvec.Store
	Extractor *memvec.Extractor
}

// Run executes the full pipeline for one message against the channel it
// arrived on. sender is that channel's own Send/SendTyping implementation.
func (p *Pipeline) Run(ctx context.Context, msg types.IncomingMessage, sender ChannelSender) {
	start := time.Now()
	audit := types.AuditEntry{Channel: msg.Channel, SenderID: msg.SenderID, SenderName: msg.SenderName, InputText: msg.Text}

	// Stage 1: Auth.
	if !p.Allow.Allowed(msg.Channel, msg.SenderID) {
		audit.Status = types.AuditDenied
		audit.DenialReason = fmt.Sprintf("%s user %s not in allowed_users", msg.Channel, msg.SenderID)
		p.writeAudit(ctx, audit)
		return
	}

	// Stage 2: Sanitize (lossless for audit; raw text already captured above).
	sanitized := sanitize(msg.Text)

	// Stage 3: Attachment staging.
	stagedPaths, cleanup := p.stageAttachments(msg.Attachments)
	defer cleanup()
	if len(stagedPaths) > 0 {
		var b strings.Builder
		for _, path := range stagedPaths {
			fmt.Fprintf(&b, "[Attached image: %s] ", path)
		}
		sanitized = b.String() + sanitized
	}

	// Stage 4: Identity resolution.
	canonicalID := p.resolveIdentity(ctx, msg)

	// Stage 5: Slash-command dispatch.
	if strings.HasPrefix(strings.TrimSpace(sanitized), "/") {
		if reply, handled := p.handleSlashCommand(ctx, msg, canonicalID, sanitized); handled {
			p.deliver(ctx, sender, msg.ReplyTarget, reply)
			audit.Status = types.AuditOK
			audit.OutputText = reply
			audit.ProcessingMS = time.Since(start).Milliseconds()
			p.writeAudit(ctx, audit)
			return
		}
	}

	// Stage 6: Typing indicator (fire-and-forget refresher tied to this call's lifetime).
	typingCtx, stopTyping := context.WithCancel(ctx)
	defer stopTyping()
	go p.refreshTyping(typingCtx, sender, msg.ReplyTarget)

	project, _ := p.Store.ActiveProject(ctx, canonicalID)
	conv, err := p.Store.OpenOrFetchConversation(ctx, msg.Channel, canonicalID, project)
	if err != nil {
		p.finishError(ctx, audit, start, "friendly error: could not open conversation")
		return
	}

	// Stage 7-9: context build + session decision.
	gwCtx, usedSessionID, err := p.buildContext(ctx, msg, canonicalID, project, sanitized)
	if err != nil {
		p.finishError(ctx, audit, start, "friendly error: could not build context")
		return
	}

	// Stage 10: classify-and-route.
	genStart := time.Now()
	prov, modelForCall, steps := p.classifyAndRoute(ctx, msg, gwCtx, conv.ID)
	_ = modelForCall

	var finalText string
	var lastMeta types.MessageMetadata
	if len(steps) == 0 {
		notifier := provider.NewStatusNotifier(func(notice string) {
			p.deliver(ctx, sender, msg.ReplyTarget, notice)
		})
		out, meta, err := prov.Invoke(ctx, gwCtx)
		notifier.Stop()
		if err != nil {
			p.handleSessionError(msg.Channel, canonicalID, err)
			p.finishError(ctx, audit, start, "friendly error: the assistant is unavailable right now")
			return
		}
		finalText = out.Text
		lastMeta = meta
		if meta.SessionID != "" {
			p.Sessions.Set(msg.Channel, canonicalID, meta.SessionID)
		}
	} else {
		var acc strings.Builder
		stepCtx := gwCtx
		for i, step := range steps {
			stepCtx.UserText = step
			out, meta, err := p.Expensive.Invoke(ctx, stepCtx)
			if err != nil {
				p.handleSessionError(msg.Channel, canonicalID, err)
				p.finishError(ctx, audit, start, "friendly error: the assistant is unavailable right now")
				return
			}
			acc.WriteString(out.Text)
			acc.WriteString("\n")
			lastMeta = meta
			if i < len(steps)-1 {
				p.deliver(ctx, sender, msg.ReplyTarget, fmt.Sprintf("Step %d/%d done.", i+1, len(steps)))
			}
		}
		finalText = acc.String()
	}

	// Stage 12: marker processing.
	cleanedText, directives := markers.Parse(finalText)
	outcome := p.dispatchMarkers(ctx, msg.Channel, canonicalID, conv.ID, project, directives)

	// Stage 13: persistence.
	_ = p.Store.AppendMessage(ctx, conv.ID, "user", sanitized)
	_ = p.Store.AppendMessage(ctx, conv.ID, "assistant", cleanedText)
	p.indexSemanticMemory(ctx, msg.Channel, canonicalID, project, sanitized, cleanedText)
	audit.Status = types.AuditOK
	audit.OutputText = cleanedText
	audit.Provider = lastMeta.Provider
	audit.Model = lastMeta.Model
	audit.ProcessingMS = time.Since(start).Milliseconds()
	p.writeAudit(ctx, audit)

	if outcome.closeConversation {
		_ = p.Store.CloseConversation(ctx, conv.ID, "")
	}
	if outcome.forgetSession {
		p.Sessions.Clear(msg.Channel, canonicalID)
	}

	// Stage 14: response delivery.
	p.deliver(ctx, sender, msg.ReplyTarget, cleanedText)
	if outcome.confirmation != "" {
		p.deliver(ctx, sender, msg.ReplyTarget, outcome.confirmation)
	}

	// Stage 15: workspace image delivery.
	p.deliverWorkspaceImages(ctx, sender, msg.ReplyTarget, genStart)

	_ = usedSessionID
}

// indexSemanticMemory feeds the just-completed exchange into the vector
// store (spec.md 4.4 [EXPANSION]): the turn is indexed synchronously so it's
// searchable by the next message, while fact extraction/consolidation runs
// in the background since it costs an extra model call per exchange.
func (p *Pipeline) indexSemanticMemory(ctx context.Context, channel, senderID, project, userText, assistantText string) {
	if p.Vec == nil {
		return
	}
	p.Vec.IndexConversation(ctx, senderID, channel, userText, assistantText)
	if p.Extractor == nil {
		return
	}
	go p.Extractor.ExtractAndConsolidate(ctx, userText, assistantText, senderID, project)
}

func (p *Pipeline) finishError(ctx context.Context, audit types.AuditEntry, start time.Time, _ string) {
	audit.Status = types.AuditError
	audit.ProcessingMS = time.Since(start).Milliseconds()
	p.writeAudit(ctx, audit)
}

func (p *Pipeline) writeAudit(ctx context.Context, a types.AuditEntry) {
	if err := p.Store.InsertAudit(ctx, a); err != nil {
		logger.WarnCF("pipeline", "failed to write audit entry", map[string]interface{}{"error": err.Error()})
	}
}

func (p *Pipeline) handleSessionError(channel, senderID string, err error) {
	if apperr.Is(err, apperr.KindProvider) {
		p.Sessions.Clear(channel, senderID)
	}
}

// sanitize strips prompt-injection patterns before the text reaches any
// model input. The raw text is preserved separately for audit (lossless).
func sanitize(text string) string {
	replacer := strings.NewReplacer(
		"[SYSTEM]", "",
		"[/SYSTEM]", "",
		"<system>", "",
		"</system>", "",
	)
	out := replacer.Replace(text)
	lines := strings.Split(out, "\n")
	kept := lines[:0]
	for _, l := range lines {
		trimmed := strings.TrimSpace(l)
		if strings.HasPrefix(trimmed, "System:") || strings.HasPrefix(trimmed, "Assistant:") {
			continue
		}
		kept = append(kept, l)
	}
	return strings.Join(kept, "\n")
}

// stageAttachments writes inbound image bytes to the workspace inbox so the
// CLI-subprocess provider can read them directly, rejecting anything
// media.SniffImage won't recognize as a supported, size-bounded image (the
// same limit pkg/media applies to on-disk files, applied here to bytes that
// arrive over a channel rather than from disk).
func (p *Pipeline) stageAttachments(atts []types.Attachment) (paths []string, cleanup func()) {
	var staged []string
	for i, a := range atts {
		if a.Kind != "image" || len(a.Bytes) == 0 {
			continue
		}
		mimeType, ok := media.SniffImage(a.Bytes)
		if !ok {
			logger.WarnCF("pipeline", "rejected attachment: unsupported or oversized image", map[string]interface{}{"index": i, "bytes": len(a.Bytes)})
			continue
		}
		path := filepath.Join(p.Workspace, "inbox", fmt.Sprintf("%d_%d%s", time.Now().UnixNano(), i, media.ExtensionForMIME(mimeType)))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			continue
		}
		if err := os.WriteFile(path, a.Bytes, 0600); err != nil {
			continue
		}
		staged = append(staged, path)
	}
	return staged, func() {
		for _, path := range staged {
			os.Remove(path)
		}
	}
}

func (p *Pipeline) resolveIdentity(ctx context.Context, msg types.IncomingMessage) string {
	facts, err := p.Store.LoadFacts(ctx, msg.SenderID)
	if err == nil {
		if _, welcomed := facts["system.welcomed"]; !welcomed {
			_ = p.Store.UpsertFact(ctx, msg.SenderID, "system.welcomed", "true", "identity")
		}
	}
	if p.Identity == nil {
		return msg.SenderID
	}
	canon, err := p.Identity.ResolveAlias(ctx, msg.Channel, msg.SenderID, msg.SenderName)
	if err != nil {
		return msg.SenderID
	}
	return canon
}

func (p *Pipeline) buildContext(ctx context.Context, msg types.IncomingMessage, canonicalID, project, text string) (types.Context, string, error) {
	req := gwcontext.Request{
		SenderID:    canonicalID,
		Project:     project,
		UserText:    text,
		Attachments: msg.Attachments,
	}

	if sid, ok := p.Sessions.Get(msg.Channel, canonicalID, p.Cfg.CLISessionIdle); ok {
		req.SessionID = sid
		gwCtx, err := p.Context.BuildMinimalUpdate(ctx, req)
		return gwCtx, sid, err
	}

	conv, err := p.Store.OpenOrFetchConversation(ctx, msg.Channel, canonicalID, project)
	if err != nil {
		return types.Context{}, "", err
	}
	history, err := p.Store.RecentHistory(ctx, conv.ID, p.Cfg.HistoryWindow)
	if err != nil {
		return types.Context{}, "", err
	}
	req.History = history
	gwCtx, err := p.Context.Build(ctx, req)
	return gwCtx, "", err
}

// classifyAndRoute issues the cheap classify call (spec.md 4.1 stage 10),
// keeping the payload within an approximate classifyMaxContext token
// budget: active project, the last 3 messages, and available skill names,
// not the full system prompt or history window.
// On "DIRECT" (or ambiguity) it returns the cheap provider for a single
// call; on a numbered step list it returns those steps for sequential
// expensive-model invocation.
func (p *Pipeline) classifyAndRoute(ctx context.Context, msg types.IncomingMessage, gwCtx types.Context, convID int64) (provider.Provider, string, []string) {
	if p.Classifier == nil {
		return p.Cheap, p.Cfg.CheapModel, nil
	}
	compact := types.Context{UserText: p.classifyPrompt(ctx, gwCtx.Project, convID) + msg.Text, Project: gwCtx.Project}
	out, _, err := p.Classifier.Invoke(ctx, compact)
	if err != nil {
		return p.Cheap, p.Cfg.CheapModel, nil
	}
	verdict := strings.TrimSpace(out.Text)
	if verdict == "DIRECT" || verdict == "" {
		return p.Cheap, p.Cfg.CheapModel, nil
	}
	var steps []string
	for _, line := range strings.Split(verdict, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		step := stripStepNumber(line)
		if step == line {
			// Not a numbered step: treat the verdict as ambiguous.
			return p.Cheap, p.Cfg.CheapModel, nil
		}
		steps = append(steps, step)
	}
	if len(steps) == 0 {
		return p.Cheap, p.Cfg.CheapModel, nil
	}
	return p.Expensive, p.Cfg.ExpensiveModel, steps
}

// classifyPrompt renders the compact classify-call payload: active project,
// last 3 messages, and skill names, approximating the ≤90 token budget by
// keeping each message preview short rather than counting tokens exactly.
func (p *Pipeline) classifyPrompt(ctx context.Context, project string, convID int64) string {
	var b strings.Builder
	if project != "" {
		fmt.Fprintf(&b, "Project: %s\n", project)
	}
	if history, err := p.Store.RecentHistory(ctx, convID, 3); err == nil && len(history) > 0 {
		b.WriteString("Recent:\n")
		for _, h := range history {
			fmt.Fprintf(&b, "%s: %s\n", h.Role, truncateRunes(h.Text, 80))
		}
	}
	if len(p.Context.Skills) > 0 {
		names := make([]string, len(p.Context.Skills))
		for i, s := range p.Context.Skills {
			names[i] = s.Name
		}
		fmt.Fprintf(&b, "Skills: %s\n", strings.Join(names, ", "))
	}
	return b.String()
}

func truncateRunes(s string, maxRunes int) string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + "..."
}

func stripStepNumber(line string) string {
	i := strings.IndexAny(line, ".)")
	if i > 0 && i < 4 {
		if _, err := fmt.Sscanf(line[:i], "%d", new(int)); err == nil {
			return strings.TrimSpace(line[i+1:])
		}
	}
	return line
}

func (p *Pipeline) refreshTyping(ctx context.Context, sender ChannelSender, target string) {
	_ = sender.SendTyping(ctx, target)
	ticker := time.NewTicker(typingRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = sender.SendTyping(ctx, target)
		}
	}
}

// deliver splits text at 4096-byte boundaries, preferring the last
// newline within the window, falling back to a hard split. A markdown
// rejection is retried as plain text by the channel itself.
func (p *Pipeline) deliver(ctx context.Context, sender ChannelSender, target, text string) {
	for _, chunk := range chunkText(text, chunkSize) {
		_, err := sender.Send(ctx, types.OutgoingMessage{
			Text: chunk, ParseMode: types.ParseMarkdown, ReplyTarget: target,
		})
		if err != nil {
			logger.WarnCF("pipeline", "delivery failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

func chunkText(text string, size int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	b := []byte(text)
	for len(b) > 0 {
		if len(b) <= size {
			chunks = append(chunks, string(b))
			break
		}
		window := b[:size]
		splitAt := lastIndexByte(window, '\n')
		if splitAt <= 0 {
			splitAt = size
		}
		chunks = append(chunks, string(b[:splitAt]))
		if splitAt < len(b) && b[splitAt] == '\n' {
			splitAt++
		}
		b = b[splitAt:]
	}
	return chunks
}

func lastIndexByte(b []byte, c byte) int {
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] == c {
			return i
		}
	}
	return -1
}

// deliverWorkspaceImages sends only files newly created or modified during
// this call's provider invocation (spec.md 4.1 stage 15), identified by
// comparing each file's mtime against since (captured right before the
// provider was invoked) rather than sending the whole directory.
func (p *Pipeline) deliverWorkspaceImages(ctx context.Context, sender ChannelSender, target string, since time.Time) {
	dir := filepath.Join(p.Workspace, "images")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().Before(since) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	for _, path := range paths {
		_, err := sender.Send(ctx, types.OutgoingMessage{ReplyTarget: target, Attachments: []string{path}})
		if err == nil {
			os.Remove(path)
		}
	}
}
