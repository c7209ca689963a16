// Command omega-gatewayd is the gateway daemon: it loads configuration,
// wires every collaborator the core depends on (store, providers,
// channels, dispatcher, background loops, admin surface) and runs until
// signalled to stop. No router/framework is used here either, matching
// the teacher's plain-net/http, plain-flag style.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/philippgille/chromem-go"

	"github.com/sipeed/omega/pkg/admin"
	"github.com/sipeed/omega/pkg/channel"
	"github.com/sipeed/omega/pkg/channel/discord"
	"github.com/sipeed/omega/pkg/channel/telegram"
	"github.com/sipeed/omega/pkg/channel/whatsapp"
	"github.com/sipeed/omega/pkg/config"
	gwcontext "github.com/sipeed/omega/pkg/context"
	"github.com/sipeed/omega/pkg/dispatch"
	"github.com/sipeed/omega/pkg/heartbeat"
	"github.com/sipeed/omega/pkg/identity"
	"github.com/sipeed/omega/pkg/logger"
	"github.com/sipeed/omega/pkg/mcp"
	"github.com/sipeed/omega/pkg/memvec"
	"github.com/sipeed/omega/pkg/metrics"
	"github.com/sipeed/omega/pkg/pipeline"
	"github.com/sipeed/omega/pkg/provider"
	providercli "github.com/sipeed/omega/pkg/provider/cli"
	"github.com/sipeed/omega/pkg/provider/fallback"
	"github.com/sipeed/omega/pkg/provider/httpapi"
	"github.com/sipeed/omega/pkg/scheduler"
	"github.com/sipeed/omega/pkg/session"
	"github.com/sipeed/omega/pkg/specialists"
	"github.com/sipeed/omega/pkg/store"
	"github.com/sipeed/omega/pkg/summarizer"
	"github.com/sipeed/omega/pkg/types"
)

// Version is set at build time via -ldflags "-X main.Version=x.y.z".
var Version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("omega-gatewayd", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the TOML configuration document")
	printVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *printVersion {
		fmt.Println(Version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "omega-gatewayd:", err)
		return 1
	}
	logger.Configure(os.Stderr, true)

	gw, err := wire(cfg)
	if err != nil {
		logger.ErrorCF("main", "failed to wire gateway", err, nil)
		return 1
	}
	defer gw.Store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw.run(ctx)
	return 0
}

// gateway is the single value that owns every long-lived collaborator:
// per spec.md 9's "no ambient singletons" design note, everything a
// background loop or channel ingress goroutine needs is reached through
// this one struct, shared by pointer rather than via package-level state.
type gateway struct {
	Cfg       *config.Config
	Store     *store.Store
	Vec       *memvec.Store
	Sessions  *session.Map
	Dispatch  *dispatch.Dispatcher
	Pipeline  *pipeline.Pipeline
	Channels  *channel.Registry
	MCP       *mcp.Manager
	Specs     *specialists.Loader
	Scheduler *scheduler.Scheduler
	Heartbeat *heartbeat.Heartbeat
	Summ      *summarizer.Summarizer
	Admin     *admin.Server
	WA        *whatsapp.Channel
	Incoming  chan types.IncomingMessage
	started   time.Time
}

func wire(cfg *config.Config) (*gateway, error) {
	st, err := store.Open(cfg.Memory.DBPath, cfg.Memory.MaxConnections)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	vecStore, err := memvec.Open(cfg.Workspace, resolveEmbeddingFunc(cfg))
	if err != nil {
		logger.WarnCF("main", "vector memory unavailable, continuing without semantic recall", map[string]interface{}{"error": err.Error()})
		vecStore = nil
	}

	cheap, expensive, classifier, err := buildProviders(cfg)
	if err != nil {
		return nil, fmt.Errorf("build providers: %w", err)
	}

	resolver := identity.NewResolver(st, identity.DefaultThreshold)

	skills := make([]gwcontext.Skill, 0, len(cfg.Skills))
	for _, s := range cfg.Skills {
		skills = append(skills, gwcontext.Skill{Name: s.Name, Trigger: s.Trigger, McpServer: s.McpServer, SystemNote: s.SystemNote})
	}
	specLoader := specialists.NewLoader(cfg.Workspace)

	builder := &gwcontext.Builder{
		Store:       st,
		Vec:         vecStore,
		Identity:    "You are Omega, a personal AI agent.",
		Soul:        "Be direct, warm, and useful. Default to action over questions when the intent is clear.",
		SystemNote:  "Use SCHEDULE/SCHEDULE_ACTION/REWARD/LESSON markers to record side effects; never mention markers to the user.",
		HistoryN:    cfg.Memory.HistoryWindow,
		Skills:      skills,
		Specialists: specLoader.Catalog(),
	}

	sessions := session.NewMap()
	channels := channel.NewRegistry()
	mcpMgr := mcp.NewManager()
	mcpServers := make([]mcp.ServerConfig, 0, len(cfg.MCP))
	for _, m := range cfg.MCP {
		mcpServers = append(mcpServers, mcp.ServerConfig{Name: m.Name, Command: m.Command, Args: m.Args})
	}
	mcpMgr.StartAll(mcpServers)

	allow := newAllowList(cfg.Channels)

	pl := &pipeline.Pipeline{
		Cfg: pipeline.Config{
			HistoryWindow:      cfg.Memory.HistoryWindow,
			CLISessionIdle:     cfg.CLISessionIdleTimeout,
			HeartbeatChecklist: cfg.Heartbeat.ChecklistPath,
			SkillLogDir:        cfg.SkillLogDir,
			BugLogPath:         cfg.BugLogPath,
		},
		Store:      st,
		Allow:      allow,
		Context:    builder,
		Sessions:   sessions,
		Identity:   resolver,
		Classifier: classifier,
		Cheap:      cheap,
		Expensive:  expensive,
		Channels:   func(name string) (pipeline.ChannelSender, bool) { return channels.Get(name) },
		Workspace:  cfg.Workspace,
		Vec:        vecStore,
		Extractor:  newExtractor(vecStore, cheap),
	}

	disp := dispatch.New(
		func(ctx context.Context, msg types.IncomingMessage) {
			sender, ok := channels.Get(msg.Channel)
			if !ok {
				logger.WarnCF("main", "dropping message for unknown channel", map[string]interface{}{"channel": msg.Channel})
				return
			}
			pl.Run(ctx, msg, sender)
		},
		func(msg types.IncomingMessage) {
			sender, ok := channels.Get(msg.Channel)
			if !ok {
				return
			}
			_, _ = sender.Send(context.Background(), types.OutgoingMessage{
				Text: "Got it, I'll get to this next.", ReplyTarget: msg.ReplyTarget, ParseMode: types.ParsePlain,
			})
		},
	)

	incoming := make(chan types.IncomingMessage, 256)

	for _, cc := range cfg.Channels {
		if !cc.Enabled {
			continue
		}
		c, err := buildChannel(cc)
		if err != nil {
			logger.WarnCF("main", "channel unavailable, skipping", map[string]interface{}{"channel": cc.Name, "error": err.Error()})
			continue
		}
		channels.Register(c)
	}

	var waChannel *whatsapp.Channel
	if c, ok := channels.Get("whatsapp"); ok {
		waChannel = c.(*whatsapp.Channel)
	}

	sched := &scheduler.Scheduler{
		Store:        st,
		PollInterval: cfg.Scheduler.PollInterval,
		RetryCap:     cfg.Scheduler.RetryCap,
		Deliver: func(ctx context.Context, ch, target, text string) error {
			sender, ok := channels.Get(ch)
			if !ok {
				return fmt.Errorf("unknown channel %q", ch)
			}
			_, err := sender.Send(ctx, types.OutgoingMessage{Text: text, ReplyTarget: target, ParseMode: types.ParsePlain})
			return err
		},
		RunAction: func(ctx context.Context, t types.ScheduledTask) error {
			sender, ok := channels.Get(t.Channel)
			if !ok {
				return fmt.Errorf("unknown channel %q", t.Channel)
			}
			pl.Run(ctx, types.IncomingMessage{
				ID: fmt.Sprintf("task-%d", t.ID), Channel: t.Channel, SenderID: t.SenderID,
				Text: t.Description, ReplyTarget: t.ReplyTarget, ReceivedAt: time.Now(),
			}, sender)
			return nil
		},
	}

	hb := &heartbeat.Heartbeat{
		ChecklistPath: cfg.Heartbeat.ChecklistPath,
		Expensive:     expensive,
		Interval:      time.Duration(cfg.Heartbeat.IntervalMinutes) * time.Minute,
		IntervalFunc: func() time.Duration {
			facts, err := st.LoadFacts(context.Background(), "system")
			if err != nil {
				return 0
			}
			var minutes int
			fmt.Sscanf(facts["heartbeat_interval_minutes"], "%d", &minutes)
			return time.Duration(minutes) * time.Minute
		},
		Deliver: func(ctx context.Context, text string) error {
			if cfg.Heartbeat.OwnerChannel == "" {
				return nil
			}
			sender, ok := channels.Get(cfg.Heartbeat.OwnerChannel)
			if !ok {
				return fmt.Errorf("unknown heartbeat owner channel %q", cfg.Heartbeat.OwnerChannel)
			}
			_, err := sender.Send(ctx, types.OutgoingMessage{Text: text, ReplyTarget: cfg.Heartbeat.OwnerTarget, ParseMode: types.ParsePlain})
			return err
		},
		Memory: func(ctx context.Context, domain, content string) error {
			return st.AppendOutcome(ctx, types.Outcome{SenderID: "system", Domain: domain, Signal: types.SignalNeutral, Lesson: content, CreatedAt: time.Now()})
		},
	}

	summ := &summarizer.Summarizer{
		Store:        st,
		Provider:     expensive,
		IdleAfter:    cfg.Summarizer.IdleThreshold,
		PollInterval: cfg.Summarizer.PollInterval,
	}

	mcpNames := make([]string, 0, len(cfg.MCP))
	for _, m := range cfg.MCP {
		mcpNames = append(mcpNames, m.Name)
	}
	adminSrv := admin.New(cfg.Admin.BearerToken, func() admin.Status {
		return admin.Status{
			ActiveDispatch:  len(disp.ActiveKeys()),
			QueuedDispatch:  disp.QueuedCount(),
			McpServers:      mcpNames,
			TokensTrackedBy: "pkg/metrics",
		}
	})
	if waChannel != nil {
		adminSrv.WhatsApp = waChannel
		adminSrv.WhatsAppOut = incoming
	}

	return &gateway{
		Cfg: cfg, Store: st, Vec: vecStore, Sessions: sessions, Dispatch: disp, Pipeline: pl,
		Channels: channels, MCP: mcpMgr, Specs: specLoader, Scheduler: sched, Heartbeat: hb,
		Summ: summ, Admin: adminSrv, WA: waChannel, Incoming: incoming, started: time.Now(),
	}, nil
}

// run starts every background loop and channel ingress goroutine, then
// blocks until ctx is cancelled (SIGINT/SIGTERM), draining in-flight
// dispatcher work before returning (spec.md 4.1's shutdown contract).
func (g *gateway) run(ctx context.Context) {
	incoming := g.Incoming

	for _, name := range []string{"telegram", "discord", "whatsapp"} {
		c, ok := g.Channels.Get(name)
		if !ok {
			continue
		}
		c := c
		go func() {
			if err := c.Start(ctx, incoming); err != nil {
				logger.ErrorCF("main", "channel ingress stopped", err, map[string]interface{}{"channel": c.Name()})
			}
		}()
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-incoming:
				g.Dispatch.Submit(ctx, msg)
			}
		}
	}()

	go g.Scheduler.Run(ctx)
	go g.Heartbeat.Run(ctx)
	go g.Summ.Run(ctx)

	if g.Cfg.Admin.Port > 0 {
		addr := fmt.Sprintf("%s:%d", g.Cfg.Admin.Host, g.Cfg.Admin.Port)
		srv := &http.Server{Addr: addr, Handler: g.Admin.Handler()}
		go func() {
			logger.InfoCF("main", "admin surface listening", map[string]interface{}{"addr": addr})
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.ErrorCF("main", "admin surface stopped", err, nil)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	go g.runSpecialistReviews(ctx)

	<-ctx.Done()
	logger.InfoCF("main", "shutting down, draining in-flight dispatcher work", nil)
	g.Dispatch.Shutdown()
	g.Dispatch.Wait()
}

// runSpecialistReviews runs a daily self-review pass over every loaded
// specialist's recent project-scoped knowledge (spec.md's "own memory
// partition" addition; see DESIGN.md).
func (g *gateway) runSpecialistReviews(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			specialists.ReviewAll(ctx, g.Specs, g.Pipeline.Expensive, g.Vec, g.Cfg.Workspace)
		}
	}
}

// allowList implements pipeline.AllowList from the per-channel allow-lists
// in config; an unconfigured or empty allow-list denies everyone on that
// channel rather than defaulting open.
type allowList struct {
	byChannel map[string]map[string]bool
}

func newAllowList(channels []config.ChannelConfig) *allowList {
	m := make(map[string]map[string]bool, len(channels))
	for _, c := range channels {
		set := make(map[string]bool, len(c.AllowList))
		for _, id := range c.AllowList {
			set[id] = true
		}
		m[c.Name] = set
	}
	return &allowList{byChannel: m}
}

func (a *allowList) Allowed(ch, senderID string) bool {
	set, ok := a.byChannel[ch]
	if !ok {
		return false
	}
	return set[senderID]
}

// buildChannel constructs the configured Channel transport by name, reading
// its bot token from the configured environment variable.
func buildChannel(cc config.ChannelConfig) (channel.Channel, error) {
	switch cc.Name {
	case "telegram":
		return telegram.New(os.Getenv(cc.TokenEnv))
	case "discord":
		return discord.New(os.Getenv(cc.TokenEnv))
	case "whatsapp":
		return whatsapp.New(
			os.Getenv(cc.PhoneNumberIDEnv),
			os.Getenv(cc.AccessTokenEnv),
			os.Getenv(cc.VerifyTokenEnv),
		), nil
	default:
		return nil, fmt.Errorf("unknown channel kind %q", cc.Name)
	}
}

// buildProviders constructs the cheap/expensive/classifier Provider trio
// from every configured backend, in config order, falling back across
// backends on failure (pkg/provider/fallback). The classifier reuses the
// cheap chain: spec.md 4.1 stage 10's classify call needs no tools and no
// system prompt, exactly what the cheap-model chain already provides.
func buildProviders(cfg *config.Config) (cheap, expensive, classifier provider.Provider, err error) {
	if len(cfg.Providers) == 0 {
		return nil, nil, nil, fmt.Errorf("no providers configured")
	}
	tracker := metrics.NewTracker(cfg.Workspace)

	var cheapChain, expensiveChain []provider.Provider
	for _, pc := range cfg.Providers {
		c, e, err := buildProviderPair(pc, cfg.Workspace)
		if err != nil {
			logger.WarnCF("main", "provider unavailable, skipping", map[string]interface{}{"provider": pc.Name, "error": err.Error()})
			continue
		}
		cheapChain = append(cheapChain, &provider.Tracked{Inner: c, Tracker: tracker})
		expensiveChain = append(expensiveChain, &provider.Tracked{Inner: e, Tracker: tracker})
	}
	if len(cheapChain) == 0 {
		return nil, nil, nil, fmt.Errorf("no providers could be constructed")
	}
	cheapP := fallback.New(cheapChain...)
	expensiveP := fallback.New(expensiveChain...)
	return cheapP, expensiveP, cheapP, nil
}

// buildProviderPair constructs the cheap-model and expensive-model
// variants of one configured backend; each Provider respects
// types.Context.ModelOverride but otherwise falls back to its own default
// Model field, so the two variants are separate instances differing only
// in that field.
func buildProviderPair(pc config.ProviderConfig, workspace string) (cheap, expensive provider.Provider, err error) {
	switch pc.Kind {
	case "cli":
		mk := func(model string) *providercli.Provider {
			p := providercli.New("claude", workspace)
			p.Model = model
			if pc.MaxTurns > 0 {
				p.MaxTurns = pc.MaxTurns
			}
			if pc.Timeout > 0 {
				p.Timeout = pc.Timeout
			}
			if pc.ResumeRetries > 0 {
				p.ResumeRetries = pc.ResumeRetries
			}
			return p
		}
		return mk(pc.CheapModel), mk(pc.Model), nil
	case "http_anthropic":
		return httpapi.NewAnthropicProvider(pc.CheapModel, workspace), httpapi.NewAnthropicProvider(pc.Model, workspace), nil
	case "http_openai":
		return httpapi.NewOpenAIProvider(pc.CheapModel, pc.APIKeyEnv, pc.BaseURL), httpapi.NewOpenAIProvider(pc.Model, pc.APIKeyEnv, pc.BaseURL), nil
	case "http_gemini":
		return httpapi.NewGeminiProvider(pc.CheapModel, pc.APIKeyEnv), httpapi.NewGeminiProvider(pc.Model, pc.APIKeyEnv), nil
	default:
		return nil, nil, fmt.Errorf("unknown provider kind %q", pc.Kind)
	}
}

// newExtractor builds the background fact-extraction pipeline (spec.md 4.4
// [EXPANSION]) when a vector store is available; nil otherwise so the
// pipeline's indexing step degrades to a no-op rather than panicking.
func newExtractor(vec *memvec.Store, cheap provider.Provider) *memvec.Extractor {
	if vec == nil {
		return nil
	}
	return &memvec.Extractor{Provider: cheap, Store: vec}
}

// resolveEmbeddingFunc picks an OpenAI-compatible embedding backend from
// whichever http_openai provider is configured, or nil (chromem-go then
// falls back to its own default local embedding function). Grounded on
// the teacher's pkg/agent/loop.go resolveEmbeddingFunc, simplified to this
// gateway's single OpenAI-shaped HTTP provider kind rather than a second
// OpenRouter-specific branch.
func resolveEmbeddingFunc(cfg *config.Config) chromem.EmbeddingFunc {
	for _, pc := range cfg.Providers {
		if pc.Kind != "http_openai" {
			continue
		}
		key := os.Getenv(pc.APIKeyEnv)
		if key == "" {
			continue
		}
		if pc.BaseURL != "" {
			return chromem.NewEmbeddingFuncOpenAICompat(pc.BaseURL, key, "text-embedding-3-small", nil)
		}
		return chromem.NewEmbeddingFuncOpenAI(key, chromem.EmbeddingModelOpenAI("text-embedding-3-small"))
	}
	return nil
}
