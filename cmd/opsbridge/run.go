package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"opsbridge/internal/adapter/remote"
	"opsbridge/internal/adapter/server"
	"opsbridge/internal/adapter/tool"
	"opsbridge/internal/domain"
	"opsbridge/internal/infra/config"
	"opsbridge/internal/infra/logger"
	"opsbridge/internal/infra/tracer"
	"opsbridge/internal/usecase"
	"opsbridge/internal/usecase/eventbus"
	"opsbridge/internal/usecase/routing"
	"opsbridge/internal/usecase/scheduling"
)

func run() error {
	// 1. Config
	cfgPath := configPath()
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "no config at %s, using defaults and OPSBRIDGE_* env\n", cfgPath)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	log.Info("opsbridge starting", "version", version, "config", cfgPath)

	// 3. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 4. Agent registry & router
	registry := routing.NewRegistry(log)
	for _, a := range cfg.Agents {
		desc := domain.AgentDescriptor{
			ID:           a.ID,
			Name:         a.Name,
			Description:  a.Description,
			Capabilities: a.Capabilities,
			Endpoint:     a.Endpoint,
			Local:        a.Local,
			Metadata:     a.Metadata,
		}
		if err := registry.Register(desc); err != nil {
			return fmt.Errorf("register agent %s: %w", a.ID, err)
		}
		bus.Publish(ctx, domain.Event{Type: domain.EventAgentRegistered, Payload: mustJSON(desc)})
	}

	rules := make([]routing.Rule, 0, len(cfg.Routing.Rules))
	for _, r := range cfg.Routing.Rules {
		rules = append(rules, routing.Rule{Name: r.Name, Keywords: r.Keywords, AgentID: r.AgentID})
	}
	router := routing.NewRuleRouterWithLogger(rules, cfg.Routing.Fallback, log)

	// 5. Tools
	bridge, toolCleanup, err := initTools(ctx, cfg.Tools, log)
	if err != nil {
		return fmt.Errorf("tools: %w", err)
	}
	defer toolCleanup()

	// 6. Reasoner & prompt
	reasoner, err := newReasoner(cfg.Reasoner, log)
	if err != nil {
		return fmt.Errorf("reasoner: %w", err)
	}

	prompt := usecase.NewPromptBuilder(cfg.Executor.SystemPrompt, cfg.Reasoner.Model, cfg.Conversation.MaxHistory, log)
	prompt.SetSampling(cfg.Reasoner.MaxTokens, cfg.Reasoner.Temperature)
	if cfg.Reasoner.TokenBudget > 0 {
		prompt.SetTokenBudget(newTokenCounter(cfg.Reasoner.Model), cfg.Reasoner.TokenBudget)
	}

	// 7. Stores & executor
	conversations := usecase.NewConversationStore(cfg.Conversation.MaxHistory, log)
	tasks := usecase.NewTaskStore(log)

	exec := usecase.NewExecutor(usecase.ExecutorDeps{
		Reasoner:             reasoner,
		Tools:                bridge,
		Prompt:               prompt,
		Conversations:        conversations,
		Locker:               usecase.NewConversationLocker(),
		Logger:               log,
		Bus:                  bus,
		MaxIterations:        cfg.Executor.MaxIterations,
		ReasoningTimeout:     cfg.Executor.ReasoningTimeout,
		ClarificationTimeout: cfg.Executor.ClarificationTimeout,
	})

	// 8. Remote dispatch & dispatcher
	remoteClient := remote.NewClient(cfg.Remote, cfg.Executor.ClarificationTimeout, log)

	dispatcher := usecase.NewDispatcher(usecase.DispatcherDeps{
		Registry:    registry,
		Router:      router,
		Tasks:       tasks,
		Local:       exec,
		Remote:      remoteClient,
		Bus:         bus,
		Logger:      log,
		EventBuffer: cfg.Executor.EventBuffer,
	})

	// 9. Retention sweeps
	scheduler := scheduling.NewScheduler(log)
	scheduler.RegisterAction(scheduling.ActionTaskSweep, func(ctx context.Context) error {
		n := tasks.SweepFinished(cfg.Retention.TaskTTL)
		if n > 0 {
			log.Debug("task sweep", "removed", n)
		}
		return nil
	})
	scheduler.RegisterAction(scheduling.ActionConversationReap, func(ctx context.Context) error {
		n := conversations.ReapIdle(cfg.Conversation.IdleTTL)
		if n > 0 {
			log.Debug("conversation reap", "removed", n)
		}
		return nil
	})
	if err := scheduler.AddTask(scheduling.ScheduledTask{
		Name:     "task-sweep",
		Schedule: cfg.Retention.SweepSchedule,
		Action:   scheduling.ActionTaskSweep,
	}); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := scheduler.AddTask(scheduling.ScheduledTask{
		Name:     "conversation-reap",
		Schedule: cfg.Retention.SweepSchedule,
		Action:   scheduling.ActionConversationReap,
	}); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	// 10. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("scheduler start: %w", err)
	}
	defer scheduler.Stop()

	// 11. mDNS announcement
	if cfg.Server.MDNS {
		announcer := server.NewAnnouncer(log)
		port, perr := addrPort(cfg.Server.Addr)
		if perr != nil {
			log.Warn("mdns disabled: cannot derive port", "addr", cfg.Server.Addr, "error", perr)
		} else {
			go func() {
				if err := announcer.Advertise(ctx, cfg.Host.Name, port, map[string]string{
					"id":           cfg.Host.Name,
					"capabilities": strings.Join(allCapabilities(registry), ","),
				}); err != nil {
					log.Warn("mdns advertise", "error", err)
				}
			}()
		}
	}

	// 12. Serve
	srv := server.NewServer(cfg.Server, cfg.Host, dispatcher, registry, log)
	return srv.Start(ctx)
}

// initTools builds the tool bridge with the configured toolsets and returns
// a cleanup for the ones holding resources.
func initTools(ctx context.Context, cfg config.ToolsConfig, log *slog.Logger) (*tool.Bridge, func(), error) {
	bridge := tool.NewBridge(log)
	var closers []func()
	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.SysMetricsEnabled {
		if err := bridge.RegisterAll(tool.NewSysMetricsToolset(nil, log).Tools()...); err != nil {
			return nil, cleanup, err
		}
	}
	if cfg.SecurityEnabled {
		if err := bridge.RegisterAll(tool.NewSecurityToolset(tool.SecurityConfig{}, log).Tools()...); err != nil {
			return nil, cleanup, err
		}
	}
	if cfg.CostEnabled {
		if err := bridge.RegisterAll(tool.NewCostToolset(nil, tool.DefaultCostRates(), log).Tools()...); err != nil {
			return nil, cleanup, err
		}
	}
	if cfg.ContainerEnabled {
		if err := bridge.RegisterAll(tool.NewContainerToolset(nil, cfg.ContainerHost, log).Tools()...); err != nil {
			return nil, cleanup, err
		}
	}
	if cfg.InventoryEnabled {
		inv, err := tool.NewInventoryToolset(cfg.InventoryDB, log)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, func() { inv.Close() })
		hosts, services := tool.DefaultInventory()
		if err := inv.Seed(ctx, hosts, services); err != nil {
			return nil, cleanup, err
		}
		if err := bridge.RegisterAll(inv.Tools()...); err != nil {
			return nil, cleanup, err
		}
	}

	if cfg.MCPEnabled && len(cfg.MCPServers) > 0 {
		mcp, err := tool.NewMCPToolset(ctx, cfg.MCPServers, log)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, mcp.Close)
		if err := bridge.RegisterAll(mcp.Tools()...); err != nil {
			return nil, cleanup, err
		}
	}

	log.Info("tools registered", "names", bridge.Names())
	return bridge, cleanup, nil
}

// addrPort extracts the port number from a host:port address.
func addrPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("invalid port %q", portStr)
	}
	return port, nil
}

func allCapabilities(registry *routing.Registry) []string {
	seen := make(map[string]struct{})
	var caps []string
	for _, a := range registry.List() {
		for _, c := range a.Capabilities {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			caps = append(caps, c)
		}
	}
	return caps
}
