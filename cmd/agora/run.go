package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ShayCichocki/agora/internal/agent"
	"github.com/ShayCichocki/agora/internal/bridge"
	"github.com/ShayCichocki/agora/internal/config"
	"github.com/ShayCichocki/agora/internal/dedup"
	"github.com/ShayCichocki/agora/internal/llm"
	"github.com/ShayCichocki/agora/internal/llm/anthropic"
	"github.com/ShayCichocki/agora/internal/logging"
	"github.com/ShayCichocki/agora/internal/network"
	"github.com/ShayCichocki/agora/internal/orchestrator"
	"github.com/ShayCichocki/agora/internal/project"
	"github.com/ShayCichocki/agora/internal/prompt"
	"github.com/ShayCichocki/agora/internal/registry"
	"github.com/ShayCichocki/agora/internal/router"
	"github.com/ShayCichocki/agora/internal/state"
	"github.com/ShayCichocki/agora/pkg/models"
)

var (
	runOffline         bool
	runQuiet           bool
	runNoWatch         bool
	runStatusInterval  time.Duration
	runShutdownTimeout time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the project's agents",
	Long: `Connect to the project's relays and answer conversations until interrupted.

Agents are loaded from .agora/agents.json. Each incoming thread or reply is
routed to the agents it mentions, or to the conversation's active speakers,
or to the default agent. Press Ctrl+C to stop; in-flight turns are drained
before exit.

Examples:
  agora run                      # Use relays from project.json or config
  agora run --log-level debug    # Verbose console logging
  agora run --offline            # In-process relay, for trying prompts locally`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runOffline, "offline", false, "Use an in-process relay instead of the network")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Do not print the activity stream")
	runCmd.Flags().BoolVar(&runNoWatch, "no-watch", false, "Do not reload agent definitions when their files change")
	runCmd.Flags().DurationVar(&runStatusInterval, "status-interval", 30*time.Second, "How often to publish project status (0 = only at start)")
	runCmd.Flags().DurationVar(&runShutdownTimeout, "shutdown-timeout", 30*time.Second, "How long to wait for in-flight turns on exit")
}

func runRun(cmd *cobra.Command, args []string) error {
	root, err := projectRoot()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}

	log, err := newLogger(root, cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	paths := project.NewPaths(root)
	meta, err := project.LoadMetadata(paths.ProjectFile())
	if err != nil {
		return err
	}

	ctx, work, stop := runContexts(context.Background())
	defer stop()

	net, closeNet, err := openNetwork(work, cfg, meta, log.Logger)
	if err != nil {
		return err
	}
	defer closeNet()

	dir, err := project.LoadAgentDirectory(paths.AgentsFile())
	if err != nil {
		return err
	}
	reg := registry.New(dir, paths.DefinitionsDir(), registry.WithLogger(log.Logger))
	if err := reg.LoadAll(); err != nil {
		log.Warn("some agents failed to load", zap.Error(err))
	}
	if _, err := reg.GetAgent(registry.DefaultAgentName); err != nil {
		return fmt.Errorf("default agent: %w", err)
	}

	db, err := state.OpenMigrated(paths.StateDB())
	if err != nil {
		return err
	}
	defer db.Close()

	store := dedup.New(dedup.Options{
		Path:         paths.ProcessedEventsFile(),
		MaxSize:      cfg.Dedup.MaxSize,
		SaveInterval: cfg.Dedup.SaveInterval,
		Logger:       log.Logger,
	})
	store.Load()
	defer store.Close()

	settings, err := llm.LoadSettings(paths.LLMsFile())
	if err != nil {
		return err
	}
	resolver := llm.NewResolver(settings, map[string]llm.Factory{
		anthropic.ProviderName: anthropic.Factory(work, cfg),
	})

	var counter prompt.Counter = prompt.ApproxCounter
	if tc, err := prompt.NewTiktokenCounter(cfg.Prompt.Encoding); err != nil {
		log.Warn("tokenizer unavailable, estimating prompt size", zap.String("encoding", cfg.Prompt.Encoding), zap.Error(err))
	} else {
		counter = tc
	}

	// Events we publish ourselves come back from the relays; mark them first.
	markOwn := func(ev *models.Event) { store.Add(ev.ID) }

	if _, err := exec.LookPath(cfg.Bridge.Binary); err != nil {
		printStatus("⚠", fmt.Sprintf("%s not found; claude_code calls will fail (install with: %s)", cfg.Bridge.Binary, bridge.InstallHint), color.FgYellow)
	}
	tool := bridge.New(net, bridge.Options{
		Binary:       cfg.Bridge.Binary,
		AllowedTools: cfg.Bridge.AllowedTools,
		Model:        cfg.Bridge.Model,
		Timeout:      cfg.Bridge.Timeout,
		Policy:       bridge.ShutdownPolicy(cfg.Bridge.ShutdownPolicy),
		Tasks:        db,
		Logger:       log.Logger,
		OnPublish:    markOwn,
	})

	runner := agent.NewRunner(net, agent.Options{
		Providers:     resolver,
		Prompts:       prompt.NewBuilder(counter, cfg.Prompt.MaxTokens, cfg.Prompt.Reserve),
		Code:          tool,
		WorkDir:       root,
		MaxToolRounds: cfg.Orchestrator.MaxToolRounds,
		Logger:        log.Logger,
		OnPublish:     markOwn,
	})

	ocfg := orchestrator.DefaultConfig()
	ocfg.MaxConcurrent = cfg.Orchestrator.MaxConcurrent
	ocfg.MaxFollowups = cfg.Orchestrator.MaxFollowups
	ocfg.LaneBuffer = cfg.Orchestrator.LaneBuffer
	ocfg.Backfill = cfg.Intake.Backfill
	ocfg.StatusInterval = runStatusInterval
	ocfg.WatchDefinitions = !runNoWatch

	coord, err := orchestrator.New(orchestrator.Deps{
		Network:  net,
		Registry: reg,
		Router:   router.New(db, reg, router.WithLogger(log.Logger)),
		Turns:    runner,
		Dedup:    store,
		Project:  meta,
	}, ocfg,
		orchestrator.WithLogger(log.Logger),
		orchestrator.WithShutdown(tool),
	)
	if err != nil {
		return err
	}

	if err := coord.Start(work); err != nil {
		return err
	}
	printBanner(meta, reg, net)

	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		for a := range coord.Activity() {
			if !runQuiet {
				fmt.Println(renderActivity(a))
			}
		}
	}()

	<-ctx.Done()
	fmt.Println()
	printStatus("•", "Shutting down, draining in-flight turns...", color.FgCyan)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), runShutdownTimeout)
	defer cancel()
	err = coord.Stop(shutdownCtx)
	<-rendered
	if err != nil && !errors.Is(err, context.Canceled) {
		printStatus("✗", err.Error(), color.FgRed)
		return err
	}
	printStatus("✓", "Stopped", color.FgGreen)
	return nil
}

// runContexts returns a context ended by SIGINT or SIGTERM and a work
// context that outlives it. Relays, providers and the coordinator run on
// work so in-flight turns can drain; Stop cancels them on its timeout.
func runContexts(parent context.Context) (signalled, work context.Context, stop context.CancelFunc) {
	signalled, stop = signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	return signalled, context.WithoutCancel(signalled), stop
}

func newLogger(root string, cfg *config.Config) (*logging.Logger, error) {
	if cfg.Log.DebugFile {
		return logging.ForProject(root, cfg.Log.Level), nil
	}
	return logging.New(logging.Options{Level: cfg.Log.Level, Console: true})
}

// openNetwork connects to the project's relays, or an in-process relay
// when --offline is set.
func openNetwork(ctx context.Context, cfg *config.Config, meta *project.Metadata, logger *zap.Logger) (network.Network, func(), error) {
	if runOffline {
		return network.NewMemoryRelay("offline"), func() {}, nil
	}
	relays := cfg.Relays
	if len(meta.Relays) > 0 {
		relays = meta.Relays
	}
	pool, err := network.NewRelayPool(ctx, relays, logger)
	if err != nil {
		return nil, nil, err
	}
	return pool, pool.Close, nil
}
