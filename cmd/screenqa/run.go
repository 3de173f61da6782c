package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/basket/screenqa/internal/bus"
	"github.com/basket/screenqa/internal/config"
	"github.com/basket/screenqa/internal/cron"
	"github.com/basket/screenqa/internal/driver"
	"github.com/basket/screenqa/internal/evaluator"
	"github.com/basket/screenqa/internal/executor"
	"github.com/basket/screenqa/internal/notify"
	"github.com/basket/screenqa/internal/orchestrator"
	otelPkg "github.com/basket/screenqa/internal/otel"
	"github.com/basket/screenqa/internal/persistence"
	"github.com/basket/screenqa/internal/pricing"
	"github.com/basket/screenqa/internal/report"
	"github.com/basket/screenqa/internal/script"
	"github.com/basket/screenqa/internal/shared"
	"github.com/basket/screenqa/internal/telemetry"
	"github.com/basket/screenqa/internal/tui"
)

type runFlags struct {
	scriptPath    string
	testName      string
	grouping      string
	steps         string
	platform      string
	sharedContext bool
	dryRun        bool
	reportPath    string
	useTUI        bool
	cronExpr      string
}

func runRunCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var rf runFlags
	fs.StringVar(&rf.scriptPath, "script", "", "path to the test script (required)")
	fs.StringVar(&rf.testName, "test", "", "run a single test by name")
	fs.StringVar(&rf.grouping, "group", "", "run all tests under one grouping")
	fs.StringVar(&rf.steps, "steps", "", "step range within each test, e.g. 3 or 2-5")
	fs.StringVar(&rf.platform, "platform", "", "override the configured platform (browser, ios, android)")
	fs.BoolVar(&rf.sharedContext, "shared-context", false, "share agent context across the steps of each test")
	fs.BoolVar(&rf.dryRun, "dry-run", false, "print composed prompts without driving the agent")
	fs.StringVar(&rf.reportPath, "report", "", "write an HTML report to this path")
	fs.BoolVar(&rf.useTUI, "tui", false, "show live progress in the terminal")
	fs.StringVar(&rf.cronExpr, "cron", "", "run on a cron schedule instead of once, e.g. \"0 6 * * *\"")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if rf.scriptPath == "" {
		fmt.Fprintln(os.Stderr, "run: -script is required")
		fs.Usage()
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if rf.platform != "" {
		cfg.Platform = rf.platform
	}
	if rf.sharedContext {
		cfg.ContextMode = "shared"
	}
	platform, err := script.ParsePlatform(cfg.Platform)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_PLATFORM", err)
	}

	// Quiet logs (file-only) when the TUI owns the terminal.
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, rf.useTUI)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup", "version", Version, "config", cfg.Fingerprint(),
		"platform", platform, "context_mode", cfg.ContextMode)

	sc, err := loadFilteredScript(rf)
	if err != nil {
		fatalStartup(logger, "E_SCRIPT_LOAD", err)
	}
	logger.Info("script loaded", "script", sc.Name,
		"tests", len(sc.Tests), "steps", sc.StepCount())

	if rf.dryRun {
		printDryRun(sc, platform)
		return 0
	}

	if rf.cronExpr != "" {
		return runScheduled(ctx, &cfg, rf, platform, logger)
	}

	summary, code := executeRun(ctx, &cfg, rf, platform, logger)
	if summary != nil {
		report.WriteConsole(os.Stdout, summary)
		if rf.reportPath != "" {
			if err := report.WriteHTML(summary, report.HTMLConfig{OutputPath: rf.reportPath}); err != nil {
				logger.Error("html report failed", "path", rf.reportPath, "error", err)
			} else {
				logger.Info("html report written", "path", rf.reportPath)
			}
		}
	}
	return code
}

// executeRun wires the full stack and drives one run to completion.
func executeRun(ctx context.Context, cfg *config.Config, rf runFlags, platform script.Platform, logger *slog.Logger) (*orchestrator.Summary, int) {
	// One trace id per execution, so cron fires are distinguishable in the log.
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.WithoutCancel(ctx))

	if cfg.Otel.Enabled {
		metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
		if err != nil {
			fatalStartup(logger, "E_OTEL_METRICS", err)
		}
		recorder := otelPkg.NewRecorder(metrics, eventBus)
		recorder.Start(ctx)
		defer recorder.Stop()
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()

	sc, err := loadFilteredScript(rf)
	if err != nil {
		fatalStartup(logger, "E_SCRIPT_LOAD", err)
	}

	exec, cleanup, err := buildExecutor(ctx, cfg, platform, logger)
	if err != nil {
		fatalStartup(logger, "E_EXECUTOR_INIT", err)
	}
	defer cleanup()

	provider, model, apiKey := cfg.ResolveLLMConfig()
	backend := driver.NewGenkitBackend(ctx, driver.BackendConfig{
		Provider:                 provider,
		Model:                    model,
		APIKey:                   apiKey,
		OpenAICompatibleProvider: cfg.LLM.OpenAICompatibleProvider,
		OpenAICompatibleBaseURL:  cfg.LLM.OpenAICompatibleBaseURL,
	})
	if !backend.Ready() {
		fatalStartup(logger, "E_LLM_KEY",
			fmt.Errorf("no API key for provider %q; set the provider env var", provider))
	}
	agentDriver := driver.New(backend, exec, logger)

	eval, err := buildEvaluator(ctx, cfg, backend, logger)
	if err != nil {
		fatalStartup(logger, "E_EVALUATOR_INIT", err)
	}

	mode := orchestrator.FreshPerStep
	if cfg.ContextMode == "shared" {
		mode = orchestrator.SharedPerTest
	}
	session := orchestrator.NewSession(
		&storeSink{store: store, scriptName: sc.Name, platform: string(platform)},
		"", cfg.PersistMaxRetries, logger)

	orch, err := orchestrator.New(orchestrator.Config{
		Driver:       agentDriver,
		Evaluator:    eval,
		Session:      session,
		Platform:     platform,
		Mode:         mode,
		MaxTurns:     cfg.Driver.MaxTurns,
		SystemSuffix: cfg.Driver.SystemSuffix,
		Resetter:     backend,
		Bus:          eventBus,
		Logger:       logger,
		Tracer:       otelProvider.Tracer,
	})
	if err != nil {
		fatalStartup(logger, "E_ORCHESTRATOR_INIT", err)
	}

	if cfg.Telegram.Enabled && cfg.Telegram.Token != "" {
		notifier := notify.NewTelegramNotifier(cfg.Telegram.Token, cfg.Telegram.ChatID, eventBus, logger)
		if err := notifier.Start(ctx); err != nil {
			logger.Warn("telegram notifier unavailable", "error", err)
		} else {
			defer notifier.Stop()
		}
	}

	tuiDone := make(chan struct{})
	if rf.useTUI {
		go func() {
			defer close(tuiDone)
			if err := tui.Run(ctx, eventBus); err != nil && ctx.Err() == nil {
				logger.Warn("progress view exited", "error", err)
			}
		}()
	} else {
		close(tuiDone)
	}

	summary, err := orch.Run(ctx, sc)
	if err != nil {
		logger.Error("run aborted", "error", err)
		<-tuiDone
		return summary, 1
	}

	select {
	case <-tuiDone:
	case <-time.After(2 * time.Second):
	}

	var inTok, outTok int
	for _, r := range summary.Results {
		inTok += r.InputTokens
		outTok += r.OutputTokens
	}
	logger.Info("llm usage", "model", model,
		"input_tokens", inTok, "output_tokens", outTok,
		"est_cost_usd", fmt.Sprintf("%.4f", pricing.EstimateCost(model, inTok, outTok)))

	if summary.Failed() {
		return summary, 1
	}
	return summary, 0
}

// runScheduled wraps executeRun in a cron loop until interrupted.
func runScheduled(ctx context.Context, cfg *config.Config, rf runFlags, platform script.Platform, logger *slog.Logger) int {
	sched, err := cron.NewScheduler(cron.Config{
		Expr:   rf.cronExpr,
		Logger: logger,
		Run: func(runCtx context.Context) error {
			summary, code := executeRun(runCtx, cfg, rf, platform, logger)
			if summary != nil {
				report.WriteConsole(os.Stdout, summary)
				if rf.reportPath != "" {
					if err := report.WriteHTML(summary, report.HTMLConfig{OutputPath: rf.reportPath}); err != nil {
						logger.Error("html report failed", "path", rf.reportPath, "error", err)
					}
				}
			}
			if code != 0 {
				return fmt.Errorf("run finished with failures")
			}
			return nil
		},
	})
	if err != nil {
		fatalStartup(logger, "E_CRON_PARSE", err)
	}

	sched.Start(ctx)
	<-ctx.Done()
	sched.Stop()
	return 0
}

func loadFilteredScript(rf runFlags) (*script.Script, error) {
	sc, err := script.Load(rf.scriptPath)
	if err != nil {
		return nil, err
	}
	start, end, err := parseSteps(rf.steps)
	if err != nil {
		return nil, err
	}
	if rf.testName == "" && rf.grouping == "" && start == 0 && end == 0 {
		return sc, nil
	}
	return script.Filter{
		TestName:  rf.testName,
		Grouping:  rf.grouping,
		StepStart: start,
		StepEnd:   end,
	}.Apply(sc)
}

// parseSteps reads a 1-based step selection: "3" or "2-5". Empty selects all.
func parseSteps(s string) (start, end int, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, nil
	}
	if lo, hi, found := strings.Cut(s, "-"); found {
		start, err = strconv.Atoi(strings.TrimSpace(lo))
		if err == nil {
			end, err = strconv.Atoi(strings.TrimSpace(hi))
		}
	} else {
		start, err = strconv.Atoi(s)
		end = start
	}
	if err != nil {
		return 0, 0, fmt.Errorf("invalid -steps %q (want N or N-M)", s)
	}
	if start < 1 || end < start {
		return 0, 0, fmt.Errorf("invalid -steps %q (want 1-based range)", s)
	}
	return start, end, nil
}

func buildExecutor(ctx context.Context, cfg *config.Config, platform script.Platform, logger *slog.Logger) (executor.Executor, func(), error) {
	actionTimeout := time.Duration(cfg.Executor.ActionTimeoutSeconds) * time.Second

	if cfg.Executor.Kind == "remote" {
		exec := executor.NewRemoteExecutor(executor.RemoteOptions{
			URL:           cfg.Executor.RemoteURL,
			Platform:      string(platform),
			ActionTimeout: actionTimeout,
			Logger:        logger,
		})
		return exec, func() { _ = exec.Close() }, nil
	}

	devtoolsURL := cfg.Executor.DevtoolsURL
	stopEnv := func() {}
	if cfg.Docker.Enabled {
		env, err := executor.NewBrowserEnv(cfg.Docker.Image, cfg.Docker.DevtoolsPort, logger)
		if err != nil {
			return nil, nil, err
		}
		url, err := env.Start(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("provision browser container: %w", err)
		}
		devtoolsURL = url
		stopEnv = func() {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if err := env.Stop(stopCtx); err != nil {
				logger.Warn("browser container teardown failed", "error", err)
			}
		}
	}

	exec := executor.NewBrowserExecutor(executor.BrowserOptions{
		Headless:      cfg.Executor.Headless,
		DevtoolsURL:   devtoolsURL,
		ActionTimeout: actionTimeout,
		Logger:        logger,
	})
	return exec, func() {
		_ = exec.Close()
		stopEnv()
	}, nil
}

func buildEvaluator(ctx context.Context, cfg *config.Config, backend *driver.GenkitBackend, logger *slog.Logger) (evaluator.Evaluator, error) {
	switch cfg.Evaluator.Mode {
	case "rule":
		return evaluator.NewRuleEvaluator(), nil
	case "wasm":
		return evaluator.NewWASMEvaluator(ctx, cfg.Evaluator.WASMModule, evaluator.WASMConfig{Logger: logger})
	default:
		return evaluator.NewSemanticEvaluator(backend.Genkit(), backend.ModelName(), logger)
	}
}

// printDryRun writes every composed prompt to stdout without touching the
// agent, the executor, or the store.
func printDryRun(sc *script.Script, platform script.Platform) {
	fmt.Printf("%s (%s, dry run)\n", sc.Name, platform)
	for _, tst := range sc.Tests {
		fmt.Printf("\n=== %s ===\n", tst.Name)
		for i, step := range tst.Steps {
			action := step.ActionFor(platform)
			if action == "" {
				fmt.Printf("\n--- step %d: SKIPPED (no action for platform %q) ---\n", i+1, platform)
				continue
			}
			fmt.Printf("\n--- step %d ---\n%s\n", i+1, orchestrator.ComposePrompt(platform, action, step))
		}
	}
}
