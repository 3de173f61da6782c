package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SUBCOMMANDS:
  %s run -script <file>       Execute a test script
                              Flags: -test, -group, -steps, -platform,
                              -shared-context, -dry-run, -report, -tui, -cron
  %s validate <file>          Validate a script without running it
  %s watch <file> [...]       Re-validate scripts as they change on disk
  %s results [-run <id>]      Show stored run results
                              Flags: -limit, -json, -report
  %s doctor [-json]           Run diagnostic checks
  %s version                  Print the version

ENVIRONMENT VARIABLES:
  SCREENQA_HOME           Data directory (default: ~/.screenqa)
  GEMINI_API_KEY          Required for the google provider
  ANTHROPIC_API_KEY       Required for the anthropic provider
  OPENAI_API_KEY          Required for the openai provider
  TELEGRAM_TOKEN          Enables Telegram run notifications

EXAMPLES:
  Run a script:           %s run -script regression.yaml
  One test only:          %s run -script regression.yaml -test "Login"
  Nightly schedule:       %s run -script regression.yaml -cron "0 6 * * *"
  Inspect the last run:   %s results
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0],
		os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
	case "run":
		os.Exit(runRunCommand(ctx, args[1:]))
	case "validate":
		os.Exit(runValidateCommand(args[1:]))
	case "watch":
		os.Exit(runWatchCommand(ctx, args[1:]))
	case "results":
		os.Exit(runResultsCommand(ctx, args[1:]))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args[1:]))
	case "version":
		fmt.Println(Version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runner","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
