package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/locolive/chatsync/internal/config"
	"github.com/locolive/chatsync/internal/domain"
)

var errUsage = errors.New("usage")

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	sandbox := flag.Bool("sandbox", false, "run against an in-process backend seeded with demo data")
	flag.Usage = usage
	flag.Parse()

	os.Exit(realMain(*sandbox, flag.Args()))
}

func realMain(sandbox bool, args []string) int {
	if len(args) == 0 {
		flag.Usage()
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	// The chat view owns the terminal.
	if args[0] == "chat" && cfg.Log.File == "" {
		cfg.Log.File = filepath.Join(os.TempDir(), "chatsync.log")
	}

	logger, err := initLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, sandbox, args); err != nil {
		if errors.Is(err, errUsage) {
			flag.Usage()
			return 2
		}
		logger.Error("command failed", zap.String("command", args[0]), zap.Error(err))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, sandbox bool, args []string) error {
	if sandbox {
		demo, err := startSandbox(ctx, logger.Named("sandbox"))
		if err != nil {
			return fmt.Errorf("failed to start sandbox: %w", err)
		}
		cfg.Server.BaseURL = demo.baseURL
		cfg.Server.SocketURL = config.SocketURLFor(demo.baseURL)

		a, err := newApp(cfg, logger, true)
		if err != nil {
			return err
		}
		defer a.close(ctx)
		if _, err := a.session.SignIn(ctx, demo.email, demo.password); err != nil {
			return fmt.Errorf("sandbox sign-in failed: %w", err)
		}
		return dispatch(ctx, a, args)
	}

	a, err := newApp(cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	switch args[0] {
	case "login":
	default:
		if _, err := a.session.Restore(ctx); err != nil {
			if errors.Is(err, domain.ErrNotAuthenticated) {
				return errors.New("not signed in, run: chatsync login <email> <password>")
			}
			return err
		}
	}
	return dispatch(ctx, a, args)
}

func dispatch(ctx context.Context, a *app, args []string) error {
	switch args[0] {
	case "login":
		if len(args) != 3 {
			return errUsage
		}
		return a.login(ctx, args[1], args[2])
	case "logout":
		return a.logout(ctx)
	case "inbox":
		return a.inbox(ctx)
	case "badge":
		return a.badge(ctx)
	case "chat":
		if len(args) != 2 {
			return errUsage
		}
		return a.chat(ctx, args[1])
	}
	return errUsage
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: chatsync [-sandbox] <command>

Commands:
  login <email> <password>  sign in and store the session
  logout                    sign out and forget the session
  inbox                     list conversations, most recent first
  badge                     print the unread message count
  chat <chatId>             open a conversation

Flags:
`)
	flag.PrintDefaults()
}

func initLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewDevelopmentConfig()
	if cfg.IsProduction() {
		zc = zap.NewProductionConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	zc.Level = level

	if cfg.Log.File != "" {
		zc.OutputPaths = []string{cfg.Log.File}
		zc.ErrorOutputPaths = []string{cfg.Log.File}
	}
	return zc.Build()
}
