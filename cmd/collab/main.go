package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/docopt/docopt-go"
	"go.uber.org/zap"

	"github.com/vadymcap/Vasc/internal/client"
	"github.com/vadymcap/Vasc/internal/config"
	"github.com/vadymcap/Vasc/internal/host"
	"github.com/vadymcap/Vasc/internal/logging"
)

const usage = `vasc collab, host-authoritative project mirroring.

Usage:
  collab host --project=<dir> [--bind=<addr>] [--port=<port>] [--token=<token>]
  collab join <host> --dir=<dir> [--token=<token>] [--name=<name>] [--no-backup]
  collab --help
  collab --version

Options:
  --project=<dir>   Project directory to serve.
  --bind=<addr>     Address to listen on [default: 0.0.0.0].
  --port=<port>     Port to listen on [default: 8080].
  --dir=<dir>       Local directory to mirror the project into.
  --token=<token>   Shared session token. Empty runs/joins an open session.
  --name=<name>     Client name shown in the host's session list.
  --no-backup       Skip the safety copy before the first mirror sync.
  -h --help         Show this help.
  --version         Show version.
`

const version = "1.2.0"

type cliArgs struct {
	Host     bool   `docopt:"host"`
	Join     bool   `docopt:"join"`
	HostAddr string `docopt:"<host>"`
	Project  string `docopt:"--project"`
	Bind     string `docopt:"--bind"`
	Port     int    `docopt:"--port"`
	Dir      string `docopt:"--dir"`
	Token    string `docopt:"--token"`
	Name     string `docopt:"--name"`
	NoBackup bool   `docopt:"--no-backup"`
}

func main() {
	parsed, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	var args cliArgs
	if err := parsed.Bind(&args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch {
	case args.Host:
		err = runHost(ctx, args, cfg, logger)
	case args.Join:
		err = runJoin(ctx, args, cfg, logger)
	}
	if err != nil && err != context.Canceled {
		logger.Fatal("exiting", zap.Error(err))
	}
}

func runHost(ctx context.Context, args cliArgs, cfg *config.Config, logger *zap.Logger) error {
	project, err := resolveDir(args.Project)
	if err != nil {
		return err
	}

	h, err := host.New(host.Options{
		ProjectDir: project,
		Bind:       args.Bind,
		Port:       args.Port,
		Token:      args.Token,
	}, cfg, logger)
	if err != nil {
		return err
	}
	return h.Run(ctx)
}

func runJoin(ctx context.Context, args cliArgs, cfg *config.Config, logger *zap.Logger) error {
	dir, err := resolveDir(args.Dir)
	if err != nil {
		return err
	}

	c := client.New(client.Options{
		HostAddr:   args.HostAddr,
		Dir:        dir,
		Token:      args.Token,
		ClientName: args.Name,
		NoBackup:   args.NoBackup,
	}, cfg, logger)
	return c.Run(ctx)
}

func resolveDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("directory %s: %w", abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", abs)
	}
	return abs, nil
}
