package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Run is the CLI entrypoint used by cmd/concierge.
// It returns an error instead of calling os.Exit to keep defers effective.
func Run() error {
	LoadDotEnv()
	cfg, err := LoadConfigFile(EnvString("CONCIERGE_CONFIG", ""))
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return execute(ctx, cfg, cliEnv{
		in:     os.Stdin,
		out:    os.Stdout,
		askPwd: terminalPassword(os.Stdin, os.Stderr),
	}, os.Args[1:])
}
