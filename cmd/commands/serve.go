package commands

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/taskvault/internal/gateway"
	"github.com/dohr-michael/taskvault/internal/heartbeat"
	"github.com/dohr-michael/taskvault/internal/storage/dirstore"
)

// NewServeCommand returns the serve subcommand.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the diagnostics server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
				Value: "127.0.0.1",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
				Value: 18421,
			},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	s, err := openSession(cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()

	host, port := cmd.String("host"), int(cmd.Int("port"))
	server := gateway.NewServer(s.store, s.bus, host, port)

	ds := dirstore.New(afero.NewOsFs(), s.store.Config().StorageDir)
	hb := heartbeat.NewWriter(ds, net.JoinHostPort(host, strconv.Itoa(port)), heartbeat.DefaultInterval)
	hb.Start()
	defer hb.Stop()

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	// Wait for signal or error
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
