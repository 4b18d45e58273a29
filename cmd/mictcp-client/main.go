// Command mictcp-client connects to a MIC-TCP listener, sends one message,
// and exits.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mictcp"
	"mictcp/internal/config"
	"mictcp/internal/mlog"
	"mictcp/pkg/transport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var serverAddr string
	var message string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "mictcp-client",
		Short: "Connect to a MIC-TCP listener and send one message.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				mlog.SetLevel("debug")
			}
			return runClient(serverAddr, message)
		},
	}

	cmd.Flags().StringVar(&serverAddr, "server", "127.0.0.1:9000", "UDP address of the MIC-TCP server")
	cmd.Flags().StringVar(&message, "message", "hello", "payload to send")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

func runClient(serverAddr, message string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", serverAddr, err)
	}

	engine := mictcp.New(cfg, transport.NewUDP())
	fd, err := engine.Socket(mictcp.ModeClient)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}

	if err := engine.Connect(ctx, fd, transport.FromUDPAddr(udpAddr)); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	mlog.Info("connected to %s", serverAddr)

	if _, err := engine.Send(ctx, fd, []byte(message)); err != nil {
		_ = engine.Close(ctx, fd)
		return fmt.Errorf("send: %w", err)
	}

	return engine.Close(ctx, fd)
}
