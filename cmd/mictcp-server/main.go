// Command mictcp-server runs a single MIC-TCP listener: it accepts one
// connection, prints every payload it receives, and exits when the process
// is interrupted. A connection closed by the peer does not end the receive
// loop: Recv keeps blocking until the interrupt cancels its context.
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
	var listenAddr string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "mictcp-server",
		Short: "Accept one MIC-TCP connection and print what it sends.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				mlog.SetLevel("debug")
			}
			return runServer(listenAddr)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:9000", "UDP address to bind")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

func runServer(listenAddr string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", listenAddr, err)
	}

	engine := mictcp.New(cfg, transport.NewUDP())
	fd, err := engine.Socket(mictcp.ModeServer)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	if err := engine.Bind(fd, transport.FromUDPAddr(udpAddr)); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	defer func() { _ = engine.Close(context.Background(), fd) }()

	mlog.Info("listening on %s", listenAddr)

	remote, err := engine.Accept(ctx, fd)
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	mlog.Info("accepted connection from %v", remote)

	buf := make([]byte, 4096)
	for {
		n, err := engine.Recv(ctx, fd, buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("recv: %w", err)
		}
		fmt.Printf("%s\n", buf[:n])
	}
}
