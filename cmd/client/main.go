package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Tyrowin/hellosock/internal/client"
	"github.com/Tyrowin/hellosock/internal/greeter"
	"github.com/Tyrowin/hellosock/internal/protocol"
)

type options struct {
	url     string
	payload string
	origin  string
	timeout time.Duration
	verbose bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "hellosock-client",
		Short: "Connect to the hello namespace, acknowledge the greeting and send a world event",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cmd, opts)
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVar(&opts.url, "url", "ws://localhost:3000/hello", "namespace URL")
	cmd.Flags().StringVar(&opts.payload, "payload", "foo", "argument sent with the world event")
	cmd.Flags().StringVar(&opts.origin, "origin", "", "Origin header (defaults to the URL host)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "time to wait for the greeting")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "log protocol details")

	return cmd
}

func run(ctx context.Context, cmd *cobra.Command, opts *options) error {
	if ctx == nil {
		ctx = context.Background()
	}

	logger := zap.NewNop()
	if opts.verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		logger = l
	}

	conn, err := client.New(opts.url, client.Options{
		Origin:           opts.origin,
		HandshakeTimeout: opts.timeout,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	greeted := make(chan string, 1)
	conn.On(greeter.EventHello, func(ev *protocol.Event) {
		if err := ev.Ack(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "ack failed: %v\n", err)
		}
		greeted <- fmt.Sprint(ev.Arg(0))
	})

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	if err := conn.Connect(ctx); err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	fmt.Fprintf(cmd.OutOrStdout(), "connected as %s\n", conn.ID())

	select {
	case msg := <-greeted:
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", greeter.EventHello, msg)
	case <-conn.Done():
		return fmt.Errorf("connection closed before greeting: %v", conn.Err())
	case <-ctx.Done():
		return fmt.Errorf("waiting for greeting: %w", ctx.Err())
	}

	if err := conn.Emit(greeter.EventWorld, opts.payload); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent %s: %s\n", greeter.EventWorld, opts.payload)
	return nil
}
