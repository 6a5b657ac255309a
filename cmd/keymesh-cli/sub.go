package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/keymesh-io/keymesh-go/pkg/sample"
	sessionpkg "github.com/keymesh-io/keymesh-go/pkg/session"
)

func newSubCommand() *cobra.Command {
	var (
		keyExpr    string
		bestEffort bool
	)

	cmd := &cobra.Command{
		Use:   "sub",
		Short: "Subscribe to a key expression and print samples",
		Long: `Subscribe to a key expression and print every matching sample until
interrupted. Wildcards are supported: * matches one segment, ** matches
any number of segments.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSub(keyExpr, bestEffort)
		},
	}

	cmd.Flags().StringVar(&keyExpr, "key", "", "Key expression to subscribe to (required)")
	cmd.Flags().BoolVar(&bestEffort, "best-effort", false, "Subscribe with best-effort reliability")
	if err := cmd.MarkFlagRequired("key"); err != nil {
		panic(fmt.Sprintf("Failed to mark key as required: %v", err))
	}

	return cmd
}

func runSub(keyExpr string, bestEffort bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	var opts []sessionpkg.SubscriberOption
	if bestEffort {
		opts = append(opts, sessionpkg.WithSubscriberReliability(sample.BestEffort))
	}

	sub, err := sess.DeclareSubscriber(ctx, keyExpr, opts...)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	fmt.Printf("subscribed to %s, waiting for samples (Ctrl+C to stop)...\n", keyExpr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case s, ok := <-sub.Samples():
			if !ok {
				return nil
			}
			fmt.Println(formatSample(s))
		case <-sigChan:
			fmt.Println("stopping")
			return sub.Undeclare(ctx)
		}
	}
}
