package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keymesh-io/keymesh-go/pkg/sample"
	sessionpkg "github.com/keymesh-io/keymesh-go/pkg/session"
)

func newPubCommand() *cobra.Command {
	var (
		key        string
		value      string
		attach     []string
		delete     bool
		bestEffort bool
		block      bool
	)

	cmd := &cobra.Command{
		Use:   "pub",
		Short: "Publish a sample on a key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPub(key, value, attach, delete, bestEffort, block)
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "Concrete key to publish on (required)")
	cmd.Flags().StringVar(&value, "value", "", "Payload to publish")
	cmd.Flags().StringArrayVar(&attach, "attach", nil, "Attachment pair as key=value (repeatable)")
	cmd.Flags().BoolVar(&delete, "delete", false, "Publish a deletion instead of a value")
	cmd.Flags().BoolVar(&bestEffort, "best-effort", false, "Publish with best-effort reliability")
	cmd.Flags().BoolVar(&block, "block", false, "Block instead of dropping when the outbound path is congested")
	if err := cmd.MarkFlagRequired("key"); err != nil {
		panic(fmt.Sprintf("Failed to mark key as required: %v", err))
	}

	return cmd
}

func runPub(key, value string, attach []string, del, bestEffort, block bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	att, err := parseAttachment(attach)
	if err != nil {
		return err
	}

	var opts []sessionpkg.PutOption
	if att != nil {
		opts = append(opts, sessionpkg.WithAttachment(att))
	}
	if bestEffort {
		opts = append(opts, sessionpkg.WithReliability(sample.BestEffort))
	}
	if block {
		opts = append(opts, sessionpkg.WithCongestionControl(sample.Block))
	}

	if del {
		if err := sess.Delete(ctx, key, opts...); err != nil {
			return fmt.Errorf("failed to delete: %w", err)
		}
		fmt.Printf("deleted %s\n", key)
		return nil
	}

	if err := sess.Put(ctx, key, []byte(value), opts...); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	fmt.Printf("published %s = %q\n", key, value)
	return nil
}
