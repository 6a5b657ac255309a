package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	sessionpkg "github.com/keymesh-io/keymesh-go/pkg/session"
)

func newQueryableCommand() *cobra.Command {
	var (
		keyExpr string
		reply   string
		errText string
	)

	cmd := &cobra.Command{
		Use:   "queryable",
		Short: "Serve a key expression, answering queries until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueryable(keyExpr, reply, errText)
		},
	}

	cmd.Flags().StringVar(&keyExpr, "key", "", "Key expression to serve (required)")
	cmd.Flags().StringVar(&reply, "reply", "", "Fixed payload to reply with (default: echo the query body)")
	cmd.Flags().StringVar(&errText, "reply-err", "", "Answer every query with this error instead")
	if err := cmd.MarkFlagRequired("key"); err != nil {
		panic(fmt.Sprintf("Failed to mark key as required: %v", err))
	}

	return cmd
}

func runQueryable(keyExpr, reply, errText string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	q, err := sess.DeclareQueryable(ctx, keyExpr, func(query sessionpkg.Query) {
		fmt.Printf("query %s?%s value=%q\n", query.KeyExpr(), query.Parameters(), query.Value().String())
		replyCtx := context.Background()
		switch {
		case errText != "":
			_ = query.ReplyErr(replyCtx, []byte(errText))
		case reply != "":
			_ = query.Reply(replyCtx, keyExpr, []byte(reply))
		default:
			_ = query.Reply(replyCtx, keyExpr, query.Value().Bytes())
		}
	})
	if err != nil {
		return fmt.Errorf("failed to declare queryable: %w", err)
	}
	fmt.Printf("serving %s (Ctrl+C to stop)...\n", keyExpr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	fmt.Println("stopping")
	return q.Undeclare(ctx)
}
