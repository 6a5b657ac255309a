package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	sessionpkg "github.com/keymesh-io/keymesh-go/pkg/session"
)

func newGetCommand() *cobra.Command {
	var (
		selector string
		value    string
		attach   []string
	)

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Query matching queryables and print their replies",
		Long: `Issue a query for a selector and print every reply. The selector is
"<keyexpr>[?<parameters>]"; parameters are passed to the queryables
untouched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(selector, value, attach)
		},
	}

	cmd.Flags().StringVar(&selector, "selector", "", "Selector to query (required)")
	cmd.Flags().StringVar(&value, "value", "", "Query body passed to the queryables")
	cmd.Flags().StringArrayVar(&attach, "attach", nil, "Attachment pair as key=value (repeatable)")
	if err := cmd.MarkFlagRequired("selector"); err != nil {
		panic(fmt.Sprintf("Failed to mark selector as required: %v", err))
	}

	return cmd
}

func runGet(selector, value string, attach []string) error {
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

	opts := []sessionpkg.GetOption{sessionpkg.WithTimeout(timeout)}
	if value != "" {
		opts = append(opts, sessionpkg.WithValue([]byte(value)))
	}
	if att != nil {
		opts = append(opts, sessionpkg.WithQueryAttachment(att))
	}

	rx, err := sess.Get(ctx, selector, opts...)
	if err != nil {
		return fmt.Errorf("failed to query: %w", err)
	}

	count := 0
	for reply := range rx.Replies() {
		count++
		if reply.OK() {
			fmt.Printf("%s: %s\n", reply.ReplierID, formatSample(reply.Sample))
		} else {
			fmt.Printf("%s: error %q\n", reply.ReplierID, reply.Err.String())
		}
	}
	if err := rx.Err(); err != nil {
		return fmt.Errorf("query ended abnormally after %d replies: %w", count, err)
	}
	fmt.Printf("received %d replies\n", count)
	return nil
}
