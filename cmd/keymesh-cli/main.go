// Command keymesh-cli is a command line client for a keymesh mesh: it
// opens a short-lived session, connects to one node, and runs a single
// publish, subscribe, get, or queryable operation.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/keymesh-io/keymesh-go/internal/peerlink"
	"github.com/keymesh-io/keymesh-go/internal/session"
	"github.com/keymesh-io/keymesh-go/pkg/sample"
)

var (
	// Global flags
	connectAddr string
	nodeID      string
	timeout     time.Duration
	verbose     bool
)

// settleDelay gives the connected node time to push its declaration
// state before the command acts on it.
const settleDelay = 500 * time.Millisecond

func main() {
	rootCmd := &cobra.Command{
		Use:   "keymesh-cli",
		Short: "keymesh command line client",
		Long: `keymesh-cli opens a session against a running keymesh node and provides
commands for publishing samples, subscribing to key expressions, issuing
queries, and serving as a queryable.`,
	}

	rootCmd.PersistentFlags().StringVar(&connectAddr, "connect", "localhost:7447", "Address of the keymesh node to connect to")
	rootCmd.PersistentFlags().StringVar(&nodeID, "node-id", "", "Session identifier (default: cli-<random>)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Operation timeout")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")

	rootCmd.AddCommand(newPubCommand())
	rootCmd.AddCommand(newSubCommand())
	rootCmd.AddCommand(newGetCommand())
	rootCmd.AddCommand(newQueryableCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openSession opens an outbound-only session connected to the target node.
func openSession(ctx context.Context) (*session.PeerSession, error) {
	id := nodeID
	if id == "" {
		id = "cli-" + uuid.NewString()[:8]
	}

	link, err := peerlink.NewGRPCLink(&peerlink.Config{NodeID: id})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer link: %w", err)
	}

	config := session.NewConfig(id, link)
	if verbose {
		config.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	sess, err := session.Open(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}

	if err := link.Connect(ctx, peerlink.GRPCPeer{Addr: connectAddr}); err != nil {
		sess.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", connectAddr, err)
	}
	time.Sleep(settleDelay)
	return sess, nil
}

// parseAttachment turns repeated key=value flags into an attachment.
func parseAttachment(pairs []string) (sample.Attachment, error) {
	var att sample.Attachment
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("attachment %q is not key=value", p)
		}
		att = att.Add([]byte(k), []byte(v))
	}
	return att, nil
}

func formatSample(s *sample.Sample) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", s.Kind(), s.Key())
	if s.Kind() == sample.Put {
		fmt.Fprintf(&b, " = %q", s.Payload().String())
	}
	for _, p := range s.Attachment() {
		fmt.Fprintf(&b, " @%s=%s", p.Key, p.Value)
	}
	return b.String()
}
