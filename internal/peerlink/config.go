package peerlink

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyNodeID is returned when the node ID is empty
	ErrEmptyNodeID = errors.New("node ID cannot be empty")

	// ErrPeerNotConnected is returned when sending to an unknown peer
	ErrPeerNotConnected = errors.New("peer is not connected")

	// ErrLinkClosed is returned by operations on a closed link
	ErrLinkClosed = errors.New("link is closed")
)

// Config represents configuration for a peer link
type Config struct {
	// NodeID uniquely identifies the owning session on the mesh
	NodeID string

	// ListenAddress is the address to accept peer connections on.
	// Empty disables listening (outbound-only links).
	ListenAddress string

	// SendQueueSize bounds each per-peer outbound queue. Block
	// congestion control waits on this capacity; Drop discards.
	SendQueueSize int

	// ReceiveQueueSize bounds the merged inbound frame queue.
	ReceiveQueueSize int
}

// SetDefaults fills unset values with safe defaults
func (c *Config) SetDefaults() {
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.ReceiveQueueSize <= 0 {
		c.ReceiveQueueSize = 1024
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return ErrEmptyNodeID
	}
	if c.SendQueueSize < 0 {
		return fmt.Errorf("send queue size cannot be negative: %d", c.SendQueueSize)
	}
	return nil
}
