package sample

// Reliability is the delivery strength contract for a subscriber or sample.
type Reliability uint8

const (
	// BestEffort delivery is opportunistic; samples may be silently
	// dropped under congestion.
	BestEffort Reliability = iota

	// Reliable delivery is guaranteed to every still-live matching
	// subscriber, or surfaces a failure to the publisher.
	Reliable
)

func (r Reliability) String() string {
	switch r {
	case BestEffort:
		return "BestEffort"
	case Reliable:
		return "Reliable"
	default:
		return "Unknown"
	}
}

// CongestionControl is the admission policy on the local-to-remote path
// when outbound capacity is exhausted.
type CongestionControl uint8

const (
	// Drop returns immediately; a sample that cannot be admitted is
	// discarded without error.
	Drop CongestionControl = iota

	// Block suspends the caller until outbound capacity is available or
	// the session closes.
	Block
)

func (c CongestionControl) String() string {
	switch c {
	case Drop:
		return "Drop"
	case Block:
		return "Block"
	default:
		return "Unknown"
	}
}

// Priority orders samples relative to each other on congested paths.
type Priority uint8

const (
	PriorityRealTime Priority = iota + 1
	PriorityInteractiveHigh
	PriorityInteractiveLow
	PriorityDataHigh
	PriorityData
	PriorityDataLow
	PriorityBackground
)

// QoS bundles the quality-of-service settings carried by every sample.
type QoS struct {
	CongestionControl CongestionControl
	Priority          Priority
	Reliability       Reliability
}

// DefaultQoS returns the settings applied when the publisher specifies
// nothing: droppable, data priority, reliable.
func DefaultQoS() QoS {
	return QoS{
		CongestionControl: Drop,
		Priority:          PriorityData,
		Reliability:       Reliable,
	}
}
