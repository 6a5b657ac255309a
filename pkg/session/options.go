package session

import (
	"time"

	"github.com/keymesh-io/keymesh-go/pkg/sample"
)

// PutOptions carries the per-call settings of Put and Delete.
type PutOptions struct {
	CongestionControl sample.CongestionControl
	Priority          sample.Priority
	Reliability       sample.Reliability
	Attachment        sample.Attachment
}

// DefaultPutOptions returns the settings applied when the caller
// specifies nothing.
func DefaultPutOptions() PutOptions {
	qos := sample.DefaultQoS()
	return PutOptions{
		CongestionControl: qos.CongestionControl,
		Priority:          qos.Priority,
		Reliability:       qos.Reliability,
	}
}

// QoS folds the options into a sample QoS.
func (o PutOptions) QoS() sample.QoS {
	return sample.QoS{
		CongestionControl: o.CongestionControl,
		Priority:          o.Priority,
		Reliability:       o.Reliability,
	}
}

// PutOption customizes a single Put or Delete call.
type PutOption func(*PutOptions)

// WithCongestionControl selects Block or Drop admission on the
// local-to-remote path.
func WithCongestionControl(cc sample.CongestionControl) PutOption {
	return func(o *PutOptions) { o.CongestionControl = cc }
}

// WithPriority sets the sample priority.
func WithPriority(p sample.Priority) PutOption {
	return func(o *PutOptions) { o.Priority = p }
}

// WithReliability sets the sample's delivery strength.
func WithReliability(r sample.Reliability) PutOption {
	return func(o *PutOptions) { o.Reliability = r }
}

// WithAttachment attaches ordered opaque byte pairs to the sample.
func WithAttachment(a sample.Attachment) PutOption {
	return func(o *PutOptions) { o.Attachment = a }
}

// PublisherOptions carries the declaration-time defaults of a publisher.
type PublisherOptions struct {
	CongestionControl sample.CongestionControl
	Priority          sample.Priority
}

// PublisherOption customizes a DeclarePublisher call.
type PublisherOption func(*PublisherOptions)

// WithPublisherCongestionControl sets the default congestion control for
// samples published through the handle.
func WithPublisherCongestionControl(cc sample.CongestionControl) PublisherOption {
	return func(o *PublisherOptions) { o.CongestionControl = cc }
}

// WithPublisherPriority sets the default priority for samples published
// through the handle.
func WithPublisherPriority(p sample.Priority) PublisherOption {
	return func(o *PublisherOptions) { o.Priority = p }
}

// SampleHandler consumes one delivered sample on a worker.
type SampleHandler func(*sample.Sample)

// SubscriberOptions carries the declaration-time settings of a subscriber.
type SubscriberOptions struct {
	Reliability sample.Reliability
	Handler     SampleHandler
	Buffer      int
}

// SubscriberOption customizes a DeclareSubscriber call.
type SubscriberOption func(*SubscriberOptions)

// WithSubscriberReliability sets the subscription's delivery contract.
// The default is Reliable.
func WithSubscriberReliability(r sample.Reliability) SubscriberOption {
	return func(o *SubscriberOptions) { o.Reliability = r }
}

// WithHandler dispatches samples to fn on the worker pool instead of the
// handle's channel.
func WithHandler(fn SampleHandler) SubscriberOption {
	return func(o *SubscriberOptions) { o.Handler = fn }
}

// WithSubscriberBuffer sets the handle channel capacity, and the
// BestEffort drop threshold of the subscription's mailbox.
func WithSubscriberBuffer(n int) SubscriberOption {
	return func(o *SubscriberOptions) { o.Buffer = n }
}

// GetOptions carries the per-call settings of Get.
type GetOptions struct {
	Timeout    time.Duration
	Value      []byte
	Attachment sample.Attachment
}

// GetOption customizes a single Get call.
type GetOption func(*GetOptions)

// WithTimeout bounds the overall wait for replies. Zero means the
// session's configured default.
func WithTimeout(d time.Duration) GetOption {
	return func(o *GetOptions) { o.Timeout = d }
}

// WithValue attaches a payload to the query, observable by the queryable.
func WithValue(v []byte) GetOption {
	return func(o *GetOptions) { o.Value = v }
}

// WithQueryAttachment attaches ordered opaque byte pairs to the query.
func WithQueryAttachment(a sample.Attachment) GetOption {
	return func(o *GetOptions) { o.Attachment = a }
}

// ReplyOptions carries the per-call settings of the reply operations.
type ReplyOptions struct {
	Attachment sample.Attachment
}

// ReplyOption customizes a single reply.
type ReplyOption func(*ReplyOptions)

// WithReplyAttachment attaches ordered opaque byte pairs to the reply.
func WithReplyAttachment(a sample.Attachment) ReplyOption {
	return func(o *ReplyOptions) { o.Attachment = a }
}
