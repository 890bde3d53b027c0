// Package metadata holds the string headers carried by envelopes and the keys
// reserved by eventflow.
package metadata

import "maps"

// Reserved keys. Application metadata should not use them.
const (
	KeyMessageID     = "eventflow_message_id"
	KeyCorrelationID = "correlation_id"
	KeySessionKey    = "eventflow_session_key"
	KeySentAt        = "eventflow_sent_at"
	KeyTypeTag       = "eventflow_type"

	KeyStreamID      = "stream_id"
	KeyStreamType    = "stream_type"
	KeyStreamVersion = "stream_version"

	KeyDeliveryCount    = "eventflow_delivery_count"
	KeyDeadLetterReason = "eventflow_dead_letter_reason"
	KeyOriginalTopic    = "eventflow_original_topic"

	// KeyBrokerDeliveryCount carries a delivery count reported by the broker.
	KeyBrokerDeliveryCount = "eventflow_broker_delivery_count"

	KeyProcessType  = "process_type"
	KeyTimeoutName  = "timeout_name"
	KeyTimeoutToken = "timeout_token"

	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"
)

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	cloned := make(Metadata, len(m)+extra)
	maps.Copy(cloned, m)
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// Get returns the value for key, or "" when absent. Safe on a nil map.
func (m Metadata) Get(key string) string {
	return m[key]
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	maps.Copy(cloned, entries)
	return cloned
}

// New constructs a Metadata map from alternating key/value pairs. A trailing
// key without a value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
