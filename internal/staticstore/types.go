// Package staticstore implements component B: small, create-once,
// read-many named blobs holding a service's StaticConfig. A blob is
// write-once — sealed the instant Create finishes — and read-only for the
// rest of its life, matching spec.md 4.B and the NotExist→StaticOnly
// lifecycle transition.
package staticstore

// Pattern tags the messaging pattern a service's StaticConfig belongs to.
type Pattern uint8

const (
	PatternPublishSubscribe Pattern = iota
	PatternEvent
	PatternRequestResponse
)

// TypeDetailKind distinguishes a fixed-size payload type from one whose
// size varies per sample (a dynamic slice payload).
type TypeDetailKind uint8

const (
	TypeFixedSize TypeDetailKind = iota
	TypeDynamic
)

// TypeDetail describes a payload or user-header type. Two services are
// compatible only if their TypeDetails are byte-equal, per spec.md 3.
type TypeDetail struct {
	Kind      TypeDetailKind
	TypeName  string
	Size      uint64
	Alignment uint64
}

// Equal reports byte-equality per spec.md's compatibility rule.
func (t TypeDetail) Equal(o TypeDetail) bool {
	return t.Kind == o.Kind && t.TypeName == o.TypeName && t.Size == o.Size && t.Alignment == o.Alignment
}

// Attribute is one (key, value) pair in a service's AttributeSet.
type Attribute struct {
	Key   string
	Value string
}

// AttributeSet is an ordered multimap of (key, value) pairs (key and value
// lengths are not checked), preserving insertion order rather than the unordered iteration a
// Go map would give — per SPEC_FULL.md's supplemented "service attribute
// iteration order" feature, carried over from the original implementation.
type AttributeSet struct {
	entries []Attribute
}

// Add appends a (key, value) pair, preserving duplicates: a key may carry
// more than one value, exactly as the original's multimap allows.
func (a *AttributeSet) Add(key, value string) {
	a.entries = append(a.entries, Attribute{Key: key, Value: value})
}

// Values returns every value recorded for key, in insertion order.
func (a *AttributeSet) Values(key string) []string {
	var out []string
	for _, e := range a.entries {
		if e.Key == key {
			out = append(out, e.Value)
		}
	}
	return out
}

// Entries returns every (key, value) pair in insertion order.
func (a *AttributeSet) Entries() []Attribute {
	return append([]Attribute(nil), a.entries...)
}

// PubSubParams are the StaticConfig parameters specific to the
// Publish-Subscribe pattern.
type PubSubParams struct {
	MaxPublishers                int32
	MaxSubscribers                int32
	MaxNodes                      int32
	HistorySize                   int32
	SubscriberMaxBufferSize       int32
	SubscriberMaxBorrowedSamples  int32
	EnableSafeOverflow            bool
	PayloadType                   TypeDetail
	UserHeaderType                TypeDetail
}

// EventParams are the StaticConfig parameters specific to the Event
// pattern.
type EventParams struct {
	MaxNotifiers       int32
	MaxListeners       int32
	MaxNodes           int32
	EventIdMaxValue    uint64
	NotifierCreatedId  *uint64
	NotifierDroppedId  *uint64
	NotifierDeadId     *uint64
	DeadlineNanos      int64 // 0 means no deadline configured
}

// RequestResponseParams are the StaticConfig parameters specific to the
// Request-Response pattern.
type RequestResponseParams struct {
	MaxClients                           int32
	MaxServers                            int32
	MaxActiveRequestsPerClient            int32
	MaxLoanedRequests                     int32
	MaxResponseBufferSize                 int32
	MaxBorrowedResponsesPerPendingResponse int32
	EnableSafeOverflowForRequests         bool
	EnableSafeOverflowForResponses        bool
	FireAndForget                         bool
	RequestType                           TypeDetail
	ResponseType                          TypeDetail
}

// StaticConfig is a service's immutable configuration, sealed into static
// storage at creation and never mutated thereafter.
type StaticConfig struct {
	ServiceId   string
	ServiceName string
	Pattern     Pattern

	PubSub   PubSubParams
	Event    EventParams
	ReqResp  RequestResponseParams

	Attributes AttributeSet
}
