package service

import (
	"fmt"

	"shmipc/internal/ipcerr"
	"shmipc/internal/staticstore"
)

// RequiredKey demands that key be present in the opened service's
// attributes, with any value.
type RequiredKey struct {
	Key string
}

// RequiredKeyValue demands that key be present with exactly Value among
// its recorded values.
type RequiredKeyValue struct {
	Key   string
	Value string
}

// AttributeVerifier checks an opener's requirements against a service's
// sealed AttributeSet on open, per spec.md 4.G: "AttributeVerifier on open
// checks presence of required keys and exact key/value pairs, returning
// the first unsatisfied key on mismatch."
type AttributeVerifier struct {
	requiredKeys       []RequiredKey
	requiredKeyValues  []RequiredKeyValue
}

// NewAttributeVerifier creates an empty verifier; use RequireKey and
// RequireKeyValue to add conditions.
func NewAttributeVerifier() *AttributeVerifier {
	return &AttributeVerifier{}
}

// RequireKey adds a presence-only requirement for key.
func (v *AttributeVerifier) RequireKey(key string) *AttributeVerifier {
	v.requiredKeys = append(v.requiredKeys, RequiredKey{Key: key})
	return v
}

// RequireKeyValue adds an exact key/value requirement.
func (v *AttributeVerifier) RequireKeyValue(key, value string) *AttributeVerifier {
	v.requiredKeyValues = append(v.requiredKeyValues, RequiredKeyValue{Key: key, Value: value})
	return v
}

// Verify checks attrs against every key-only requirement, then every
// key/value requirement, each group in the order it was added, returning
// the first unsatisfied key wrapped in AttributeMismatchError.
func (v *AttributeVerifier) Verify(attrs staticstore.AttributeSet) error {
	for _, req := range v.requiredKeys {
		if len(attrs.Values(req.Key)) == 0 {
			return &ipcerr.AttributeMismatchError{Key: req.Key}
		}
	}
	for _, req := range v.requiredKeyValues {
		found := false
		for _, v := range attrs.Values(req.Key) {
			if v == req.Value {
				found = true
				break
			}
		}
		if !found {
			return &ipcerr.AttributeMismatchError{Key: req.Key}
		}
	}
	return nil
}

// CompatibleCapacities reports whether offered meets or exceeds the port
// and node limits requested (publishers/subscribers/nodes, notifiers/
// listeners/nodes plus event_id_max_value, clients/servers) and carries the
// same type details. History size, buffer sizes, loan/borrow limits,
// active-request limits and the overflow flags are not compared. On
// mismatch it returns the spec.md B4 exceeds-max error matching the first
// capacity that falls short, or ErrIncompatibleTypes.
func CompatibleCapacities(offered, requested staticstore.StaticConfig) error {
	if offered.Pattern != requested.Pattern {
		return ipcerr.ErrIncompatibleMessagingPattern
	}
	switch requested.Pattern {
	case staticstore.PatternPublishSubscribe:
		return comparePubSub(offered.PubSub, requested.PubSub)
	case staticstore.PatternEvent:
		return compareEvent(offered.Event, requested.Event)
	default:
		return compareReqResp(offered.ReqResp, requested.ReqResp)
	}
}

func comparePubSub(offered, requested staticstore.PubSubParams) error {
	switch {
	case offered.MaxPublishers < requested.MaxPublishers:
		return ipcerr.ErrExceedsMaxPublishers
	case offered.MaxSubscribers < requested.MaxSubscribers:
		return ipcerr.ErrExceedsMaxSubscribers
	case offered.MaxNodes < requested.MaxNodes:
		return ipcerr.ErrExceedsMaxNodes
	case !offered.PayloadType.Equal(requested.PayloadType):
		return ipcerr.ErrIncompatibleTypes
	case !offered.UserHeaderType.Equal(requested.UserHeaderType):
		return ipcerr.ErrIncompatibleTypes
	default:
		return nil
	}
}

func compareEvent(offered, requested staticstore.EventParams) error {
	switch {
	case offered.MaxNotifiers < requested.MaxNotifiers:
		return ipcerr.ErrExceedsMaxNotifiers
	case offered.MaxListeners < requested.MaxListeners:
		return ipcerr.ErrExceedsMaxListeners
	case offered.MaxNodes < requested.MaxNodes:
		return ipcerr.ErrExceedsMaxNodes
	case offered.EventIdMaxValue < requested.EventIdMaxValue:
		return fmt.Errorf("%w: event id max value %d < requested %d", ipcerr.ErrEventIdOutOfBounds, offered.EventIdMaxValue, requested.EventIdMaxValue)
	default:
		return nil
	}
}

func compareReqResp(offered, requested staticstore.RequestResponseParams) error {
	switch {
	case offered.MaxClients < requested.MaxClients:
		return ipcerr.ErrExceedsMaxClients
	case offered.MaxServers < requested.MaxServers:
		return ipcerr.ErrExceedsMaxServers
	case !offered.RequestType.Equal(requested.RequestType):
		return ipcerr.ErrIncompatibleTypes
	case !offered.ResponseType.Equal(requested.ResponseType):
		return ipcerr.ErrIncompatibleTypes
	default:
		return nil
	}
}
