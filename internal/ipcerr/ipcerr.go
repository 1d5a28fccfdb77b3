// Package ipcerr defines the sentinel error kinds shared across the IPC
// core. Components wrap these with fmt.Errorf("%w: ...") so callers can
// use errors.Is against a stable kind regardless of the message text.
package ipcerr

import "errors"

// Creation conflicts.
var (
	ErrAlreadyExists           = errors.New("already exists")
	ErrInsufficientPermissions = errors.New("insufficient permissions")
	ErrInternal                = errors.New("internal error")
)

// Compatibility.
var (
	ErrIncompatibleTypes            = errors.New("incompatible types")
	ErrIncompatibleAttributes       = errors.New("incompatible attributes")
	ErrIncompatibleMessagingPattern = errors.New("incompatible messaging pattern")
	ErrExceedsMaxPublishers         = errors.New("exceeds max publishers")
	ErrExceedsMaxSubscribers        = errors.New("exceeds max subscribers")
	ErrExceedsMaxNotifiers          = errors.New("exceeds max notifiers")
	ErrExceedsMaxListeners          = errors.New("exceeds max listeners")
	ErrExceedsMaxClients            = errors.New("exceeds max clients")
	ErrExceedsMaxServers            = errors.New("exceeds max servers")
	ErrExceedsMaxBorrowedSamples    = errors.New("exceeds max borrowed samples")
	ErrExceedsMaxActiveRequests     = errors.New("exceeds max active requests")
	ErrExceedsMaxNodes              = errors.New("exceeds max nodes")
	ErrExceedsMaxLoanedSamples      = errors.New("exceeds max loaned samples")
)

// Resource.
var (
	ErrOutOfMemory                    = errors.New("out of memory")
	ErrSegmentFull                    = errors.New("segment full")
	ErrInitializationNotYetFinalized  = errors.New("initialization not yet finalized")
)

// Protocol.
var (
	ErrEventIdOutOfBounds = errors.New("event id out of bounds")
	ErrConnectionCorrupted = errors.New("connection corrupted")
)

// Interrupt.
var (
	ErrInterrupt         = errors.New("interrupt")
	ErrTerminationRequest = errors.New("termination request")
)

// Misc protocol/state errors used by the service state machine and ports.
var (
	ErrServiceDoesNotExist = errors.New("service does not exist")
	ErrServiceQuarantined  = errors.New("service quarantined")
	ErrWouldBlock          = errors.New("would block")
	ErrFull                = errors.New("full")
	ErrCancelled           = errors.New("cancelled")
)

// QuarantinedError carries the ServiceId of a service whose on-disk state
// was found corrupted, and the cause. No function in this module returns
// it, and opening a service does not check for quarantine.
type QuarantinedError struct {
	ServiceId string
	Cause     error
}

func (e *QuarantinedError) Error() string {
	return "service " + e.ServiceId + " quarantined: " + e.Cause.Error()
}

func (e *QuarantinedError) Unwrap() error { return ErrServiceQuarantined }

// AttributeMismatchError reports the first unsatisfied attribute key found
// by an AttributeVerifier, per spec.md 4.G.
type AttributeMismatchError struct {
	Key string
}

func (e *AttributeMismatchError) Error() string {
	return "incompatible attribute: " + e.Key
}

func (e *AttributeMismatchError) Unwrap() error { return ErrIncompatibleAttributes }
