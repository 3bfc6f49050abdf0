package hub

import "github.com/fleethub/broker/internal/model"

// SessionHandle is the hub's view of a connected session: just enough to
// push events to it and tell it to shut down. Session implements this.
type SessionHandle interface {
	// AccountID and DeviceID identify the owning connection.
	AccountID() string
	DeviceID() string

	// Deliver pushes one published envelope to the session's outbound
	// queue. Implementations must not block the caller (the hub) for long;
	// a slow consumer is the session's problem, not the hub's.
	Deliver(msg model.PublishMessage)

	// Shutdown tells the session to emit a close frame (code Restart) and
	// stop.
	Shutdown()
}

// admissionError distinguishes the two Connect failure modes (spec §4.3).
type admissionError int

const (
	// errAdmission means the tenant's connection cap was reached.
	errAdmission admissionError = iota
	// errTransient means an external-store lookup failed.
	errTransient
)

func (e admissionError) Error() string {
	switch e {
	case errAdmission:
		return "admission denied: connection cap reached"
	case errTransient:
		return "transient store error"
	default:
		return "unknown admission error"
	}
}

// ErrAdmissionDenied is returned by Connect when the tenant is at its
// connection cap.
var ErrAdmissionDenied error = errAdmission

// ErrTransient is returned by Connect when an external-store lookup fails.
// The refresh and register paths do not return it; they log the lookup
// failure and skip the step.
var ErrTransient error = errTransient

// connectCmd requests admission of a new device connection.
type connectCmd struct {
	accountID    string
	deviceID     string
	deviceTypeID string
	handle       SessionHandle
	reply        chan connectResult
}

type connectResult struct {
	rateLimit int
	err       error
}

// disconnectCmd removes a device connection.
type disconnectCmd struct {
	accountID    string
	deviceID     string
	deviceTypeID string
}

// registerTopicsCmd subscribes a device to topics, gated by the tenant
// allow-list.
type registerTopicsCmd struct {
	accountID string
	deviceID  string
	topics    []string
}

// publishCmd fans a published event out to subscribers and the webhook
// publisher.
type publishCmd struct {
	msg model.PublishMessage
}

// getAccountActivityCmd snapshots a tenant's live devices.
type getAccountActivityCmd struct {
	accountID string
	reply     chan getAccountActivityResult
}

type getAccountActivityResult struct {
	devices []model.Device
	found   bool
}

// shutdownCmd tells every session to close.
type shutdownCmd struct {
	done chan struct{}
}

// refreshTopicRelationsCmd atomically swaps in a freshly loaded allow-list.
type refreshTopicRelationsCmd struct {
	relations map[string]map[string]struct{} // accountID -> topicID set
}
