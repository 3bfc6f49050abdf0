// Package model defines the wire and command types shared by the hub,
// session, and webhook publisher: the tagged-union event envelope, the
// origin discriminant, and the account/device registry value types.
package model

import (
	"encoding/json"
	"fmt"
)

// Event is the payload carried through the hub on every publish.
type Event struct {
	SecondsSinceUnix uint64          `json:"seconds_since_unix"`
	NanoSeconds      uint32          `json:"nano_seconds"`
	Topics           []string        `json:"topics"`
	Data             json.RawMessage `json:"data"`
}

// Device identifies one tenant-owned connection.
type Device struct {
	DeviceID     string `json:"device_id"`
	DeviceTypeID string `json:"device_type_id"`
}

// Origin is the tagged-union identity of a publisher: either a connected
// Device or an external HTTP caller's address. At most one of the two
// fields is populated; an external caller with an unknown address has both
// nil. The wire shape is produced by MarshalJSON and parsed by UnmarshalJSON.
type Origin struct {
	Device  *Device
	Address *PeerAddress
}

// PeerAddress is an optional (IP, port) pair for an external caller. Both
// fields are zero when the caller's address is unknown, which still
// serializes as {"Address":null} on the wire.
type PeerAddress struct {
	IP   string
	Port int
	set  bool
}

// NewPeerAddress returns a known PeerAddress.
func NewPeerAddress(ip string, port int) *PeerAddress {
	return &PeerAddress{IP: ip, Port: port, set: true}
}

// DeviceOrigin builds an Origin for a connected device.
func DeviceOrigin(deviceID, deviceTypeID string) Origin {
	return Origin{Device: &Device{DeviceID: deviceID, DeviceTypeID: deviceTypeID}}
}

// ExternalOrigin builds an Origin for an external HTTP publisher. addr may
// be nil when the caller's address is not known.
func ExternalOrigin(addr *PeerAddress) Origin {
	return Origin{Address: addr}
}

// IsDevice reports whether this origin is a connected device, and if so
// returns it.
func (o Origin) IsDevice() (Device, bool) {
	if o.Device == nil {
		return Device{}, false
	}
	return *o.Device, true
}

// MarshalJSON emits the externally-tagged shape the wire protocol requires:
// {"Device":{...}} or {"Address":[ip,port]} or {"Address":null}.
func (o Origin) MarshalJSON() ([]byte, error) {
	if o.Device != nil {
		return json.Marshal(struct {
			Device Device `json:"Device"`
		}{*o.Device})
	}
	if o.Address != nil && o.Address.set {
		return json.Marshal(struct {
			Address [2]interface{} `json:"Address"`
		}{[2]interface{}{o.Address.IP, o.Address.Port}})
	}
	return []byte(`{"Address":null}`), nil
}

// UnmarshalJSON accepts the same tagged shapes MarshalJSON produces.
func (o *Origin) UnmarshalJSON(data []byte) error {
	var env struct {
		Device  *Device         `json:"Device"`
		Address json.RawMessage `json:"Address"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if env.Device != nil {
		o.Device = env.Device
		return nil
	}
	// A present Address key arrives as raw bytes, including a literal null.
	if env.Address != nil {
		var pair [2]interface{}
		if string(env.Address) != "null" && json.Unmarshal(env.Address, &pair) == nil {
			ip, _ := pair[0].(string)
			port, _ := pair[1].(float64)
			o.Address = NewPeerAddress(ip, int(port))
			return nil
		}
		o.Address = nil
		return nil
	}
	return fmt.Errorf("model: origin has neither Device nor Address")
}

// PublishMessage is the internal command carrying a published event from a
// Session (or the external control plane) to the Hub, and from the Hub to
// the WebhookPublisher.
type PublishMessage struct {
	Sender    Origin
	AccountID string
	Event     Event
}

// InboundEvent is the tagged union accepted on an inbound WebSocket text
// frame: exactly one of Message or Register is populated.
type InboundEvent struct {
	Message  *InboundMessage
	Register *InboundRegister
}

// InboundMessage is the {"Message":{...}} frame shape.
type InboundMessage struct {
	SecondsSinceUnix uint64          `json:"seconds_since_unix"`
	NanoSeconds      uint32          `json:"nano_seconds"`
	Topics           []string        `json:"topics"`
	Data             json.RawMessage `json:"data"`
}

// InboundRegister is the {"Register":{...}} frame shape.
type InboundRegister struct {
	Topics []string `json:"topics"`
}

// UnmarshalJSON parses the externally-tagged single-key object.
func (e *InboundEvent) UnmarshalJSON(data []byte) error {
	var env struct {
		Message  *InboundMessage  `json:"Message"`
		Register *InboundRegister `json:"Register"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("model: malformed inbound event: %w", err)
	}
	if env.Message == nil && env.Register == nil {
		return fmt.Errorf("model: inbound event has neither Message nor Register tag")
	}
	e.Message = env.Message
	e.Register = env.Register
	return nil
}

// OutboundEnvelope is the record pushed to subscribers: origin + account +
// event, matching spec §6.2's outbound shape.
type OutboundEnvelope struct {
	Sender    Origin `json:"sender"`
	AccountID string `json:"account_id"`
	Message   Event  `json:"message"`
}
