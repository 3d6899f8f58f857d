package qfeature

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// HubMachine is the machine name the hub answers to.
const HubMachine = "$hub"

// Addr identifies an entity on the hub.
// A bare address has no Resource and names the machine; a full address
// names a single session of that machine.
type Addr struct {
	Machine  string `cbor:"1,keyasint,omitempty"`
	Resource string `cbor:"2,keyasint,omitempty"`
}

// HubAddr returns the address of the hub itself.
func HubAddr() Addr {
	return Addr{Machine: HubMachine}
}

// ParseAddr parses "machine" or "machine/resource".
func ParseAddr(s string) (Addr, error) {
	machine, resource, _ := strings.Cut(s, "/")
	a := Addr{Machine: machine, Resource: resource}
	if err := a.Validate(); err != nil {
		return Addr{}, err
	}
	return a, nil
}

// MustParseAddr parses an address, panicking on error.
func MustParseAddr(s string) Addr {
	a, err := ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

// IsZero returns true if no field is set.
func (a Addr) IsZero() bool {
	return a == Addr{}
}

// IsBare returns true if the address does not name a resource.
func (a Addr) IsBare() bool {
	return a.Resource == ""
}

// Bare returns the address without its resource.
func (a Addr) Bare() Addr {
	return Addr{Machine: a.Machine}
}

// Validate checks that the address is usable as a destination.
func (a Addr) Validate() error {
	if a.Machine == "" {
		return ErrInvalidAddr
	}
	if strings.Contains(a.Machine, "/") || strings.Contains(a.Resource, "/") {
		return ErrInvalidAddr
	}
	return nil
}

func (a Addr) String() string {
	if a.Resource == "" {
		return a.Machine
	}
	return a.Machine + "/" + a.Resource
}

// MessageID uniquely identifies a request within a connection.
type MessageID uint64

// Action tells the receiver how to route a message.
type Action uint8

const (
	ActionRequest  Action = 1
	ActionResponse Action = 2
	ActionBind     Action = 3 // Bind is exchanged once when a session starts.
)

// Type is the request or response kind carried by a message.
type Type uint8

const (
	TypeGet    Type = 1
	TypeSet    Type = 2
	TypeResult Type = 3
	TypeError  Type = 4
)

func (t Type) String() string {
	switch t {
	case TypeGet:
		return "get"
	case TypeSet:
		return "set"
	case TypeResult:
		return "result"
	case TypeError:
		return "error"
	default:
		return "unknown"
	}
}

// IsRequest returns true for get and set.
func (t Type) IsRequest() bool {
	return t == TypeGet || t == TypeSet
}

// Message is the wire format for all communication.
type Message struct {
	ID        MessageID    `cbor:"1,keyasint"`
	Action    Action       `cbor:"2,keyasint"`
	To        Addr         `cbor:"3,keyasint,omitempty"`
	From      Addr         `cbor:"4,keyasint,omitempty"`
	Element   string       `cbor:"5,keyasint,omitempty"`
	Namespace string       `cbor:"6,keyasint,omitempty"`
	Type      Type         `cbor:"7,keyasint"`
	Payload   []byte       `cbor:"8,keyasint,omitempty"`
	Error     *StanzaError `cbor:"9,keyasint,omitempty"`
}

// Key returns the handler key a request is dispatched by.
func (m *Message) Key() HandlerKey {
	return HandlerKey{Element: m.Element, Namespace: m.Namespace, Type: m.Type}
}

// ResultFor builds an empty result answering req.
// The addressing fields are swapped and the ID is kept so the sender can correlate.
func ResultFor(req *Message) *Message {
	return &Message{
		ID:        req.ID,
		Action:    ActionResponse,
		To:        req.From,
		From:      req.To,
		Element:   req.Element,
		Namespace: req.Namespace,
		Type:      TypeResult,
	}
}

// ErrorFor builds an error response answering req.
func ErrorFor(req *Message, cond Condition) *Message {
	resp := ResultFor(req)
	resp.Type = TypeError
	resp.Error = &StanzaError{Condition: cond}
	return resp
}

// Condition is a protocol level error condition.
type Condition string

const (
	ConditionBadRequest            Condition = "bad-request"
	ConditionConflict              Condition = "conflict"
	ConditionFeatureNotImplemented Condition = "feature-not-implemented"
	ConditionInternalServerError   Condition = "internal-server-error"
	ConditionItemNotFound          Condition = "item-not-found"
	ConditionNotAcceptable         Condition = "not-acceptable"
	ConditionRecipientUnavailable  Condition = "recipient-unavailable"
	ConditionRemoteServerTimeout   Condition = "remote-server-timeout"
	ConditionServiceUnavailable    Condition = "service-unavailable"
)

// StanzaError is carried by error responses and returned to the requester as an error.
type StanzaError struct {
	Condition Condition `cbor:"1,keyasint"`
	Text      string    `cbor:"2,keyasint,omitempty"`
}

func (e *StanzaError) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("qfeature: error response: %s: %s", e.Condition, e.Text)
	}
	return fmt.Sprintf("qfeature: error response: %s", e.Condition)
}

// HasCondition reports whether err is a StanzaError with the given condition.
func HasCondition(err error, cond Condition) bool {
	var se *StanzaError
	return errors.As(err, &se) && se.Condition == cond
}

// Common errors.
var (
	ErrNotConnected        = errors.New("qfeature: not connected")
	ErrNoResponse          = errors.New("qfeature: no response received")
	ErrInterrupted         = errors.New("qfeature: interrupted")
	ErrFeatureNotSupported = errors.New("qfeature: feature not supported")
	ErrInvalidAddr         = errors.New("qfeature: invalid address")
	ErrInvalidAction       = errors.New("qfeature: invalid action")
	ErrBindFailed          = errors.New("qfeature: session bind failed")
	ErrNoTLS               = errors.New("qfeature: TLS configuration required")
	ErrNoClientCert        = errors.New("qfeature: no client certificate provided")
	ErrMessageTooLarge     = errors.New("qfeature: message too large")
	ErrInvalidMachine      = errors.New("qfeature: invalid machine name in certificate")
)

// NoResponseError is returned when a request is not answered within the reply timeout.
type NoResponseError struct {
	ID      MessageID
	To      Addr
	Timeout time.Duration
}

func (e *NoResponseError) Error() string {
	return fmt.Sprintf("%s: request %d to %s after %v", ErrNoResponse, e.ID, e.To, e.Timeout)
}

func (e *NoResponseError) Unwrap() error {
	return ErrNoResponse
}

// FeatureNotSupportedError is returned when a peer does not advertise a feature
// a local operation depends on. No request is sent in that case.
type FeatureNotSupportedError struct {
	Feature string
	Peer    Addr
}

func (e *FeatureNotSupportedError) Error() string {
	return fmt.Sprintf("%s: %s does not support %s", ErrFeatureNotSupported, e.Peer, e.Feature)
}

func (e *FeatureNotSupportedError) Unwrap() error {
	return ErrFeatureNotSupported
}
