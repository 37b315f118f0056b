package keyrequest

import (
	"database/sql/driver"
	"fmt"

	"github.com/meow-io/go-todevice/bencode"
	"github.com/meow-io/go-todevice/ids"
)

type RequestState uint8

const (
	// StateUnsent is a request which has been queued but not yet transmitted.
	StateUnsent RequestState = iota
	// StateSent is a request which has been transmitted.
	StateSent
	// StateCancellationPending is a sent request whose cancellation has not been transmitted yet.
	// The record is deleted once it is.
	StateCancellationPending
	// StateCancellationPendingAndWillResend is like StateCancellationPending, except that once the
	// cancellation is transmitted the record returns to StateUnsent.
	StateCancellationPendingAndWillResend
)

var stateNames = map[RequestState]string{
	StateUnsent:                           "unsent",
	StateSent:                             "sent",
	StateCancellationPending:              "cancellation_pending",
	StateCancellationPendingAndWillResend: "cancellation_pending_and_will_resend",
}

func (s RequestState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("RequestState(%d)", uint8(s))
}

func (s RequestState) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

func (s RequestState) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("keyrequest: invalid state %d", uint8(s))
	}
	return int64(s), nil
}

func (s *RequestState) Scan(src interface{}) error {
	n, ok := src.(int64)
	if !ok {
		return fmt.Errorf("keyrequest: cannot scan %T into state", src)
	}
	state := RequestState(n)
	if n < 0 || n > 255 || !state.Valid() {
		return fmt.Errorf("keyrequest: invalid state %d", n)
	}
	*s = state
	return nil
}

// RequestBody identifies the room key being asked for. Two requests for the same key have equal bodies.
type RequestBody struct {
	Algorithm string `bencode:"algorithm" json:"algorithm"`
	RoomID    string `bencode:"room_id" json:"room_id"`
	SessionID string `bencode:"session_id" json:"session_id"`
	SenderKey string `bencode:"sender_key,omitempty" json:"sender_key,omitempty"`
}

// Key returns the lookup key of the body, the digest of its canonical encoding.
func (b *RequestBody) Key() ([]byte, error) {
	digest, err := bencode.Digest(b)
	if err != nil {
		return nil, fmt.Errorf("keyrequest: error encoding request body: %w", err)
	}
	return digest[:], nil
}

type Recipient struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

type Request struct {
	ID         ids.ID
	Body       *RequestBody
	Recipients []*Recipient
	// RequestID is generated once and identifies the request on the wire for its whole lifetime.
	RequestID         string
	RequestTxnID      string
	CancellationTxnID string
	State             RequestState
}

func (r *Request) requestTxnID() string {
	if r.RequestTxnID != "" {
		return r.RequestTxnID
	}
	return r.RequestID
}

func (r *Request) cancellationTxnID() string {
	if r.CancellationTxnID != "" {
		return r.CancellationTxnID
	}
	return r.RequestID
}

// Patch describes an update to a request. Empty txn ids are left unchanged.
type Patch struct {
	State             RequestState
	RequestTxnID      string
	CancellationTxnID string
}
