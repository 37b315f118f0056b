// Package keyrequest manages outgoing room key requests. Requests and their cancellations are coalesced
// per request body and sent to every recipient device by a debounced background loop. The store may be
// shared by several processes, so every state change is a compare-and-set on the record's prior state and
// a miss is resolved by re-reading the record.
package keyrequest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meow-io/go-todevice/clock"
	"github.com/meow-io/go-todevice/config"
	"github.com/meow-io/go-todevice/ids"
	"github.com/meow-io/go-todevice/transport"
	"go.uber.org/zap"
)

const (
	EventType = "m.room_key_request"

	actionRequest      = "request"
	actionCancellation = "request_cancellation"
)

var ErrSendInProgress = errors.New("keyrequest: send loop already in progress")

// pendingStates are the states which still require something to be sent.
var pendingStates = []RequestState{StateUnsent, StateCancellationPending, StateCancellationPendingAndWillResend}

type Store interface {
	// RequestByBody returns the request with an equal body, or nil.
	RequestByBody(body *RequestBody) (*Request, error)
	// GetOrAddRequest stores req unless a request with an equal body exists, and returns the stored one.
	GetOrAddRequest(req *Request) (*Request, error)
	// UpdateRequest applies patch if the request is in the expected state. It returns the updated request,
	// or nil if the request is missing or in another state.
	UpdateRequest(id ids.ID, expected RequestState, patch *Patch) (*Request, error)
	// DeleteRequest deletes the request if it is in the expected state. It returns the deleted request, or
	// nil if nothing was deleted.
	DeleteRequest(id ids.ID, expected RequestState) (*Request, error)
	RequestByState(states ...RequestState) (*Request, error)
	RequestsByState(state RequestState) ([]*Request, error)
	RequestsByTarget(userID, deviceID string, states ...RequestState) ([]*Request, error)
}

type Sender interface {
	SendToDevice(ctx context.Context, eventType string, messages transport.Messages, txnID string) error
	MakeTxnID() string
}

// Classifier reports whether err is a permanent rejection. A request rejected permanently is abandoned.
type Classifier func(err error) bool

type Option func(*Manager)

func WithClassifier(c Classifier) Option {
	return func(m *Manager) {
		m.classify = c
	}
}

type message struct {
	Action             string       `json:"action"`
	RequestingDeviceID string       `json:"requesting_device_id"`
	RequestID          string       `json:"request_id"`
	Body               *RequestBody `json:"body,omitempty"`
	MessageID          string       `json:"org.matrix.msgid"`
}

type Manager struct {
	config   *config.Config
	store    Store
	sender   Sender
	clock    clock.Clock
	log      *zap.SugaredLogger
	classify Classifier
	finished sync.WaitGroup
	lock     sync.Mutex
	running  bool
	sending  bool
	rerun    bool
	timer    clock.Timer
}

func NewManager(config *config.Config, store Store, sender Sender, clock clock.Clock, opts ...Option) *Manager {
	m := &Manager{
		config:   config,
		store:    store,
		sender:   sender,
		clock:    clock,
		log:      config.Logger("keyrequest/manager"),
		classify: transport.IsPermanent,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) Start() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.running = true
}

// Stop cancels the scheduled send loop. A loop which is already running exits before its next request.
func (m *Manager) Stop() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.running = false
	m.rerun = false
	// A timer which already fired stays set until its loop exits.
	if m.timer != nil && !m.sending && m.timer.Stop() {
		m.timer = nil
	}
}

// WaitForSend blocks until no send loop is running.
func (m *Manager) WaitForSend() {
	m.finished.Wait()
}

// QueueRoomKeyRequest makes sure a request for body is sent to the recipients. If resend is true and the
// request was already sent, it is cancelled and sent again with a new transaction id.
func (m *Manager) QueueRoomKeyRequest(body *RequestBody, recipients []*Recipient, resend bool) error {
	if err := m.queueRoomKeyRequest(body, recipients, resend); err != nil {
		return err
	}
	m.startTimer()
	return nil
}

func (m *Manager) queueRoomKeyRequest(body *RequestBody, recipients []*Recipient, resend bool) error {
	for {
		req, err := m.store.RequestByBody(body)
		if err != nil {
			return fmt.Errorf("keyrequest: error looking up request: %w", err)
		}

		if req == nil {
			req, err = m.store.GetOrAddRequest(&Request{
				ID:         ids.NewID(),
				Body:       body,
				Recipients: recipients,
				RequestID:  m.sender.MakeTxnID(),
				State:      StateUnsent,
			})
			if err != nil {
				return fmt.Errorf("keyrequest: error adding request: %w", err)
			}
			m.log.Debugf("enqueued key request %s for %s/%s", req.RequestID, body.RoomID, body.SessionID)
			return nil
		}

		switch req.State {
		case StateUnsent, StateCancellationPendingAndWillResend:
			return nil

		case StateCancellationPending:
			state := StateSent
			if resend {
				state = StateCancellationPendingAndWillResend
			}
			updated, err := m.store.UpdateRequest(req.ID, StateCancellationPending, &Patch{
				State:             state,
				CancellationTxnID: m.sender.MakeTxnID(),
			})
			if err != nil {
				return fmt.Errorf("keyrequest: error updating request %s: %w", req.RequestID, err)
			}
			if updated == nil {
				m.log.Infof("key request %s changed state concurrently, retrying", req.RequestID)
				continue
			}
			m.log.Debugf("key request %s moved from %s to %s", req.RequestID, StateCancellationPending, state)
			return nil

		case StateSent:
			if !resend {
				return nil
			}
			updated, err := m.store.UpdateRequest(req.ID, StateSent, &Patch{
				State:             StateCancellationPendingAndWillResend,
				CancellationTxnID: m.sender.MakeTxnID(),
				RequestTxnID:      m.sender.MakeTxnID(),
			})
			if err != nil {
				return fmt.Errorf("keyrequest: error updating request %s: %w", req.RequestID, err)
			}
			if updated == nil {
				m.log.Infof("key request %s changed state concurrently, retrying", req.RequestID)
				continue
			}
			m.log.Debugf("sending cancellation for key request %s before resending", req.RequestID)
			if err := m.sendCancellation(updated, true); err != nil {
				m.log.Errorf("error sending cancellation for key request %s, will retry: %v", req.RequestID, err)
			}
			return nil

		default:
			return fmt.Errorf("keyrequest: unexpected state %s", req.State)
		}
	}
}

// CancelRoomKeyRequest cancels the request for body. A request which was never sent is deleted without
// sending anything.
func (m *Manager) CancelRoomKeyRequest(body *RequestBody) error {
	for {
		req, err := m.store.RequestByBody(body)
		if err != nil {
			return fmt.Errorf("keyrequest: error looking up request: %w", err)
		}
		if req == nil {
			return nil
		}

		switch req.State {
		case StateCancellationPending, StateCancellationPendingAndWillResend:
			return nil

		case StateUnsent:
			deleted, err := m.store.DeleteRequest(req.ID, StateUnsent)
			if err != nil {
				return fmt.Errorf("keyrequest: error deleting request %s: %w", req.RequestID, err)
			}
			if deleted == nil {
				m.log.Infof("tried to cancel unsent key request %s but it changed state, retrying", req.RequestID)
				continue
			}
			m.log.Debugf("deleted unsent key request %s", req.RequestID)
			return nil

		case StateSent:
			updated, err := m.store.UpdateRequest(req.ID, StateSent, &Patch{
				State:             StateCancellationPending,
				CancellationTxnID: m.sender.MakeTxnID(),
			})
			if err != nil {
				return fmt.Errorf("keyrequest: error updating request %s: %w", req.RequestID, err)
			}
			if updated == nil {
				m.log.Infof("tried to cancel key request %s but it changed state, retrying", req.RequestID)
				continue
			}
			if err := m.sendCancellation(updated, false); err != nil {
				m.log.Errorf("error sending cancellation for key request %s, will retry: %v", req.RequestID, err)
				m.startTimer()
			}
			return nil

		default:
			return fmt.Errorf("keyrequest: unexpected state %s", req.State)
		}
	}
}

// SendQueuedRequests schedules the send loop unless it is already scheduled or running.
func (m *Manager) SendQueuedRequests() {
	m.startTimer()
}

// CancelAndResendAllOutgoingRequests cancels every sent request and sends it again.
func (m *Manager) CancelAndResendAllOutgoingRequests() error {
	reqs, err := m.store.RequestsByState(StateSent)
	if err != nil {
		return fmt.Errorf("keyrequest: error listing sent requests: %w", err)
	}
	var errs []error
	for _, req := range reqs {
		if err := m.QueueRoomKeyRequest(req.Body, req.Recipients, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GetOutgoingSentRoomKeyRequest returns the sent requests addressed to the device.
func (m *Manager) GetOutgoingSentRoomKeyRequest(userID, deviceID string) ([]*Request, error) {
	return m.store.RequestsByTarget(userID, deviceID, StateSent)
}

func (m *Manager) startTimer() {
	m.lock.Lock()
	defer m.lock.Unlock()
	if !m.running {
		return
	}
	if m.timer != nil {
		if m.sending {
			m.rerun = true
		}
		return
	}
	m.timer = m.clock.AfterFunc(time.Duration(m.config.KeyRequestDelayMs)*time.Millisecond, m.onTimer)
}

func (m *Manager) onTimer() {
	if err := m.sendOutgoingRequests(); err != nil {
		m.log.Panicf("key request send loop: %v", err)
	}
}

func (m *Manager) sendOutgoingRequests() error {
	m.lock.Lock()
	if m.sending {
		m.lock.Unlock()
		return ErrSendInProgress
	}
	if !m.running {
		m.timer = nil
		m.lock.Unlock()
		m.log.Debugf("manager stopped, not starting send loop")
		return nil
	}
	m.sending = true
	m.finished.Add(1)
	m.lock.Unlock()

	defer m.finished.Done()
	defer func() {
		m.lock.Lock()
		defer m.lock.Unlock()
		m.sending = false
		m.timer = nil
		if m.rerun && m.running {
			m.rerun = false
			m.timer = m.clock.AfterFunc(time.Duration(m.config.KeyRequestDelayMs)*time.Millisecond, m.onTimer)
		}
	}()

	for {
		if !m.isRunning() {
			m.log.Debugf("manager stopped, leaving send loop")
			return nil
		}

		req, err := m.store.RequestByState(pendingStates...)
		if err != nil {
			m.log.Errorf("error getting pending key request, will retry later: %v", err)
			return nil
		}
		if req == nil {
			m.log.Debugf("no more outgoing key requests")
			return nil
		}

		switch req.State {
		case StateUnsent:
			err = m.sendRequest(req)
		case StateCancellationPending:
			err = m.sendCancellation(req, false)
		case StateCancellationPendingAndWillResend:
			err = m.sendCancellation(req, true)
		}
		if err == nil {
			continue
		}

		if !m.classify(err) {
			m.log.Errorf("error sending key request %s, will retry later: %v", req.RequestID, err)
			return nil
		}
		m.log.Errorf("key request %s rejected, abandoning it: %v", req.RequestID, err)
		if _, err := m.store.DeleteRequest(req.ID, req.State); err != nil {
			m.log.Errorf("error deleting abandoned key request %s: %v", req.RequestID, err)
			return nil
		}
	}
}

func (m *Manager) isRunning() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.running
}

func (m *Manager) sendRequest(req *Request) error {
	m.log.Debugf("requesting keys for %s/%s from %d devices with txn %s", req.Body.RoomID, req.Body.SessionID, len(req.Recipients), req.requestTxnID())
	if err := m.sendToDevices(&message{
		Action:             actionRequest,
		RequestingDeviceID: m.config.DeviceID,
		RequestID:          req.RequestID,
		Body:               req.Body,
	}, req.Recipients, req.requestTxnID()); err != nil {
		return err
	}
	if _, err := m.store.UpdateRequest(req.ID, StateUnsent, &Patch{State: StateSent}); err != nil {
		return fmt.Errorf("keyrequest: error marking request %s sent: %w", req.RequestID, err)
	}
	return nil
}

func (m *Manager) sendCancellation(req *Request, andResend bool) error {
	m.log.Debugf("cancelling key request %s with txn %s resend=%t", req.RequestID, req.cancellationTxnID(), andResend)
	if err := m.sendToDevices(&message{
		Action:             actionCancellation,
		RequestingDeviceID: m.config.DeviceID,
		RequestID:          req.RequestID,
	}, req.Recipients, req.cancellationTxnID()); err != nil {
		return err
	}

	if andResend {
		if _, err := m.store.UpdateRequest(req.ID, StateCancellationPendingAndWillResend, &Patch{State: StateUnsent}); err != nil {
			return fmt.Errorf("keyrequest: error requeueing request %s: %w", req.RequestID, err)
		}
		return nil
	}
	if _, err := m.store.DeleteRequest(req.ID, StateCancellationPending); err != nil {
		return fmt.Errorf("keyrequest: error deleting cancelled request %s: %w", req.RequestID, err)
	}
	return nil
}

// sendToDevices sends one copy of msg to every recipient, each with its own message id.
func (m *Manager) sendToDevices(msg *message, recipients []*Recipient, txnID string) error {
	contentMap := make(transport.Messages)
	for _, r := range recipients {
		payload := *msg
		payload.MessageID = uuid.NewString()
		b, err := json.Marshal(&payload)
		if err != nil {
			return err
		}
		if _, ok := contentMap[r.UserID]; !ok {
			contentMap[r.UserID] = make(map[string]json.RawMessage)
		}
		contentMap[r.UserID][r.DeviceID] = b
	}
	return m.sender.SendToDevice(context.Background(), EventType, contentMap, txnID)
}
