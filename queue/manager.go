// Package queue implements a durable queue of outgoing to-device messages. Messages are persisted in
// bounded batches and sent oldest first, one batch at a time. A batch is removed from the store only once
// the transport has confirmed it, so batches survive restarts and are never sent again once removed.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/meow-io/go-todevice/clock"
	"github.com/meow-io/go-todevice/config"
	"github.com/meow-io/go-todevice/transport"
	"go.uber.org/zap"
)

// Message is a payload addressed to a single device.
type Message struct {
	UserID   string          `json:"user_id"`
	DeviceID string          `json:"device_id"`
	Payload  json.RawMessage `json:"payload"`
}

// BatchRequest is a list of messages of one event type, in the order they should be delivered.
type BatchRequest struct {
	EventType string
	Messages  []*Message
}

// Batch is a persisted group of messages sent with a single transport call.
type Batch struct {
	ID        int64
	EventType string
	TxnID     string
	Messages  []*Message
}

func (b *Batch) contentMap() transport.Messages {
	contentMap := make(transport.Messages)
	for _, message := range b.Messages {
		if _, ok := contentMap[message.UserID]; !ok {
			contentMap[message.UserID] = make(map[string]json.RawMessage)
		}
		contentMap[message.UserID][message.DeviceID] = message.Payload
	}
	return contentMap
}

type recipient struct {
	userID   string
	deviceID string
}

type Store interface {
	// SaveBatches persists all batches atomically and assigns their ids in order.
	SaveBatches(batches []*Batch) error
	// OldestBatch returns the batch with the lowest id, or nil when the queue is empty.
	OldestBatch() (*Batch, error)
	RemoveBatch(id int64) error
	BatchCount() (int, error)
}

type Sender interface {
	SendToDevice(ctx context.Context, eventType string, messages transport.Messages, txnID string) error
	MakeTxnID() string
	Resumed(f func()) func()
}

// Classifier reports whether err is a permanent rejection. Batches rejected permanently are dropped.
type Classifier func(err error) bool

type Option func(*Manager)

func WithClassifier(c Classifier) Option {
	return func(m *Manager) {
		m.classify = c
	}
}

// WithBackOff replaces the retry policy. When the policy returns backoff.Stop the queue pauses until it is
// triggered again.
func WithBackOff(b backoff.BackOff) Option {
	return func(m *Manager) {
		m.backOff = b
	}
}

type Manager struct {
	config      *config.Config
	store       Store
	sender      Sender
	clock       clock.Clock
	log         *zap.SugaredLogger
	classify    Classifier
	backOff     backoff.BackOff
	finished    sync.WaitGroup
	lock        sync.Mutex
	running     bool
	inFlight    bool
	rerun       bool
	failures    int
	retryTimer  clock.Timer
	unsubscribe func()
}

func NewManager(config *config.Config, store Store, sender Sender, clock clock.Clock, opts ...Option) *Manager {
	m := &Manager{
		config:   config,
		store:    store,
		sender:   sender,
		clock:    clock,
		log:      config.Logger("queue/manager"),
		classify: transport.IsPermanent,
		backOff:  newBackOff(config),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func newBackOff(c *config.Config) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(c.RetryInitialIntervalMs) * time.Millisecond
	b.MaxInterval = time.Duration(c.RetryMaxIntervalMs) * time.Millisecond
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, c.RetryMaxAttempts)
}

// Start begins draining the queue and keeps draining whenever the transport reports that a lost
// connection was resumed.
func (m *Manager) Start() {
	m.lock.Lock()
	if m.running {
		m.lock.Unlock()
		return
	}
	m.running = true
	m.unsubscribe = m.sender.Resumed(func() {
		m.trigger("connection resumed")
	})
	m.lock.Unlock()

	m.trigger("start")
}

// Stop prevents further batches from being sent. A send already in progress is allowed to finish.
func (m *Manager) Stop() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.running = false
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
}

// WaitForDrain blocks until no drain is running.
func (m *Manager) WaitForDrain() {
	m.finished.Wait()
}

// QueueBatch splits each request into batches of at most BatchSize messages, persists all of them and
// triggers sending. It returns once the batches are stored, not once they are sent.
func (m *Manager) QueueBatch(requests ...*BatchRequest) error {
	var batches []*Batch
	for _, req := range requests {
		for _, messages := range split(req.Messages, m.config.BatchSize) {
			batches = append(batches, &Batch{
				EventType: req.EventType,
				TxnID:     m.sender.MakeTxnID(),
				Messages:  messages,
			})
		}
	}
	if len(batches) == 0 {
		return nil
	}

	if err := m.store.SaveBatches(batches); err != nil {
		return fmt.Errorf("queue: error saving %d batches: %w", len(batches), err)
	}
	m.log.Debugf("queued %d batches", len(batches))
	m.trigger("batches queued")
	return nil
}

// split cuts messages into contiguous runs of at most size messages. A run also ends before a device it
// already addresses, since a single transport call carries one payload per device.
func split(messages []*Message, size int) [][]*Message {
	var runs [][]*Message
	start := 0
	seen := make(map[recipient]struct{})
	for i, message := range messages {
		r := recipient{message.UserID, message.DeviceID}
		if _, ok := seen[r]; ok || i-start == size {
			runs = append(runs, messages[start:i])
			start = i
			seen = make(map[recipient]struct{})
		}
		seen[r] = struct{}{}
	}
	if start < len(messages) {
		runs = append(runs, messages[start:])
	}
	return runs
}

func (m *Manager) PendingBatches() (int, error) {
	return m.store.BatchCount()
}

func (m *Manager) trigger(reason string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if !m.running {
		return
	}
	if m.inFlight {
		m.rerun = true
		return
	}
	m.log.Debugf("draining queue: %s", reason)
	m.inFlight = true
	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		m.drain()
	}()
}

func (m *Manager) drain() {
	for {
		batch, err := m.store.OldestBatch()
		if err != nil {
			m.failed(fmt.Errorf("queue: error getting oldest batch: %w", err))
			return
		}
		if batch == nil {
			if m.idle() {
				m.log.Debugf("all queued to-device messages sent")
				return
			}
			continue
		}
		if !m.isRunning() {
			m.idle()
			return
		}

		m.log.Debugf("sending batch %d of %d %s messages txn=%s", batch.ID, len(batch.Messages), batch.EventType, batch.TxnID)
		if err := m.sender.SendToDevice(context.Background(), batch.EventType, batch.contentMap(), batch.TxnID); err != nil {
			if !m.classify(err) {
				m.failed(fmt.Errorf("queue: error sending batch %d: %w", batch.ID, err))
				return
			}
			m.log.Errorf("permanent error sending batch %d, dropping it: %v", batch.ID, err)
		} else {
			m.succeeded()
		}

		if err := m.store.RemoveBatch(batch.ID); err != nil {
			m.failed(fmt.Errorf("queue: error removing batch %d: %w", batch.ID, err))
			return
		}
	}
}

func (m *Manager) isRunning() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.running
}

// idle marks the drain finished unless a trigger arrived while it was running, in which case the store
// has to be checked again.
func (m *Manager) idle() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.rerun && m.running {
		m.rerun = false
		return false
	}
	m.rerun = false
	m.inFlight = false
	return true
}

func (m *Manager) succeeded() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.failures = 0
	m.backOff.Reset()
}

func (m *Manager) failed(err error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.inFlight = false
	m.rerun = false
	m.failures++

	delay := m.backOff.NextBackOff()
	if delay == backoff.Stop {
		m.log.Infof("automatic retry limit reached after %d failures, pausing until next trigger: %v", m.failures, err)
		return
	}
	if retryAfter, ok := transport.RetryAfter(err); ok {
		delay = retryAfter
	}
	if !m.running {
		return
	}
	m.log.Infof("failed to send batch (attempt %d), will retry in %s: %v", m.failures, delay, err)
	m.retryTimer = m.clock.AfterFunc(delay, func() {
		m.trigger("retry")
	})
}
