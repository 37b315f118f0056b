// Defines the device-messaging transport used by the queue and the key request manager. The manager
// generates transaction ids, tracks whether the homeserver is reachable and notifies subscribers when a
// lost connection is resumed.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meow-io/go-todevice/clock"
	"github.com/meow-io/go-todevice/config"
	"go.uber.org/zap"
)

// Messages maps user id to device id to the payload for that device.
type Messages map[string]map[string]json.RawMessage

// Client performs the actual requests against the homeserver.
type Client interface {
	SendToDevice(ctx context.Context, eventType string, messages Messages, txnID string) error
	Ping(ctx context.Context) error
}

type Manager struct {
	config        *config.Config
	client        Client
	clock         clock.Clock
	log           *zap.SugaredLogger
	finished      sync.WaitGroup
	cancelFunc    context.CancelFunc
	txnCounter    atomic.Uint64
	statusLock    sync.Mutex
	online        bool
	subscribers   map[uint64]func()
	subscriberSeq uint64
}

func NewManager(config *config.Config, client Client, clock clock.Clock) *Manager {
	return &Manager{
		config:      config,
		client:      client,
		clock:       clock,
		log:         config.Logger("transport/manager"),
		online:      true,
		subscribers: make(map[uint64]func()),
	}
}

func (m *Manager) Start() error {
	ctx, cancelFunc := context.WithCancel(context.Background())
	m.cancelFunc = cancelFunc
	m.startPreflightChecker(ctx)
	return nil
}

func (m *Manager) Shutdown() error {
	if m.cancelFunc != nil {
		m.cancelFunc()
		m.finished.Wait()
		m.cancelFunc = nil
	}
	return nil
}

// MakeTxnID returns a transaction id which is unique for this client.
func (m *Manager) MakeTxnID() string {
	return fmt.Sprintf("m%d.%d", m.clock.CurrentTimeMs(), m.txnCounter.Add(1))
}

func (m *Manager) SendToDevice(ctx context.Context, eventType string, messages Messages, txnID string) error {
	ctx, cancelFn := context.WithTimeout(ctx, time.Duration(m.config.RequestTimeoutMs)*time.Millisecond)
	defer cancelFn()

	err := m.client.SendToDevice(ctx, eventType, messages, txnID)
	if err != nil {
		var httpErr *HTTPError
		if !errors.As(err, &httpErr) {
			m.setOnline(false)
		}
		return err
	}
	m.setOnline(true)
	return nil
}

// Resumed registers f to be called whenever the homeserver becomes reachable after being unreachable.
// The returned function removes the registration.
func (m *Manager) Resumed(f func()) func() {
	m.statusLock.Lock()
	defer m.statusLock.Unlock()
	m.subscriberSeq++
	id := m.subscriberSeq
	m.subscribers[id] = f
	return func() {
		m.statusLock.Lock()
		defer m.statusLock.Unlock()
		delete(m.subscribers, id)
	}
}

func (m *Manager) Online() bool {
	m.statusLock.Lock()
	defer m.statusLock.Unlock()
	return m.online
}

func (m *Manager) setOnline(online bool) {
	m.statusLock.Lock()
	defer m.statusLock.Unlock()
	if m.online == online {
		return
	}
	m.online = online
	if !online {
		m.log.Infof("homeserver unreachable")
		return
	}
	m.log.Infof("homeserver reachable again, notifying %d subscribers", len(m.subscribers))
	for _, f := range m.subscribers {
		go f()
	}
}

func (m *Manager) startPreflightChecker(ctx context.Context) {
	interval := time.Duration(m.config.PreflightIntervalMs) * time.Millisecond
	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
				m.performPreflight(ctx)
			}
		}
	}()
}

func (m *Manager) performPreflight(ctx context.Context) {
	reqCtx, cancelFn := context.WithTimeout(ctx, time.Duration(m.config.RequestTimeoutMs)*time.Millisecond)
	defer cancelFn()
	if err := m.client.Ping(reqCtx); err != nil {
		m.log.Debugf("error in preflight %v", err)
		var httpErr *HTTPError
		if !errors.As(err, &httpErr) {
			m.setOnline(false)
			return
		}
	}
	m.setOnline(true)
}
