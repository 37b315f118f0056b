package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/meow-io/go-todevice/internal/test"
	"github.com/meow-io/go-todevice/transport"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slices"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type sentBatch struct {
	eventType string
	txnID     string
	count     int
	devices   []string
}

type testSender struct {
	lock    sync.Mutex
	txn     int
	sent    []*sentBatch
	errs    []error
	block   chan struct{}
	resumed func()
}

func (s *testSender) SendToDevice(_ context.Context, eventType string, messages transport.Messages, txnID string) error {
	s.lock.Lock()
	block := s.block
	s.block = nil
	s.lock.Unlock()
	if block != nil {
		<-block
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	var devices []string
	for userID, payloads := range messages {
		for deviceID := range payloads {
			devices = append(devices, userID+"/"+deviceID)
		}
	}
	slices.Sort(devices)
	s.sent = append(s.sent, &sentBatch{eventType: eventType, txnID: txnID, count: len(devices), devices: devices})
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *testSender) MakeTxnID() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.txn++
	return fmt.Sprintf("txn%d", s.txn)
}

func (s *testSender) Resumed(f func()) func() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.resumed = f
	return func() {
		s.lock.Lock()
		defer s.lock.Unlock()
		s.resumed = nil
	}
}

func (s *testSender) resume() {
	s.lock.Lock()
	f := s.resumed
	s.lock.Unlock()
	if f != nil {
		f()
	}
}

func (s *testSender) failWith(errs ...error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.errs = errs
}

func (s *testSender) sentBatches() []*sentBatch {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]*sentBatch(nil), s.sent...)
}

func testBackOff(maxRetries uint64) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, maxRetries)
}

func newTestStore(t *testing.T) *SQLStore {
	s, err := NewSQLStore(test.NewTestDatabase(test.NewConfig("queue")))
	require.Nil(t, err)
	return s
}

func newRequest(eventType, userID string, n int) *BatchRequest {
	req := &BatchRequest{EventType: eventType}
	for i := 0; i != n; i++ {
		req.Messages = append(req.Messages, &Message{
			UserID:   userID,
			DeviceID: fmt.Sprintf("DEVICE%d", i),
			Payload:  json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
		})
	}
	return req
}

func deviceRange(userID string, from, to int) []string {
	var devices []string
	for i := from; i != to; i++ {
		devices = append(devices, fmt.Sprintf("%s/DEVICE%d", userID, i))
	}
	slices.Sort(devices)
	return devices
}

func transientError() error {
	return &transport.HTTPError{StatusCode: http.StatusBadGateway}
}

func TestQueueBatchSplitsAndSendsInOrder(t *testing.T) {
	require := require.New(t)

	store := newTestStore(t)
	sender := &testSender{}
	clock := test.NewClock()
	m := NewManager(test.NewConfig("queue"), store, sender, clock)

	require.Nil(m.QueueBatch(newRequest("m.a", "@a:x", 25), newRequest("m.b", "@b:x", 5)))
	require.Nil(m.QueueBatch(newRequest("m.c", "@c:x", 20)))
	count, err := m.PendingBatches()
	require.Nil(err)
	require.Equal(4, count)
	require.Len(sender.sentBatches(), 0)

	m.Start()
	m.WaitForDrain()

	sent := sender.sentBatches()
	require.Len(sent, 4)
	require.Equal([]string{"m.a", "m.a", "m.b", "m.c"}, []string{sent[0].eventType, sent[1].eventType, sent[2].eventType, sent[3].eventType})
	require.Equal([]int{20, 5, 5, 20}, []int{sent[0].count, sent[1].count, sent[2].count, sent[3].count})
	require.Equal([]string{"txn1", "txn2", "txn3", "txn4"}, []string{sent[0].txnID, sent[1].txnID, sent[2].txnID, sent[3].txnID})
	require.Equal(deviceRange("@a:x", 0, 20), sent[0].devices)
	require.Equal(deviceRange("@a:x", 20, 25), sent[1].devices)
	require.Equal(deviceRange("@b:x", 0, 5), sent[2].devices)
	require.Equal(deviceRange("@c:x", 0, 20), sent[3].devices)

	count, err = m.PendingBatches()
	require.Nil(err)
	require.Equal(0, count)
	require.Len(clock.Pending(), 0)
}

func TestQueueBatchSplitsOnRepeatedDevice(t *testing.T) {
	require := require.New(t)

	store := newTestStore(t)
	sender := &testSender{}
	m := NewManager(test.NewConfig("queue"), store, sender, test.NewClock())

	req := newRequest("m.a", "@a:x", 3)
	req.Messages = append(req.Messages, &Message{UserID: "@a:x", DeviceID: "DEVICE1", Payload: json.RawMessage(`{"n":"again"}`)})
	req.Messages = append(req.Messages, &Message{UserID: "@b:x", DeviceID: "DEVICE1", Payload: json.RawMessage(`{"n":"other"}`)})
	require.Nil(m.QueueBatch(req))
	count, err := m.PendingBatches()
	require.Nil(err)
	require.Equal(2, count)

	m.Start()
	m.WaitForDrain()

	sent := sender.sentBatches()
	require.Len(sent, 2)
	require.Equal(deviceRange("@a:x", 0, 3), sent[0].devices)
	require.Equal([]string{"@a:x/DEVICE1", "@b:x/DEVICE1"}, sent[1].devices)
}

func TestSplitKeepsOrder(t *testing.T) {
	require := require.New(t)

	messages := newRequest("m.a", "@a:x", 5).Messages
	messages = append(messages, messages[4], messages[0])
	runs := split(messages, 3)
	require.Len(runs, 3)
	require.Equal(messages[0:3], runs[0])
	require.Equal(messages[3:5], runs[1])
	require.Equal(messages[5:7], runs[2])
	require.Len(split(nil, 3), 0)
}

func TestQueueBatchEmptyRequest(t *testing.T) {
	require := require.New(t)

	store := newTestStore(t)
	m := NewManager(test.NewConfig("queue"), store, &testSender{}, test.NewClock())
	require.Nil(m.QueueBatch(&BatchRequest{EventType: "m.a"}))
	count, err := m.PendingBatches()
	require.Nil(err)
	require.Equal(0, count)
}

func TestRestartDoesNotResendRemovedBatches(t *testing.T) {
	require := require.New(t)

	c := test.NewConfig("queue")
	path := test.NewTestDatabasePath()
	d := test.OpenTestDatabase(c, path)
	store, err := NewSQLStore(d)
	require.Nil(err)

	sender := &testSender{}
	sender.failWith(nil, transientError())
	m := NewManager(c, store, sender, test.NewClock(), WithBackOff(&backoff.StopBackOff{}))
	require.Nil(m.QueueBatch(newRequest("m.a", "@a:x", 50)))
	m.Start()
	m.WaitForDrain()
	m.Stop()
	require.Len(sender.sentBatches(), 2)
	require.Nil(d.Shutdown())

	d = test.OpenTestDatabase(c, path)
	store, err = NewSQLStore(d)
	require.Nil(err)
	restarted := &testSender{}
	m = NewManager(c, store, restarted, test.NewClock())
	m.Start()
	m.WaitForDrain()

	sent := restarted.sentBatches()
	require.Len(sent, 2)
	require.Equal("txn2", sent[0].txnID)
	require.Equal(20, sent[0].count)
	require.Equal("txn3", sent[1].txnID)
	require.Equal(10, sent[1].count)
}

func TestRetryWithIncreasingDelay(t *testing.T) {
	require := require.New(t)

	store := newTestStore(t)
	sender := &testSender{}
	sender.failWith(transientError(), transientError())
	clock := test.NewClock()
	m := NewManager(test.NewConfig("queue"), store, sender, clock, WithBackOff(testBackOff(4)))

	require.Nil(m.QueueBatch(newRequest("m.a", "@a:x", 3)))
	m.Start()
	m.WaitForDrain()
	pending := clock.Pending()
	require.Len(pending, 1)
	require.Equal(100*time.Millisecond, pending[0].Duration)

	clock.Advance(100 * time.Millisecond)
	m.WaitForDrain()
	pending = clock.Pending()
	require.Len(pending, 1)
	require.Equal(200*time.Millisecond, pending[0].Duration)

	clock.Advance(200 * time.Millisecond)
	m.WaitForDrain()
	require.Len(clock.Pending(), 0)
	require.Len(sender.sentBatches(), 3)
	count, err := m.PendingBatches()
	require.Nil(err)
	require.Equal(0, count)

	// a later failure starts again from the initial interval
	sender.failWith(transientError())
	require.Nil(m.QueueBatch(newRequest("m.a", "@a:x", 1)))
	m.WaitForDrain()
	pending = clock.Pending()
	require.Len(pending, 1)
	require.Equal(100*time.Millisecond, pending[0].Duration)
}

func TestRetryAfterOverridesDelay(t *testing.T) {
	require := require.New(t)

	store := newTestStore(t)
	sender := &testSender{}
	sender.failWith(&transport.HTTPError{StatusCode: http.StatusTooManyRequests, ErrCode: transport.ErrorLimitExceeded, RetryAfter: 3 * time.Second})
	clock := test.NewClock()
	m := NewManager(test.NewConfig("queue"), store, sender, clock, WithBackOff(testBackOff(4)))

	require.Nil(m.QueueBatch(newRequest("m.a", "@a:x", 1)))
	m.Start()
	m.WaitForDrain()
	pending := clock.Pending()
	require.Len(pending, 1)
	require.Equal(3*time.Second, pending[0].Duration)
}

func TestPermanentErrorDropsBatch(t *testing.T) {
	require := require.New(t)

	store := newTestStore(t)
	sender := &testSender{}
	sender.failWith(&transport.HTTPError{StatusCode: http.StatusBadRequest, ErrCode: "M_BAD_JSON"})
	clock := test.NewClock()
	m := NewManager(test.NewConfig("queue"), store, sender, clock)

	require.Nil(m.QueueBatch(newRequest("m.a", "@a:x", 1), newRequest("m.b", "@b:x", 1)))
	m.Start()
	m.WaitForDrain()

	sent := sender.sentBatches()
	require.Len(sent, 2)
	require.Equal("m.a", sent[0].eventType)
	require.Equal("m.b", sent[1].eventType)
	require.Len(clock.Pending(), 0)
	count, err := m.PendingBatches()
	require.Nil(err)
	require.Equal(0, count)
}

func TestCustomClassifier(t *testing.T) {
	require := require.New(t)

	errRejected := errors.New("rejected")
	store := newTestStore(t)
	sender := &testSender{}
	sender.failWith(errRejected)
	clock := test.NewClock()
	m := NewManager(test.NewConfig("queue"), store, sender, clock, WithClassifier(func(err error) bool {
		return errors.Is(err, errRejected)
	}))

	require.Nil(m.QueueBatch(newRequest("m.a", "@a:x", 1)))
	m.Start()
	m.WaitForDrain()
	require.Len(clock.Pending(), 0)
	count, err := m.PendingBatches()
	require.Nil(err)
	require.Equal(0, count)
}

func TestGiveUpPausesUntilResumed(t *testing.T) {
	require := require.New(t)

	store := newTestStore(t)
	sender := &testSender{}
	sender.failWith(transientError(), transientError())
	clock := test.NewClock()
	m := NewManager(test.NewConfig("queue"), store, sender, clock, WithBackOff(testBackOff(1)))

	require.Nil(m.QueueBatch(newRequest("m.a", "@a:x", 1)))
	m.Start()
	m.WaitForDrain()
	require.Len(clock.Pending(), 1)

	clock.Advance(time.Second)
	m.WaitForDrain()
	require.Len(clock.Pending(), 0)
	require.Len(sender.sentBatches(), 2)
	count, err := m.PendingBatches()
	require.Nil(err)
	require.Equal(1, count)

	sender.resume()
	m.WaitForDrain()
	require.Len(sender.sentBatches(), 3)
	count, err = m.PendingBatches()
	require.Nil(err)
	require.Equal(0, count)
}

func TestStopCancelsRetry(t *testing.T) {
	require := require.New(t)

	store := newTestStore(t)
	sender := &testSender{}
	sender.failWith(transientError())
	clock := test.NewClock()
	m := NewManager(test.NewConfig("queue"), store, sender, clock, WithBackOff(testBackOff(4)))

	require.Nil(m.QueueBatch(newRequest("m.a", "@a:x", 1)))
	m.Start()
	m.WaitForDrain()
	require.Len(clock.Pending(), 1)

	m.Stop()
	require.Len(clock.Pending(), 0)

	require.Nil(m.QueueBatch(newRequest("m.b", "@b:x", 1)))
	sender.resume()
	m.WaitForDrain()
	require.Len(sender.sentBatches(), 1)
	count, err := m.PendingBatches()
	require.Nil(err)
	require.Equal(2, count)
}

func TestQueueWhileSending(t *testing.T) {
	require := require.New(t)

	store := newTestStore(t)
	release := make(chan struct{})
	sender := &testSender{block: release}
	m := NewManager(test.NewConfig("queue"), store, sender, test.NewClock())

	m.Start()
	require.Nil(m.QueueBatch(newRequest("m.a", "@a:x", 1)))
	require.Nil(m.QueueBatch(newRequest("m.b", "@b:x", 1)))
	close(release)
	m.WaitForDrain()

	sent := sender.sentBatches()
	require.Len(sent, 2)
	require.Equal("m.a", sent[0].eventType)
	require.Equal("m.b", sent[1].eventType)
}
