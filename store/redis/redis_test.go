package redis

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/meow-io/go-todevice/config"
	"github.com/meow-io/go-todevice/ids"
	"github.com/meow-io/go-todevice/keyrequest"
	"github.com/meow-io/go-todevice/queue"
	"github.com/stretchr/testify/require"
)

var (
	_ queue.Store      = (*Store)(nil)
	_ keyrequest.Store = (*Store)(nil)
)

// newTestStore connects to the server named by REDIS_ADDR using a fresh key prefix.
func newTestStore(t *testing.T) *Store {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	prefix := "todevice-test-" + ids.NewID().String()
	s, err := NewStore(config.NewConfig(
		config.WithLoggingPrefix("redis"),
		config.WithoutLogFile(),
		config.WithRedis(addr, os.Getenv("REDIS_PASSWORD"), 0),
		config.WithRedisPrefix(prefix),
	))
	require.Nil(t, err)
	t.Cleanup(func() {
		ctx := context.Background()
		keys, err := s.client.Keys(ctx, prefix+":*").Result()
		if err == nil && len(keys) != 0 {
			s.client.Del(ctx, keys...)
		}
		_ = s.Close()
	})
	return s
}

func TestBatches(t *testing.T) {
	require := require.New(t)

	s := newTestStore(t)
	b, err := s.OldestBatch()
	require.Nil(err)
	require.Nil(b)

	batches := []*queue.Batch{
		{EventType: "m.a", TxnID: "txn1", Messages: []*queue.Message{{UserID: "@a:x", DeviceID: "A", Payload: json.RawMessage(`{"n":1}`)}}},
		{EventType: "m.b", TxnID: "txn2"},
	}
	require.Nil(s.SaveBatches(batches))
	require.Less(batches[0].ID, batches[1].ID)
	count, err := s.BatchCount()
	require.Nil(err)
	require.Equal(2, count)

	b, err = s.OldestBatch()
	require.Nil(err)
	require.Equal(batches[0].ID, b.ID)
	require.Equal("txn1", b.TxnID)
	require.Len(b.Messages, 1)
	require.JSONEq(`{"n":1}`, string(b.Messages[0].Payload))

	require.Nil(s.RemoveBatch(b.ID))
	b, err = s.OldestBatch()
	require.Nil(err)
	require.Equal("m.b", b.EventType)
	require.Nil(s.RemoveBatch(b.ID))
	count, err = s.BatchCount()
	require.Nil(err)
	require.Equal(0, count)
}

func TestRequests(t *testing.T) {
	require := require.New(t)

	s := newTestStore(t)
	body := &keyrequest.RequestBody{Algorithm: "m.megolm.v1.aes-sha2", RoomID: "!r:x", SessionID: "s1"}
	recipients := []*keyrequest.Recipient{{UserID: "@a:x", DeviceID: "A1"}, {UserID: "@b:x", DeviceID: "B1"}}

	req, err := s.GetOrAddRequest(&keyrequest.Request{ID: ids.NewID(), Body: body, Recipients: recipients, RequestID: "req1", State: keyrequest.StateUnsent})
	require.Nil(err)
	again, err := s.GetOrAddRequest(&keyrequest.Request{ID: ids.NewID(), Body: body, RequestID: "req2", State: keyrequest.StateUnsent})
	require.Nil(err)
	require.Equal(req.ID, again.ID)
	require.Equal("req1", again.RequestID)

	missed, err := s.UpdateRequest(req.ID, keyrequest.StateSent, &keyrequest.Patch{State: keyrequest.StateCancellationPending})
	require.Nil(err)
	require.Nil(missed)

	updated, err := s.UpdateRequest(req.ID, keyrequest.StateUnsent, &keyrequest.Patch{State: keyrequest.StateSent, RequestTxnID: "txn5"})
	require.Nil(err)
	require.Equal(keyrequest.StateSent, updated.State)
	require.Equal("txn5", updated.RequestTxnID)

	pending, err := s.RequestByState(keyrequest.StateUnsent, keyrequest.StateCancellationPending)
	require.Nil(err)
	require.Nil(pending)
	sent, err := s.RequestsByState(keyrequest.StateSent)
	require.Nil(err)
	require.Len(sent, 1)

	targeted, err := s.RequestsByTarget("@b:x", "B1", keyrequest.StateSent)
	require.Nil(err)
	require.Len(targeted, 1)
	targeted, err = s.RequestsByTarget("@b:x", "B2", keyrequest.StateSent)
	require.Nil(err)
	require.Len(targeted, 0)

	deleted, err := s.DeleteRequest(req.ID, keyrequest.StateUnsent)
	require.Nil(err)
	require.Nil(deleted)
	deleted, err = s.DeleteRequest(req.ID, keyrequest.StateSent)
	require.Nil(err)
	require.Equal(req.ID, deleted.ID)

	found, err := s.RequestByBody(body)
	require.Nil(err)
	require.Nil(found)
	sent, err = s.RequestsByState(keyrequest.StateSent)
	require.Nil(err)
	require.Len(sent, 0)
}
