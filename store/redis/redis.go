// Package redis implements the queue and key request stores on Redis, for processes which share state
// through a Redis server instead of a local database file. Conditional updates watch the record key and
// commit with MULTI, so a concurrent writer makes the update miss instead of being overwritten.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/meow-io/go-todevice/config"
	"github.com/meow-io/go-todevice/ids"
	"github.com/meow-io/go-todevice/keyrequest"
	"github.com/meow-io/go-todevice/queue"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const maxWatchRetries = 10

var ErrContended = errors.New("redis: too many concurrent updates")

type batchRecord struct {
	EventType string           `json:"event_type"`
	TxnID     string           `json:"txn_id"`
	Messages  []*queue.Message `json:"messages"`
	CtimeMs   int64            `json:"ctime_ms"`
}

type requestRecord struct {
	Body              *keyrequest.RequestBody `json:"body"`
	Recipients        []*keyrequest.Recipient `json:"recipients"`
	RequestID         string                  `json:"request_id"`
	RequestTxnID      string                  `json:"request_txn_id,omitempty"`
	CancellationTxnID string                  `json:"cancellation_txn_id,omitempty"`
	State             uint8                   `json:"state"`
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

type Store struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
	log     *zap.SugaredLogger
}

func NewStore(c *config.Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	})
	s := &Store{
		client:  client,
		prefix:  c.RedisPrefix,
		timeout: time.Duration(c.RequestTimeoutMs) * time.Millisecond,
		log:     c.Logger("store/redis"),
	}

	ctx, cancel := s.context()
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: error connecting to %s: %w", c.RedisAddr, err)
	}
	s.log.Debugf("connected to %s with prefix %s", c.RedisAddr, c.RedisPrefix)
	return s, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *Store) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *Store) batchKey(id int64) string {
	return s.key("batch", strconv.FormatInt(id, 10))
}

func (s *Store) requestKey(id ids.ID) string {
	return s.key("request", id.String())
}

func (s *Store) stateKey(state keyrequest.RequestState) string {
	return s.key("requests", state.String())
}

func (s *Store) bodyKey(body *keyrequest.RequestBody) (string, error) {
	k, err := body.Key()
	if err != nil {
		return "", err
	}
	return s.key("body", fmt.Sprintf("%x", k)), nil
}

// watch runs fn in a WATCH transaction on keys, running it again when a watched key changed before the
// transaction committed.
func (s *Store) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i != maxWatchRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			s.log.Debugf("watched keys %v changed, retrying", keys)
			continue
		}
		return err
	}
	return ErrContended
}

func (s *Store) SaveBatches(batches []*queue.Batch) error {
	ctx, cancel := s.context()
	defer cancel()

	last, err := s.client.IncrBy(ctx, s.key("batch", "seq"), int64(len(batches))).Result()
	if err != nil {
		return err
	}
	ctime := time.Now().UnixMilli()
	first := last - int64(len(batches)) + 1
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, b := range batches {
			id := first + int64(i)
			record, err := json.Marshal(&batchRecord{EventType: b.EventType, TxnID: b.TxnID, Messages: b.Messages, CtimeMs: ctime})
			if err != nil {
				return err
			}
			pipe.Set(ctx, s.batchKey(id), record, 0)
			pipe.ZAdd(ctx, s.key("batches"), redis.Z{Score: float64(id), Member: id})
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i, b := range batches {
		b.ID = first + int64(i)
	}
	return nil
}

func (s *Store) OldestBatch() (*queue.Batch, error) {
	ctx, cancel := s.context()
	defer cancel()

	for i := 0; i != maxWatchRetries; i++ {
		members, err := s.client.ZRange(ctx, s.key("batches"), 0, 0).Result()
		if err != nil {
			return nil, err
		}
		if len(members) == 0 {
			return nil, nil
		}
		id, err := strconv.ParseInt(members[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis: invalid batch id %q: %w", members[0], err)
		}
		b, err := s.client.Get(ctx, s.batchKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			// removed between the two reads
			continue
		}
		if err != nil {
			return nil, err
		}
		var record batchRecord
		if err := json.Unmarshal(b, &record); err != nil {
			return nil, fmt.Errorf("redis: error decoding batch %d: %w", id, err)
		}
		return &queue.Batch{ID: id, EventType: record.EventType, TxnID: record.TxnID, Messages: record.Messages}, nil
	}
	return nil, ErrContended
}

func (s *Store) RemoveBatch(id int64) error {
	ctx, cancel := s.context()
	defer cancel()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.batchKey(id))
		pipe.ZRem(ctx, s.key("batches"), id)
		return nil
	})
	return err
}

func (s *Store) BatchCount() (int, error) {
	ctx, cancel := s.context()
	defer cancel()

	n, err := s.client.ZCard(ctx, s.key("batches")).Result()
	return int(n), err
}

func (s *Store) RequestByBody(body *keyrequest.RequestBody) (*keyrequest.Request, error) {
	ctx, cancel := s.context()
	defer cancel()

	bodyKey, err := s.bodyKey(body)
	if err != nil {
		return nil, err
	}
	return s.requestAt(ctx, s.client, bodyKey)
}

func (s *Store) GetOrAddRequest(req *keyrequest.Request) (*keyrequest.Request, error) {
	ctx, cancel := s.context()
	defer cancel()

	bodyKey, err := s.bodyKey(req.Body)
	if err != nil {
		return nil, err
	}
	record, err := json.Marshal(recordOf(req))
	if err != nil {
		return nil, err
	}

	var result *keyrequest.Request
	if err := s.watch(ctx, func(tx *redis.Tx) error {
		existing, err := s.requestAt(ctx, tx, bodyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			result = existing
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.requestKey(req.ID), record, 0)
			pipe.Set(ctx, bodyKey, req.ID.String(), 0)
			pipe.SAdd(ctx, s.stateKey(req.State), req.ID.String())
			return nil
		})
		result = req
		return err
	}, bodyKey); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) UpdateRequest(id ids.ID, expected keyrequest.RequestState, patch *keyrequest.Patch) (*keyrequest.Request, error) {
	if !patch.State.Valid() {
		return nil, fmt.Errorf("redis: invalid state %d", patch.State)
	}
	ctx, cancel := s.context()
	defer cancel()

	key := s.requestKey(id)
	var result *keyrequest.Request
	if err := s.watch(ctx, func(tx *redis.Tx) error {
		result = nil
		req, err := s.request(ctx, tx, id)
		if err != nil || req == nil || req.State != expected {
			return err
		}
		req.State = patch.State
		if patch.RequestTxnID != "" {
			req.RequestTxnID = patch.RequestTxnID
		}
		if patch.CancellationTxnID != "" {
			req.CancellationTxnID = patch.CancellationTxnID
		}
		record, err := json.Marshal(recordOf(req))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, record, 0)
			pipe.SMove(ctx, s.stateKey(expected), s.stateKey(patch.State), id.String())
			return nil
		})
		if err == nil {
			result = req
		}
		return err
	}, key); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) DeleteRequest(id ids.ID, expected keyrequest.RequestState) (*keyrequest.Request, error) {
	ctx, cancel := s.context()
	defer cancel()

	key := s.requestKey(id)
	var result *keyrequest.Request
	if err := s.watch(ctx, func(tx *redis.Tx) error {
		result = nil
		req, err := s.request(ctx, tx, id)
		if err != nil || req == nil || req.State != expected {
			return err
		}
		bodyKey, err := s.bodyKey(req.Body)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key, bodyKey)
			pipe.SRem(ctx, s.stateKey(expected), id.String())
			return nil
		})
		if err == nil {
			result = req
		}
		return err
	}, key); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) RequestByState(states ...keyrequest.RequestState) (*keyrequest.Request, error) {
	ctx, cancel := s.context()
	defer cancel()

	for _, state := range states {
		members, err := s.client.SMembers(ctx, s.stateKey(state)).Result()
		if err != nil {
			return nil, err
		}
		for _, member := range members {
			req, err := s.requestByMember(ctx, member)
			if err != nil {
				return nil, err
			}
			if req != nil && slices.Contains(states, req.State) {
				return req, nil
			}
		}
	}
	return nil, nil
}

func (s *Store) RequestsByState(state keyrequest.RequestState) ([]*keyrequest.Request, error) {
	return s.requestsMatching(func(*keyrequest.Request) bool { return true }, state)
}

func (s *Store) RequestsByTarget(userID, deviceID string, states ...keyrequest.RequestState) ([]*keyrequest.Request, error) {
	return s.requestsMatching(func(req *keyrequest.Request) bool {
		return slices.IndexFunc(req.Recipients, func(r *keyrequest.Recipient) bool {
			return r.UserID == userID && r.DeviceID == deviceID
		}) != -1
	}, states...)
}

func (s *Store) requestsMatching(match func(*keyrequest.Request) bool, states ...keyrequest.RequestState) ([]*keyrequest.Request, error) {
	ctx, cancel := s.context()
	defer cancel()

	members := make(map[string]bool)
	for _, state := range states {
		stateMembers, err := s.client.SMembers(ctx, s.stateKey(state)).Result()
		if err != nil {
			return nil, err
		}
		for _, m := range stateMembers {
			members[m] = true
		}
	}
	sorted := maps.Keys(members)
	slices.Sort(sorted)

	var reqs []*keyrequest.Request
	for _, member := range sorted {
		req, err := s.requestByMember(ctx, member)
		if err != nil {
			return nil, err
		}
		if req != nil && slices.Contains(states, req.State) && match(req) {
			reqs = append(reqs, req)
		}
	}
	return reqs, nil
}

func (s *Store) requestByMember(ctx context.Context, member string) (*keyrequest.Request, error) {
	id, err := ids.IDFromString(member)
	if err != nil {
		return nil, err
	}
	return s.request(ctx, s.client, id)
}

// requestAt follows the body index at bodyKey to its request.
func (s *Store) requestAt(ctx context.Context, c getter, bodyKey string) (*keyrequest.Request, error) {
	member, err := c.Get(ctx, bodyKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id, err := ids.IDFromString(member)
	if err != nil {
		return nil, err
	}
	return s.request(ctx, c, id)
}

func (s *Store) request(ctx context.Context, c getter, id ids.ID) (*keyrequest.Request, error) {
	b, err := c.Get(ctx, s.requestKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var record requestRecord
	if err := json.Unmarshal(b, &record); err != nil {
		return nil, fmt.Errorf("redis: error decoding request %s: %w", id, err)
	}
	state := keyrequest.RequestState(record.State)
	if !state.Valid() {
		return nil, fmt.Errorf("redis: request %s has invalid state %d", id, record.State)
	}
	return &keyrequest.Request{
		ID:                id,
		Body:              record.Body,
		Recipients:        record.Recipients,
		RequestID:         record.RequestID,
		RequestTxnID:      record.RequestTxnID,
		CancellationTxnID: record.CancellationTxnID,
		State:             state,
	}, nil
}

func recordOf(req *keyrequest.Request) *requestRecord {
	return &requestRecord{
		Body:              req.Body,
		Recipients:        req.Recipients,
		RequestID:         req.RequestID,
		RequestTxnID:      req.RequestTxnID,
		CancellationTxnID: req.CancellationTxnID,
		State:             uint8(req.State),
	}
}
