package keyrequest

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-todevice/ids"
	"github.com/meow-io/go-todevice/internal/db"
	"github.com/meow-io/go-todevice/migration"
)

type requestRow struct {
	ID                []byte       `db:"id"`
	BodyKey           []byte       `db:"body_key"`
	Body              []byte       `db:"body"`
	RequestID         string       `db:"request_id"`
	RequestTxnID      string       `db:"request_txn_id"`
	CancellationTxnID string       `db:"cancellation_txn_id"`
	State             RequestState `db:"state"`
}

type recipientRow struct {
	RequestID []byte `db:"request_id"`
	Position  int    `db:"position"`
	UserID    string `db:"user_id"`
	DeviceID  string `db:"device_id"`
}

// SQLStore keeps key requests in the shared SQLCipher database. Every state change is a conditional
// update on the expected prior state.
type SQLStore struct {
	*db.Database
}

func NewSQLStore(internalDB *db.Database) (*SQLStore, error) {
	s := &SQLStore{internalDB}

	if err := internalDB.Migrate("_keyrequest", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _room_key_requests (
						id BLOB PRIMARY KEY,
						body_key BLOB NOT NULL UNIQUE,
						body BLOB NOT NULL,
						request_id TEXT NOT NULL,
						request_txn_id TEXT NOT NULL,
						cancellation_txn_id TEXT NOT NULL,
						state INTEGER NOT NULL
					);
					CREATE INDEX room_key_requests_state ON _room_key_requests (state);

					CREATE TABLE _room_key_request_recipients (
						request_id BLOB NOT NULL REFERENCES _room_key_requests (id) ON DELETE CASCADE,
						position INTEGER NOT NULL,
						user_id TEXT NOT NULL,
						device_id TEXT NOT NULL,
						PRIMARY KEY (request_id, position)
					);
					CREATE INDEX room_key_request_recipients_target ON _room_key_request_recipients (user_id, device_id);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *SQLStore) RequestByBody(body *RequestBody) (*Request, error) {
	key, err := body.Key()
	if err != nil {
		return nil, err
	}
	var req *Request
	if err := s.RunReadOnly("request by body", func() error {
		req, err = s.requestWhere("body_key = $1", key)
		return err
	}); err != nil {
		return nil, err
	}
	return req, nil
}

func (s *SQLStore) GetOrAddRequest(req *Request) (*Request, error) {
	key, err := req.Body.Key()
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(req.Body)
	if err != nil {
		return nil, err
	}

	var result *Request
	if err := s.Run("get or add request", func() error {
		res, err := s.Tx.NamedExec("INSERT INTO _room_key_requests (id, body_key, body, request_id, request_txn_id, cancellation_txn_id, state) VALUES (:id, :body_key, :body, :request_id, :request_txn_id, :cancellation_txn_id, :state) ON CONFLICT (body_key) DO NOTHING", &requestRow{
			ID:                req.ID[:],
			BodyKey:           key,
			Body:              body,
			RequestID:         req.RequestID,
			RequestTxnID:      req.RequestTxnID,
			CancellationTxnID: req.CancellationTxnID,
			State:             req.State,
		})
		if err != nil {
			return err
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if inserted == 0 {
			result, err = s.requestWhere("body_key = $1", key)
			if err == nil && result == nil {
				err = errors.New("keyrequest: request for body vanished during insert")
			}
			return err
		}

		for i, r := range req.Recipients {
			if _, err := s.Tx.NamedExec("INSERT INTO _room_key_request_recipients (request_id, position, user_id, device_id) VALUES (:request_id, :position, :user_id, :device_id)", &recipientRow{
				RequestID: req.ID[:],
				Position:  i,
				UserID:    r.UserID,
				DeviceID:  r.DeviceID,
			}); err != nil {
				return err
			}
		}
		result = req
		return nil
	}); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLStore) UpdateRequest(id ids.ID, expected RequestState, patch *Patch) (*Request, error) {
	sets := []string{"state = ?"}
	args := []interface{}{patch.State}
	if patch.RequestTxnID != "" {
		sets = append(sets, "request_txn_id = ?")
		args = append(args, patch.RequestTxnID)
	}
	if patch.CancellationTxnID != "" {
		sets = append(sets, "cancellation_txn_id = ?")
		args = append(args, patch.CancellationTxnID)
	}
	args = append(args, id[:], expected)

	var req *Request
	if err := s.Run("update request", func() error {
		res, err := s.Tx.Exec(fmt.Sprintf("UPDATE _room_key_requests SET %s WHERE id = ? AND state = ?", strings.Join(sets, ", ")), args...)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return nil
		}
		req, err = s.requestWhere("id = $1", id[:])
		return err
	}); err != nil {
		return nil, err
	}
	return req, nil
}

func (s *SQLStore) DeleteRequest(id ids.ID, expected RequestState) (*Request, error) {
	var req *Request
	if err := s.Run("delete request", func() error {
		var err error
		req, err = s.requestWhere("id = $1 AND state = $2", id[:], expected)
		if err != nil || req == nil {
			return err
		}
		_, err = s.Tx.Exec("DELETE FROM _room_key_requests WHERE id = $1 AND state = $2", id[:], expected)
		return err
	}); err != nil {
		return nil, err
	}
	return req, nil
}

// RequestByState returns any one request in one of the given states, or nil if there is none.
func (s *SQLStore) RequestByState(states ...RequestState) (*Request, error) {
	query, args, err := sqlx.In("state IN (?)", states)
	if err != nil {
		return nil, err
	}
	var req *Request
	if err := s.RunReadOnly("request by state", func() error {
		req, err = s.requestWhere(query, args...)
		return err
	}); err != nil {
		return nil, err
	}
	return req, nil
}

func (s *SQLStore) RequestsByState(state RequestState) ([]*Request, error) {
	var reqs []*Request
	if err := s.RunReadOnly("requests by state", func() error {
		var err error
		reqs, err = s.requestsWhere("state = ?", state)
		return err
	}); err != nil {
		return nil, err
	}
	return reqs, nil
}

// RequestsByTarget returns the requests in one of the given states which are addressed to the device.
func (s *SQLStore) RequestsByTarget(userID, deviceID string, states ...RequestState) ([]*Request, error) {
	query, args, err := sqlx.In("state IN (?) AND id IN (SELECT request_id FROM _room_key_request_recipients WHERE user_id = ? AND device_id = ?)", states, userID, deviceID)
	if err != nil {
		return nil, err
	}
	var reqs []*Request
	if err := s.RunReadOnly("requests by target", func() error {
		reqs, err = s.requestsWhere(query, args...)
		return err
	}); err != nil {
		return nil, err
	}
	return reqs, nil
}

func (s *SQLStore) requestWhere(where string, args ...interface{}) (*Request, error) {
	var row requestRow
	if err := s.Tx.Get(&row, s.Tx.Rebind("SELECT * FROM _room_key_requests WHERE "+where+" LIMIT 1"), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s.load(&row)
}

func (s *SQLStore) requestsWhere(where string, args ...interface{}) ([]*Request, error) {
	var rows []*requestRow
	if err := s.Tx.Select(&rows, s.Tx.Rebind("SELECT * FROM _room_key_requests WHERE "+where+" ORDER BY rowid"), args...); err != nil {
		return nil, err
	}
	reqs := make([]*Request, 0, len(rows))
	for _, row := range rows {
		req, err := s.load(row)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func (s *SQLStore) load(row *requestRow) (*Request, error) {
	id, err := ids.IDFromBytes(row.ID)
	if err != nil {
		return nil, err
	}
	body := &RequestBody{}
	if err := json.Unmarshal(row.Body, body); err != nil {
		return nil, fmt.Errorf("keyrequest: error decoding body of %s: %w", id, err)
	}
	var recipientRows []*recipientRow
	if err := s.Tx.Select(&recipientRows, "SELECT * FROM _room_key_request_recipients WHERE request_id = $1 ORDER BY position", row.ID); err != nil {
		return nil, err
	}
	recipients := make([]*Recipient, 0, len(recipientRows))
	for _, r := range recipientRows {
		recipients = append(recipients, &Recipient{UserID: r.UserID, DeviceID: r.DeviceID})
	}
	return &Request{
		ID:                id,
		Body:              body,
		Recipients:        recipients,
		RequestID:         row.RequestID,
		RequestTxnID:      row.RequestTxnID,
		CancellationTxnID: row.CancellationTxnID,
		State:             row.State,
	}, nil
}
