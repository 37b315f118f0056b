package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/meow-io/go-todevice/internal/db"
	"github.com/meow-io/go-todevice/migration"
)

type batchRow struct {
	ID        int64  `db:"id"`
	EventType string `db:"event_type"`
	TxnID     string `db:"txn_id"`
	Messages  []byte `db:"messages"`
	CtimeMs   int64  `db:"ctime_ms"`
}

func (r *batchRow) batch() (*Batch, error) {
	var messages []*Message
	if err := json.Unmarshal(r.Messages, &messages); err != nil {
		return nil, fmt.Errorf("queue: error decoding messages for batch %d: %w", r.ID, err)
	}
	return &Batch{
		ID:        r.ID,
		EventType: r.EventType,
		TxnID:     r.TxnID,
		Messages:  messages,
	}, nil
}

// SQLStore keeps batches in the shared SQLCipher database. Row ids are assigned by an autoincrementing
// key, so insertion order is drain order.
type SQLStore struct {
	*db.Database
}

func NewSQLStore(internalDB *db.Database) (*SQLStore, error) {
	s := &SQLStore{internalDB}

	if err := internalDB.Migrate("_queue", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _to_device_batches (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						event_type TEXT NOT NULL,
						txn_id TEXT NOT NULL,
						messages BLOB NOT NULL,
						ctime_ms INTEGER NOT NULL
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *SQLStore) SaveBatches(batches []*Batch) error {
	ctime := time.Now().UnixMilli()
	return s.Run("save batches", func() error {
		for _, b := range batches {
			messages, err := json.Marshal(b.Messages)
			if err != nil {
				return err
			}
			res, err := s.Tx.NamedExec("INSERT INTO _to_device_batches (event_type, txn_id, messages, ctime_ms) VALUES (:event_type, :txn_id, :messages, :ctime_ms)", &batchRow{
				EventType: b.EventType,
				TxnID:     b.TxnID,
				Messages:  messages,
				CtimeMs:   ctime,
			})
			if err != nil {
				return err
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			b.ID = id
		}
		return nil
	})
}

func (s *SQLStore) OldestBatch() (*Batch, error) {
	var row batchRow
	if err := s.RunReadOnly("oldest batch", func() error {
		return s.Tx.Get(&row, "SELECT * FROM _to_device_batches ORDER BY id ASC LIMIT 1")
	}); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row.batch()
}

func (s *SQLStore) RemoveBatch(id int64) error {
	return s.Run("remove batch", func() error {
		_, err := s.Tx.Exec("DELETE FROM _to_device_batches WHERE id = $1", id)
		return err
	})
}

func (s *SQLStore) BatchCount() (int, error) {
	var count int
	if err := s.RunReadOnly("batch count", func() error {
		return s.Tx.Get(&count, "SELECT count(*) FROM _to_device_batches")
	}); err != nil {
		return 0, err
	}
	return count, nil
}
