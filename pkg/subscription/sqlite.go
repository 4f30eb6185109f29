package subscription

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mnemos-labs/mnemos/pkg/store"
)

// sqliteStore persists durable subscriptions through the manager's
// serialized write path. Ephemeral subscriptions never touch it.
type sqliteStore struct {
	mgr *store.Manager
}

const subscriptionSchema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	subscriber_id TEXT PRIMARY KEY,
	channel       TEXT NOT NULL,
	filter        JSON NOT NULL DEFAULT '{}',
	webhook_url   TEXT NOT NULL DEFAULT '',
	durable       INTEGER NOT NULL DEFAULT 1,
	last_event_id INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
`

func newSQLiteStore(ctx context.Context, mgr *store.Manager) (*sqliteStore, error) {
	_, err := mgr.Write(ctx, func(conn *sql.Conn) (any, error) {
		_, err := conn.ExecContext(context.Background(), subscriptionSchema)
		return nil, err
	})
	if err != nil {
		return nil, fmt.Errorf("subscription: migrate: %w", err)
	}
	return &sqliteStore{mgr: mgr}, nil
}

func (s *sqliteStore) upsert(ctx context.Context, sub *Subscription) error {
	filter, err := json.Marshal(sub.Filter)
	if err != nil {
		return fmt.Errorf("subscription: encode filter: %w", err)
	}
	_, err = s.mgr.WriteTx(ctx, func(tx *sql.Tx) (any, error) {
		_, err := tx.Exec(
			`INSERT INTO subscriptions (subscriber_id, channel, filter, webhook_url, durable, last_event_id, created_at, updated_at)
			 VALUES (?, ?, ?, ?, 1, ?, ?, ?)
			 ON CONFLICT(subscriber_id) DO UPDATE SET
				channel = excluded.channel,
				filter = excluded.filter,
				webhook_url = excluded.webhook_url,
				last_event_id = excluded.last_event_id,
				updated_at = excluded.updated_at`,
			sub.SubscriberID, string(sub.Channel), string(filter), sub.WebhookURL,
			sub.LastEventID, sub.CreatedAt.UTC().Format(time.RFC3339Nano), sub.UpdatedAt.UTC().Format(time.RFC3339Nano),
		)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("subscription: upsert %s: %w", sub.SubscriberID, err)
	}
	return nil
}

func (s *sqliteStore) delete(ctx context.Context, subscriberID string) (bool, error) {
	value, err := s.mgr.WriteTx(ctx, func(tx *sql.Tx) (any, error) {
		res, err := tx.Exec(`DELETE FROM subscriptions WHERE subscriber_id = ?`, subscriberID)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		return n > 0, err
	})
	if err != nil {
		return false, fmt.Errorf("subscription: delete %s: %w", subscriberID, err)
	}
	return value.(bool), nil
}

func (s *sqliteStore) setCursor(ctx context.Context, subscriberID string, eventID int64) error {
	_, err := s.mgr.WriteTx(ctx, func(tx *sql.Tx) (any, error) {
		_, err := tx.Exec(
			`UPDATE subscriptions SET last_event_id = ?, updated_at = ? WHERE subscriber_id = ? AND last_event_id < ?`,
			eventID, time.Now().UTC().Format(time.RFC3339Nano), subscriberID, eventID,
		)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("subscription: advance cursor for %s: %w", subscriberID, err)
	}
	return nil
}

func (s *sqliteStore) loadAll(ctx context.Context) ([]*Subscription, error) {
	var subs []*Subscription
	err := s.mgr.Read(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx,
			`SELECT subscriber_id, channel, filter, webhook_url, last_event_id, created_at, updated_at
			 FROM subscriptions ORDER BY subscriber_id`)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		subs, err = collectSubscriptions(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("subscription: load: %w", err)
	}
	return subs, nil
}

// collectSubscriptions scans durable subscription rows.
func collectSubscriptions(rows *sql.Rows) ([]*Subscription, error) {
	var subs []*Subscription
	for rows.Next() {
		var (
			sub                  Subscription
			channel, filter      string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&sub.SubscriberID, &channel, &filter, &sub.WebhookURL, &sub.LastEventID, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		sub.Channel = Channel(channel)
		sub.Durable = true
		if err := json.Unmarshal([]byte(filter), &sub.Filter); err != nil {
			return nil, fmt.Errorf("corrupt filter for subscriber %s: %w", sub.SubscriberID, err)
		}
		var err error
		if sub.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("corrupt created_at for subscriber %s: %w", sub.SubscriberID, err)
		}
		if sub.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("corrupt updated_at for subscriber %s: %w", sub.SubscriberID, err)
		}
		subs = append(subs, &sub)
	}
	return subs, rows.Err()
}
