// chatdigest - Incremental chat archiving and streaming digests.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
)

// Archive is the bounded, deduplicated message log and sync cursor of a
// single conversation. Callers must hold the conversation's lock from
// Store.Lock while writing.
type Archive struct {
	db             *dbutil.Database
	conversationID int64
	log            zerolog.Logger
	now            func() time.Time
}

func (a *Archive) ConversationID() int64 {
	return a.conversationID
}

// Insert stores a message unless one with the same external id is already
// archived. It reports whether a row was added.
func (a *Archive) Insert(ctx context.Context, msg Message) (bool, error) {
	if msg.Text == "" {
		return false, ErrEmptyText
	}
	if msg.Sender == "" {
		msg.Sender = UnknownSender
	}
	res, err := a.db.Exec(ctx, `
		INSERT INTO message (conversation_id, external_id, message_ts, ingested_ts, sender, text)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (conversation_id, external_id) DO NOTHING
	`, a.conversationID, msg.ExternalID, msg.Timestamp.UnixMilli(), a.now().UnixMilli(), msg.Sender, msg.Text)
	if err != nil {
		return false, fmt.Errorf("%w: failed to insert message %d: %w", ErrStoreIO, msg.ExternalID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: failed to get inserted row count: %w", ErrStoreIO, err)
	}
	return affected > 0, nil
}

// InsertBatch stores all messages with text in a single transaction and
// returns how many of them were new. Messages without text are skipped.
func (a *Archive) InsertBatch(ctx context.Context, msgs []Message) (inserted int, err error) {
	err = a.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		inserted = 0
		for _, msg := range msgs {
			added, err := a.Insert(ctx, msg)
			if errors.Is(err, ErrEmptyText) {
				continue
			} else if err != nil {
				return err
			}
			if added {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// Has reports whether a message with the given external id is archived.
func (a *Archive) Has(ctx context.Context, externalID int64) (bool, error) {
	var exists bool
	err := a.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM message WHERE conversation_id=$1 AND external_id=$2)`,
		a.conversationID, externalID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: failed to check message %d: %w", ErrStoreIO, externalID, err)
	}
	return exists, nil
}

func (a *Archive) Count(ctx context.Context) (int, error) {
	var count int
	err := a.db.QueryRow(ctx, `SELECT COUNT(*) FROM message WHERE conversation_id=$1`, a.conversationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to count messages: %w", ErrStoreIO, err)
	}
	return count, nil
}

func (a *Archive) Cursor(ctx context.Context) (Cursor, error) {
	cursor := Cursor{ConversationID: a.conversationID}
	var syncTS int64
	err := a.db.QueryRow(ctx,
		`SELECT last_external_id, last_sync_ts FROM sync_cursor WHERE conversation_id=$1`,
		a.conversationID,
	).Scan(&cursor.LastExternalID, &syncTS)
	if errors.Is(err, sql.ErrNoRows) {
		return cursor, nil
	} else if err != nil {
		return cursor, fmt.Errorf("%w: failed to read sync cursor: %w", ErrStoreIO, err)
	}
	cursor.LastSyncTime = unixMilliOrZero(syncTS)
	return cursor, nil
}

// AdvanceCursor moves the cursor to externalID and records the sync time, but
// only if externalID is greater than the stored value. The cursor never moves
// backwards. It returns the resulting cursor and whether it moved.
func (a *Archive) AdvanceCursor(ctx context.Context, externalID int64) (Cursor, bool, error) {
	res, err := a.db.Exec(ctx, `
		INSERT INTO sync_cursor (conversation_id, last_external_id, last_sync_ts)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id) DO UPDATE
			SET last_external_id=excluded.last_external_id, last_sync_ts=excluded.last_sync_ts
			WHERE sync_cursor.last_external_id < excluded.last_external_id
	`, a.conversationID, externalID, a.now().UnixMilli())
	if err != nil {
		return Cursor{}, false, fmt.Errorf("%w: failed to advance sync cursor: %w", ErrStoreIO, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Cursor{}, false, fmt.Errorf("%w: failed to get updated cursor count: %w", ErrStoreIO, err)
	}
	cursor, err := a.Cursor(ctx)
	return cursor, affected > 0, err
}

// Evict deletes the oldest messages until at most limit remain. Messages are
// ordered by their source timestamp, ties are broken by insertion order. It
// returns the number of deleted rows.
func (a *Archive) Evict(ctx context.Context, limit int) (evicted int64, err error) {
	if limit < 0 {
		limit = 0
	}
	err = a.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		count, err := a.Count(ctx)
		if err != nil {
			return err
		}
		surplus := count - limit
		if surplus <= 0 {
			evicted = 0
			return nil
		}
		res, err := a.db.Exec(ctx, `
			DELETE FROM message WHERE conversation_id=$1 AND local_id IN (
				SELECT local_id FROM message
				WHERE conversation_id=$1
				ORDER BY message_ts ASC, local_id ASC
				LIMIT $2
			)
		`, a.conversationID, surplus)
		if err != nil {
			return fmt.Errorf("%w: failed to evict old messages: %w", ErrStoreIO, err)
		}
		evicted, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%w: failed to get evicted row count: %w", ErrStoreIO, err)
		}
		return nil
	})
	if err == nil && evicted > 0 {
		a.log.Debug().Int64("evicted", evicted).Int("retention", limit).Msg("Evicted old messages")
	}
	return evicted, err
}

// Recent returns up to limit of the newest messages, oldest first.
func (a *Archive) Recent(ctx context.Context, limit int) ([]*Message, error) {
	rows, err := a.db.Query(ctx, `
		SELECT `+messageColumns+` FROM message
		WHERE conversation_id=$1
		ORDER BY message_ts DESC, local_id DESC
		LIMIT $2
	`, a.conversationID, limit)
	msgs, err := dbutil.NewRowIterWithError(rows, scanMessage, err).AsList()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query recent messages: %w", ErrStoreIO, err)
	}
	slices.Reverse(msgs)
	return msgs, nil
}
