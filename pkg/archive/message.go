// chatdigest - Incremental chat archiving and streaming digests.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package archive

import (
	"errors"
	"time"

	"go.mau.fi/util/dbutil"
)

// UnknownSender is stored when the source doesn't say who sent a message.
const UnknownSender = "unknown"

var (
	// ErrStoreIO wraps every failure of the underlying database.
	ErrStoreIO = errors.New("message archive I/O failure")
	// ErrEmptyText is returned when trying to archive a message without text.
	ErrEmptyText = errors.New("message has no text content")
)

// Message is a single archived message. Rows are never updated after insert.
type Message struct {
	LocalID        int64
	ConversationID int64
	ExternalID     int64
	Timestamp      time.Time
	IngestedAt     time.Time
	Sender         string
	Text           string
}

// Cursor is the per-conversation sync position.
type Cursor struct {
	ConversationID int64
	LastExternalID int64
	LastSyncTime   time.Time
}

const messageColumns = `local_id, conversation_id, external_id, message_ts, ingested_ts, sender, text`

func scanMessage(row dbutil.Scannable) (*Message, error) {
	var msg Message
	var messageTS, ingestedTS int64
	err := row.Scan(&msg.LocalID, &msg.ConversationID, &msg.ExternalID, &messageTS, &ingestedTS, &msg.Sender, &msg.Text)
	if err != nil {
		return nil, err
	}
	msg.Timestamp = time.UnixMilli(messageTS)
	msg.IngestedAt = time.UnixMilli(ingestedTS)
	return &msg, nil
}

func unixMilliOrZero(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ts)
}
