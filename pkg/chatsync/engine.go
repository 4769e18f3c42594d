// chatdigest - Incremental chat archiving and streaming digests.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package chatsync pulls messages from the source into the local archive.
package chatsync

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"

	"github.com/lrhodin/chatdigest/pkg/archive"
	"github.com/lrhodin/chatdigest/pkg/config"
	"github.com/lrhodin/chatdigest/pkg/source"
)

// Result describes one conversation's sync attempt.
type Result struct {
	ConversationID int64
	// Fetched is the number of messages the source returned.
	Fetched int
	// Stored is the number of messages that weren't archived before.
	Stored int
	// Skipped counts returned messages without text.
	Skipped  int
	Evicted  int64
	Cursor   archive.Cursor
	Advanced bool
}

// Counters aggregate results over a multi-conversation sync.
type Counters struct {
	Conversations int
	Stored        int
	Skipped       int
	Evicted       int64
	Failed        int
}

func (c *Counters) add(res Result) {
	c.Conversations++
	c.Stored += res.Stored
	c.Skipped += res.Skipped
	c.Evicted += res.Evicted
}

// ConversationError names the conversation whose sync failed.
type ConversationError struct {
	ConversationID int64
	Title          string
	Err            error
}

func (e *ConversationError) Error() string {
	return fmt.Sprintf("failed to sync conversation %d (%s): %v", e.ConversationID, e.Title, e.Err)
}

func (e *ConversationError) Unwrap() error {
	return e.Err
}

// Engine runs incremental and unread syncs against a source and an archive
// store. It holds no per-run state and is safe for concurrent use.
type Engine struct {
	src       source.Source
	store     *archive.Store
	cfg       config.SyncConfig
	retention int
	log       zerolog.Logger
}

func NewEngine(src source.Source, store *archive.Store, cfg config.SyncConfig, retention int, log zerolog.Logger) *Engine {
	if retention <= 0 {
		retention = config.DefaultRetention
	}
	return &Engine{
		src:       src,
		store:     store,
		cfg:       cfg,
		retention: retention,
		log:       log.With().Str("component", "chatsync").Logger(),
	}
}

func (e *Engine) Retention() int {
	return e.retention
}

func toArchiveMessage(conversationID int64, msg *source.Message) archive.Message {
	return archive.Message{
		ConversationID: conversationID,
		ExternalID:     msg.ID,
		Timestamp:      msg.Time(),
		Sender:         ptr.Val(msg.SenderID),
		Text:           msg.Text,
	}
}

// ingest stores the text-bearing messages of a batch and returns the highest
// external id among them. Messages without text don't count towards it.
func ingest(ctx context.Context, arch *archive.Archive, msgs []*source.Message, res *Result) (maxSeen int64, err error) {
	batch := make([]archive.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Text == "" {
			res.Skipped++
			continue
		}
		batch = append(batch, toArchiveMessage(arch.ConversationID(), msg))
		maxSeen = max(maxSeen, msg.ID)
	}
	res.Stored, err = arch.InsertBatch(ctx, batch)
	return maxSeen, err
}

// SyncConversation fetches the messages newer than the conversation's cursor,
// stores the ones that aren't archived yet and moves the cursor to the newest
// one. The archive is trimmed to the retention limit afterwards, even if
// nothing new was fetched. If the source can't be reached, neither the
// archive nor the cursor is touched.
func (e *Engine) SyncConversation(ctx context.Context, conv *source.Conversation) (Result, error) {
	res := Result{ConversationID: conv.ID}
	log := e.log.With().Int64("conversation_id", conv.ID).Logger()
	unlock := e.store.Lock(conv.ID)
	defer unlock()

	cursor, err := e.store.Cursor(ctx, conv.ID)
	if err != nil {
		return res, err
	}
	res.Cursor = cursor
	msgs, err := e.src.FetchMessages(ctx, conv.ID, source.FetchParams{
		MinID: cursor.LastExternalID,
		Limit: e.retention,
	})
	if err != nil {
		return res, err
	}
	res.Fetched = len(msgs)

	arch, err := e.store.Conversation(ctx, conv.ID)
	if err != nil {
		return res, err
	}
	maxSeen, err := ingest(ctx, arch, msgs, &res)
	if err != nil {
		return res, err
	}
	if maxSeen > cursor.LastExternalID {
		res.Cursor, res.Advanced, err = arch.AdvanceCursor(ctx, maxSeen)
		if err != nil {
			return res, err
		}
	}
	if res.Evicted, err = arch.Evict(ctx, e.retention); err != nil {
		return res, err
	}
	log.Debug().
		Int("fetched", res.Fetched).
		Int("stored", res.Stored).
		Int("skipped", res.Skipped).
		Int64("evicted", res.Evicted).
		Int64("cursor", res.Cursor.LastExternalID).
		Msg("Conversation synced")
	return res, nil
}

// SyncUnreadConversation fetches the conversation's most recent unread
// messages regardless of the cursor, stores the new ones, raises the cursor to
// the highest id seen and acknowledges the conversation as read. Conversations
// without unread messages are left alone.
func (e *Engine) SyncUnreadConversation(ctx context.Context, conv *source.Conversation) (Result, error) {
	res := Result{ConversationID: conv.ID}
	if conv.UnreadCount <= 0 {
		return res, nil
	}
	log := e.log.With().Int64("conversation_id", conv.ID).Int("unread_count", conv.UnreadCount).Logger()
	unlock := e.store.Lock(conv.ID)
	defer unlock()

	msgs, err := e.src.FetchMessages(ctx, conv.ID, source.FetchParams{Limit: conv.UnreadCount})
	if err != nil {
		return res, err
	}
	res.Fetched = len(msgs)

	arch, err := e.store.Conversation(ctx, conv.ID)
	if err != nil {
		return res, err
	}
	maxSeen, err := ingest(ctx, arch, msgs, &res)
	if err != nil {
		return res, err
	}
	res.Cursor, res.Advanced, err = arch.AdvanceCursor(ctx, maxSeen)
	if err != nil {
		return res, err
	}
	if res.Evicted, err = arch.Evict(ctx, e.retention); err != nil {
		return res, err
	}
	if err = e.src.MarkRead(ctx, conv.ID); err != nil {
		return res, err
	}
	log.Debug().
		Int("fetched", res.Fetched).
		Int("stored", res.Stored).
		Int64("cursor", res.Cursor.LastExternalID).
		Msg("Unread messages synced and acknowledged")
	return res, nil
}

// CollectUnread returns the unread messages of a conversation, oldest first
// and capped at the retention limit, without archiving or acknowledging
// anything. The conversation is nil if the source doesn't list it.
func (e *Engine) CollectUnread(ctx context.Context, conversationID int64) ([]*source.Message, *source.Conversation, error) {
	conv, err := source.FindConversation(ctx, e.src, conversationID)
	if err != nil || conv == nil {
		return nil, conv, err
	}
	msgs, err := e.CollectUnreadFrom(ctx, conv)
	return msgs, conv, err
}

// CollectUnreadFrom is CollectUnread for an already listed conversation.
func (e *Engine) CollectUnreadFrom(ctx context.Context, conv *source.Conversation) ([]*source.Message, error) {
	if conv.UnreadCount <= 0 {
		return nil, nil
	}
	msgs, err := e.src.FetchMessages(ctx, conv.ID, source.FetchParams{Limit: conv.UnreadCount})
	if err != nil {
		return nil, err
	}
	msgs = slices.DeleteFunc(slices.Clone(msgs), func(msg *source.Message) bool {
		return msg.Text == ""
	})
	slices.SortStableFunc(msgs, func(a, b *source.Message) int {
		return cmp.Or(a.Time().Compare(b.Time()), cmp.Compare(a.ID, b.ID))
	})
	if len(msgs) > e.retention {
		msgs = msgs[:e.retention]
	}
	return msgs, nil
}
