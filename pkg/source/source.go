// chatdigest - Incremental chat archiving and streaming digests.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package source talks to the remote conversation service through its HTTP
// relay.
package source

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.mau.fi/util/jsontime"
	"go.mau.fi/util/ptr"
)

// ErrUnavailable matches every failure to reach the message source.
var ErrUnavailable = errors.New("message source unavailable")

// UnavailableError is returned when enumerating, fetching or acknowledging
// fails. ConversationID is zero for calls that aren't about one conversation.
type UnavailableError struct {
	Op             string
	ConversationID int64
	Err            error
}

func (e *UnavailableError) Error() string {
	if e.ConversationID != 0 {
		return fmt.Sprintf("failed to %s for conversation %d: %v", e.Op, e.ConversationID, e.Err)
	}
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// Conversation is one chat as listed by the source. UnreadCount is live data
// and is never persisted.
type Conversation struct {
	ID          int64   `json:"id"`
	Title       *string `json:"title,omitempty"`
	UnreadCount int     `json:"unread_count"`
}

// HasTitle reports whether the source gave the conversation a non-empty title.
func (c *Conversation) HasTitle() bool {
	return ptr.Val(c.Title) != ""
}

// DisplayTitle returns the title, or a placeholder built from the id.
func (c *Conversation) DisplayTitle() string {
	if c.HasTitle() {
		return *c.Title
	}
	return "Chat " + strconv.FormatInt(c.ID, 10)
}

// Message is a message as returned by the source. SenderID and Text may be
// absent.
type Message struct {
	ID       int64              `json:"id"`
	Date     jsontime.UnixMilli `json:"date"`
	SenderID *string            `json:"sender_id,omitempty"`
	Text     string             `json:"text,omitempty"`
}

func (m *Message) Time() time.Time {
	return m.Date.Time
}

// FetchParams bounds a message fetch. MinID excludes messages with an id
// lower than or equal to it, zero disables the bound. Limit caps the number of
// returned messages, which are the newest ones matching MinID.
type FetchParams struct {
	MinID int64
	Limit int
}

// Source is the message-source API the sync engine depends on.
type Source interface {
	ListConversations(ctx context.Context) ([]*Conversation, error)
	FetchMessages(ctx context.Context, conversationID int64, params FetchParams) ([]*Message, error)
	MarkRead(ctx context.Context, conversationID int64) error
}

// FindConversation looks up a conversation in the source's active listings.
// It returns nil if the conversation isn't listed.
func FindConversation(ctx context.Context, src Source, conversationID int64) (*Conversation, error) {
	convs, err := src.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	for _, conv := range convs {
		if conv.ID == conversationID {
			return conv, nil
		}
	}
	return nil, nil
}
