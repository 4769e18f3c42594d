// chatdigest - Incremental chat archiving and streaming digests.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package chatsync

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lrhodin/chatdigest/pkg/source"
)

type syncFunc func(ctx context.Context, conv *source.Conversation) (Result, error)

// SyncAll runs SyncConversation for every conversation the source lists.
func (e *Engine) SyncAll(ctx context.Context) (Counters, error) {
	return e.runBatch(ctx, "incremental", e.SyncConversation, false)
}

// SyncUnreadAll runs SyncUnreadConversation for every conversation with
// unread messages.
func (e *Engine) SyncUnreadAll(ctx context.Context) (Counters, error) {
	return e.runBatch(ctx, "unread", e.SyncUnreadConversation, true)
}

// runBatch syncs the listed conversations, at most sync.workers at a time.
// Every conversation runs inside its own exclusive section, so parallel
// workers never touch the same archive. A failing conversation is recorded as
// a ConversationError and the rest of the batch continues, unless
// sync.abort_on_error is set, in which case no further conversations are
// started.
func (e *Engine) runBatch(ctx context.Context, mode string, fn syncFunc, unreadOnly bool) (Counters, error) {
	log := e.log.With().Str("mode", mode).Logger()
	var total Counters
	convs, err := e.src.ListConversations(ctx)
	if err != nil {
		return total, err
	}

	var lock sync.Mutex
	var errs []error
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(e.cfg.GetWorkers())
	for _, conv := range convs {
		if unreadOnly && conv.UnreadCount <= 0 {
			continue
		}
		if e.cfg.SkipUntitled && !conv.HasTitle() {
			log.Debug().Int64("conversation_id", conv.ID).Msg("No title available, skipping conversation")
			continue
		}
		if e.cfg.AbortOnError && egCtx.Err() != nil {
			break
		}
		eg.Go(func() error {
			if e.cfg.AbortOnError && egCtx.Err() != nil {
				return nil
			}
			res, err := fn(egCtx, conv)
			lock.Lock()
			defer lock.Unlock()
			if err != nil && e.cfg.AbortOnError && egCtx.Err() != nil && ctx.Err() == nil && errors.Is(err, context.Canceled) {
				// Interrupted by a sibling's failure, which is already reported.
				log.Debug().Int64("conversation_id", conv.ID).Msg("Conversation sync cancelled by aborted batch")
				return nil
			} else if err != nil {
				total.Failed++
				convErr := &ConversationError{ConversationID: conv.ID, Title: conv.DisplayTitle(), Err: err}
				log.Err(err).Int64("conversation_id", conv.ID).Msg("Failed to sync conversation")
				if e.cfg.AbortOnError {
					return convErr
				}
				errs = append(errs, convErr)
				return nil
			}
			total.add(res)
			return nil
		})
	}
	if err = eg.Wait(); err != nil {
		errs = append([]error{err}, errs...)
	}
	log.Info().
		Int("conversations", total.Conversations).
		Int("stored", total.Stored).
		Int("skipped", total.Skipped).
		Int64("evicted", total.Evicted).
		Int("failed", total.Failed).
		Msg("Sync finished")
	return total, errors.Join(errs...)
}
