// chatdigest - Incremental chat archiving and streaming digests.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package digest turns archived and unread messages into summaries, reply
// suggestions and free-form analyses using the completion endpoint.
package digest

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lrhodin/chatdigest/pkg/archive"
	"github.com/lrhodin/chatdigest/pkg/chatsync"
	"github.com/lrhodin/chatdigest/pkg/completion"
	"github.com/lrhodin/chatdigest/pkg/source"
)

type Digester struct {
	engine *chatsync.Engine
	store  *archive.Store
	src    source.Source
	llm    *completion.Client
	log    zerolog.Logger
}

func New(engine *chatsync.Engine, store *archive.Store, src source.Source, llm *completion.Client, log zerolog.Logger) *Digester {
	return &Digester{
		engine: engine,
		store:  store,
		src:    src,
		llm:    llm,
		log:    log.With().Str("component", "digest").Logger(),
	}
}

// SummarizeUnread summarizes the unread messages of one conversation and then
// acknowledges them as read. Nothing is archived. The conversation is only
// acknowledged if a summary was actually produced.
func (d *Digester) SummarizeUnread(ctx context.Context, conversationID int64, onDelta completion.DeltaFunc) (completion.Result, error) {
	log := d.log.With().Int64("conversation_id", conversationID).Logger()
	msgs, conv, err := d.engine.CollectUnread(ctx, conversationID)
	if err != nil {
		return completion.Result{}, err
	} else if len(msgs) == 0 {
		log.Debug().Msg("No unread messages found")
		return completion.Result{Text: NoUnreadText}, nil
	}
	log.Info().Str("title", conv.DisplayTitle()).Int("messages", len(msgs)).Msg("Summarizing unread messages")
	res := d.llm.Complete(ctx, unreadSummaryPrompt(fromSource(msgs)), onDelta)
	if res.Err != nil {
		return res, nil
	} else if !producedSummary(res) {
		log.Warn().Msg("Read timeout hit before any summary text arrived, leaving messages unread")
		res.Text = NoSummaryText
		return res, nil
	}
	return res, d.src.MarkRead(ctx, conversationID)
}

// producedSummary reports whether res holds summary text worth acknowledging
// the messages for. Truncated output counts as long as something arrived.
func producedSummary(res completion.Result) bool {
	return res.Err == nil && !(res.Truncated && res.Fragments == 0)
}

// SummarizeAllUnread builds one summary section per conversation with unread
// messages. A conversation that can't be read is reported in its section and
// the others are still summarized.
func (d *Digester) SummarizeAllUnread(ctx context.Context) (string, error) {
	convs, err := d.src.ListConversations(ctx)
	if err != nil {
		return "", err
	}
	var sections []string
	for _, conv := range convs {
		if conv.UnreadCount <= 0 {
			continue
		} else if err = ctx.Err(); err != nil {
			return "", err
		}
		title := conv.DisplayTitle()
		log := d.log.With().Int64("conversation_id", conv.ID).Str("title", title).Logger()
		msgs, err := d.engine.CollectUnreadFrom(ctx, conv)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to collect unread messages")
			sections = append(sections, section(title, conv.UnreadCount, "Failed to fetch unread messages: "+err.Error()))
			continue
		} else if len(msgs) == 0 {
			continue
		}
		log.Info().Int("messages", len(msgs)).Msg("Generating summary")
		res := d.llm.Complete(ctx, conversationSummaryPrompt(title, fromSource(msgs)), nil)
		if producedSummary(res) {
			if err = d.src.MarkRead(ctx, conv.ID); err != nil {
				log.Warn().Err(err).Msg("Failed to acknowledge summarized messages")
			}
		} else if res.Err == nil {
			log.Warn().Msg("Read timeout hit before any summary text arrived, leaving messages unread")
			res.Text = NoSummaryText
		}
		sections = append(sections, section(title, conv.UnreadCount, res.Text))
	}
	if len(sections) == 0 {
		return NoUnreadAnywhere, nil
	}
	return strings.Join(sections, "\n\n"), nil
}

// GenerateReply suggests a reply based on the archived history of a
// conversation. Run a sync first to make sure the archive is current.
func (d *Digester) GenerateReply(ctx context.Context, conversationID int64, onDelta completion.DeltaFunc) (completion.Result, error) {
	msgs, err := d.store.Recent(ctx, conversationID, d.engine.Retention())
	if err != nil {
		return completion.Result{}, err
	} else if len(msgs) == 0 {
		return completion.Result{Text: NoReplyContextText}, nil
	}
	d.log.Info().Int64("conversation_id", conversationID).Int("messages", len(msgs)).Msg("Generating reply")
	return d.llm.Complete(ctx, replyPrompt(fromArchive(msgs)), onDelta), nil
}

// Analyze answers query about the archived history of a conversation. An
// empty query asks for a general analysis.
func (d *Digester) Analyze(ctx context.Context, conversationID int64, query string, onDelta completion.DeltaFunc) (completion.Result, error) {
	msgs, err := d.store.Recent(ctx, conversationID, d.engine.Retention())
	if err != nil {
		return completion.Result{}, err
	} else if len(msgs) == 0 {
		return completion.Result{Text: NoAnalyzeContext}, nil
	}
	d.log.Info().Int64("conversation_id", conversationID).Int("messages", len(msgs)).Msg("Analyzing conversation")
	return d.llm.Complete(ctx, analyzePrompt(fromArchive(msgs), query), onDelta), nil
}
