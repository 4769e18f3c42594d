// chatdigest - Incremental chat archiving and streaming digests.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package digest

import (
	"fmt"
	"strings"
	"time"

	"go.mau.fi/util/ptr"

	"github.com/lrhodin/chatdigest/pkg/archive"
	"github.com/lrhodin/chatdigest/pkg/source"
)

const contextTimeFormat = "2006-01-02 15:04"

const (
	NoUnreadText       = "No unread messages to summarize."
	NoUnreadAnywhere   = "No unread messages in any chats."
	NoReplyContextText = "No messages found to generate a reply for."
	NoAnalyzeContext   = "No messages found to analyze."
	NoSummaryText      = "No summary arrived before the read timeout. The messages were left unread."
)

type contextLine struct {
	ts     time.Time
	sender string
	text   string
}

func (l contextLine) String() string {
	return fmt.Sprintf("[%s] %s: %s", l.ts.Local().Format(contextTimeFormat), l.sender, l.text)
}

func fromSource(msgs []*source.Message) []contextLine {
	lines := make([]contextLine, len(msgs))
	for i, msg := range msgs {
		sender := ptr.Val(msg.SenderID)
		if sender == "" {
			sender = archive.UnknownSender
		}
		lines[i] = contextLine{ts: msg.Time(), sender: sender, text: msg.Text}
	}
	return lines
}

func fromArchive(msgs []*archive.Message) []contextLine {
	lines := make([]contextLine, len(msgs))
	for i, msg := range msgs {
		lines[i] = contextLine{ts: msg.Timestamp, sender: msg.Sender, text: msg.Text}
	}
	return lines
}

func formatContext(lines []contextLine) string {
	var buf strings.Builder
	for i, line := range lines {
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(line.String())
	}
	return buf.String()
}

func unreadSummaryPrompt(lines []contextLine) string {
	return "Here are the unread messages that need summarizing:\n\n" + formatContext(lines) + "\n\n" +
		"Please provide a concise summary of these unread messages, highlighting any important information or action items."
}

func conversationSummaryPrompt(title string, lines []contextLine) string {
	return fmt.Sprintf("Here are %d unread messages from '%s':\n\n%s\n\n", len(lines), title, formatContext(lines)) +
		"Please provide a brief but informative summary of these messages, highlighting important points."
}

func replyPrompt(lines []contextLine) string {
	return "Here are the recent messages in this conversation:\n\n" + formatContext(lines) + "\n\n" +
		"Please generate an appropriate reply to continue this conversation naturally."
}

func analyzePrompt(lines []contextLine, query string) string {
	if query = strings.TrimSpace(query); query == "" {
		query = "Please analyze the recent messages."
	}
	return "Here are the recent messages in this conversation:\n\n" + formatContext(lines) + "\n\n" + query
}

func section(title string, count int, body string) string {
	return fmt.Sprintf("## %s (%d messages)\n\n%s\n", title, count, body)
}
