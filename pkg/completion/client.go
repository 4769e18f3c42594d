// chatdigest - Incremental chat archiving and streaming digests.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package completion streams text from an OpenAI-compatible chat completion
// endpoint.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/lrhodin/chatdigest/pkg/config"
)

const (
	dataPrefix    = "data:"
	doneSentinel  = "[DONE]"
	deltaPath     = "choices.0.delta.content"
	errorTextHead = "Error processing messages: "
)

// DefaultPrompt is sent when the caller doesn't provide a prompt.
const DefaultPrompt = "Please analyze the recent messages."

const DefaultSystemPrompt = `You are an intelligent message analysis assistant that helps users understand their chat history.
You either summarize messages or generate replies.
When analyzing messages:
- Focus on factual content and key information
- Note who said what when it's relevant
- Identify any tasks, deadlines, or commitments mentioned
- Highlight questions that were asked but not answered

Be concise but thorough in your responses. Present information in an organized manner with clear sections when appropriate.

When generating replies:
- Generate a natural and appropriate response based on the context of the conversation.
- Ensure the reply is relevant to the most recent messages and has no extra text.`

// DeltaFunc is called with every content fragment as it arrives.
type DeltaFunc func(fragment string)

// Result is the outcome of a completion. Transport failures are not returned
// as Go errors: Text then holds a readable error message and Err the cause.
type Result struct {
	Text string
	// Fragments is the number of content deltas received.
	Fragments int
	// Skipped is the number of data lines that couldn't be parsed.
	Skipped int
	// Truncated is set when the read timeout cut the stream short. Text
	// holds whatever arrived before that.
	Truncated bool
	Err       error
}

type Client struct {
	endpoint     string
	model        string
	temperature  float64
	apiKey       string
	readTimeout  time.Duration
	systemPrompt string
	httpClient   *http.Client
	log          zerolog.Logger
}

// NewClient creates a completion client. httpClient may be nil. Its Timeout
// should be zero, the stream duration is bounded by the configured read
// timeout instead.
func NewClient(cfg config.CompletionConfig, httpClient *http.Client, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	if cfg.SelfID != "" {
		systemPrompt += "\n\n" + cfg.SelfID + " is the chat ID of the user you are assisting."
	}
	return &Client{
		endpoint:     cfg.Endpoint,
		model:        cfg.Model,
		temperature:  cfg.Temperature,
		apiKey:       cfg.APIKey,
		readTimeout:  cfg.ReadTimeout,
		systemPrompt: systemPrompt,
		httpClient:   httpClient,
		log:          log.With().Str("component", "completion").Logger(),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Stream      bool          `json:"stream"`
	Temperature float64       `json:"temperature"`
	Messages    []chatMessage `json:"messages"`
}

func (c *Client) buildRequest(prompt string) chatRequest {
	if prompt == "" {
		prompt = DefaultPrompt
	}
	return chatRequest{
		Model:       c.model,
		Stream:      true,
		Temperature: c.temperature,
		Messages: []chatMessage{
			{Role: "system", Content: c.systemPrompt},
			{Role: "user", Content: prompt},
		},
	}
}

// Complete sends prompt and aggregates the streamed reply. onDelta may be
// nil.
func (c *Client) Complete(ctx context.Context, prompt string, onDelta DeltaFunc) Result {
	log := c.log
	readCtx := ctx
	if c.readTimeout > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, c.readTimeout)
		defer cancel()
	}

	var res Result
	var text strings.Builder
	err := c.stream(readCtx, prompt, func(fragment string) {
		res.Fragments++
		text.WriteString(fragment)
		if onDelta != nil {
			onDelta(fragment)
		}
	}, &res.Skipped)
	res.Text = text.String()

	switch {
	case err == nil:
		log.Debug().Int("fragments", res.Fragments).Int("skipped_lines", res.Skipped).Msg("Completion finished")
	case ctx.Err() == nil && errors.Is(readCtx.Err(), context.DeadlineExceeded):
		res.Truncated = true
		log.Warn().
			Dur("read_timeout", c.readTimeout).
			Int("fragments", res.Fragments).
			Msg("Completion stream hit read timeout, returning partial output")
	default:
		res.Err = err
		res.Text = errorTextHead + err.Error()
		log.Err(err).Int("fragments", res.Fragments).Msg("Completion stream failed")
	}
	return res
}

func (c *Client) stream(ctx context.Context, prompt string, emit func(string), skipped *int) error {
	body, err := json.Marshal(c.buildRequest(prompt))
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to prepare request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	lines := NewLineStream(resp.Body)
	defer lines.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	for lines.Next() {
		line := lines.Line()
		if line == "" || !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := strings.TrimSpace(line[len(dataPrefix):])
		if payload == doneSentinel {
			return nil
		}
		if !gjson.Valid(payload) {
			*skipped++
			continue
		}
		if fragment := gjson.Get(payload, deltaPath).String(); fragment != "" {
			emit(fragment)
		}
	}
	return lines.Err()
}
