// chatdigest - Incremental chat archiving and streaming digests.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/random"
	"go.mau.fi/util/retryafter"

	"github.com/lrhodin/chatdigest/pkg/config"
)

const (
	retryBaseDelay = 250 * time.Millisecond
	retryMaxDelay  = 10 * time.Second
)

// HTTPClient is a Source backed by the relay HTTP API.
type HTTPClient struct {
	baseURL    string
	token      string
	maxRetries int
	httpClient *http.Client
	log        zerolog.Logger
}

var _ Source = (*HTTPClient)(nil)

func NewHTTPClient(cfg config.SourceConfig, log zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:    cfg.URL,
		token:      cfg.Token,
		maxRetries: cfg.GetMaxRetries(),
		httpClient: &http.Client{Timeout: cfg.GetTimeout()},
		log:        log.With().Str("component", "source").Logger(),
	}
}

type conversationList struct {
	Conversations []*Conversation `json:"conversations"`
}

type messageList struct {
	Messages []*Message `json:"messages"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HTTPError is a non-success response from the relay.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("relay returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("relay returned %d", e.StatusCode)
}

func (c *HTTPClient) Health(ctx context.Context) error {
	if err := c.doJSON(ctx, http.MethodGet, "/v1/health", nil, nil); err != nil {
		return &UnavailableError{Op: "check relay health", Err: err}
	}
	return nil
}

func (c *HTTPClient) ListConversations(ctx context.Context) ([]*Conversation, error) {
	var out conversationList
	if err := c.doJSON(ctx, http.MethodGet, "/v1/conversations", nil, &out); err != nil {
		return nil, &UnavailableError{Op: "list conversations", Err: err}
	}
	return out.Conversations, nil
}

func (c *HTTPClient) FetchMessages(ctx context.Context, conversationID int64, params FetchParams) ([]*Message, error) {
	q := url.Values{}
	if params.MinID > 0 {
		q.Set("min_id", strconv.FormatInt(params.MinID, 10))
	}
	if params.Limit > 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}
	path := fmt.Sprintf("/v1/conversations/%d/messages", conversationID)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out messageList
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, &UnavailableError{Op: "fetch messages", ConversationID: conversationID, Err: err}
	}
	return out.Messages, nil
}

func (c *HTTPClient) MarkRead(ctx context.Context, conversationID int64) error {
	path := fmt.Sprintf("/v1/conversations/%d/read", conversationID)
	if err := c.doJSON(ctx, http.MethodPost, path, struct{}{}, nil); err != nil {
		return &UnavailableError{Op: "mark conversation as read", ConversationID: conversationID, Err: err}
	}
	return nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}
	requestID := random.String(12)
	log := c.log.With().Str("method", method).Str("path", requestPath).Str("request_id", requestID).Logger()
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return fmt.Errorf("failed to prepare request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Request-Id", requestID)
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.maxRetries {
				delay := backoff(attempt)
				log.Warn().Err(err).Int("attempt", attempt+1).Dur("retry_in", delay).Msg("Relay request failed, retrying")
				if waitErr := wait(ctx, delay); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("failed to read response body: %w", readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			if err = json.Unmarshal(payload, out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			return nil
		}

		if retryafter.Should(resp.StatusCode, true) && attempt < c.maxRetries {
			delay := min(retryafter.Parse(resp.Header.Get("Retry-After"), backoff(attempt)), retryMaxDelay)
			log.Warn().Int("status", resp.StatusCode).Int("attempt", attempt+1).Dur("retry_in", delay).Msg("Relay asked to retry")
			if waitErr := wait(ctx, delay); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload errorResponse
		_ = json.Unmarshal(payload, &errPayload)
		return &HTTPError{StatusCode: resp.StatusCode, Message: errPayload.Error}
	}
}

func backoff(attempt int) time.Duration {
	delay := retryBaseDelay << attempt
	if delay <= 0 || delay > retryMaxDelay {
		return retryMaxDelay
	}
	return delay
}

func wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
