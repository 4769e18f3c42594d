// chatdigest - Incremental chat archiving and streaming digests.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package source

import (
	"context"
)

// Session is an acquired connection to the relay. It must be closed when the
// caller is done with it.
type Session struct {
	*HTTPClient
	closed bool
}

// Connect checks that the relay is reachable and returns a session bound to
// the client's connection pool.
func (c *HTTPClient) Connect(ctx context.Context) (*Session, error) {
	if err := c.Health(ctx); err != nil {
		c.httpClient.CloseIdleConnections()
		return nil, err
	}
	c.log.Debug().Str("url", c.baseURL).Msg("Connected to message source")
	return &Session{HTTPClient: c}, nil
}

// Close releases the session's idle connections. It is safe to call more than
// once.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.httpClient.CloseIdleConnections()
	s.log.Debug().Msg("Disconnected from message source")
}

// WithSession connects to the relay, runs fn and releases the session on
// every exit path, including panics and context cancellation.
func WithSession(ctx context.Context, client *HTTPClient, fn func(ctx context.Context, src Source) error) error {
	sess, err := client.Connect(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()
	return fn(ctx, sess)
}
