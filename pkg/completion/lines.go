// chatdigest - Incremental chat archiving and streaming digests.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package completion

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// LineStream yields the lines of a streaming response body one at a time.
// It is finite and can't be restarted: reading again requires a new request.
//
//	lines := NewLineStream(resp.Body)
//	defer lines.Close()
//	for lines.Next() {
//	    handle(lines.Line())
//	}
//	if err := lines.Err(); err != nil {
//	    // transport failure
//	}
type LineStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	line   string
	err    error
	done   bool
}

func NewLineStream(body io.ReadCloser) *LineStream {
	return &LineStream{
		body:   body,
		reader: bufio.NewReaderSize(body, 64*1024),
	}
}

// Next advances to the next line, returning false at the end of the stream or
// on a read error.
func (ls *LineStream) Next() bool {
	if ls.done {
		return false
	}
	line, err := ls.reader.ReadString('\n')
	if err != nil {
		ls.done = true
		if !errors.Is(err, io.EOF) {
			ls.err = err
			return false
		}
		if line == "" {
			return false
		}
	}
	ls.line = strings.TrimSpace(line)
	return true
}

// Line returns the current line without surrounding whitespace.
func (ls *LineStream) Line() string {
	return ls.line
}

// Err returns the read error that ended the stream, or nil if it ended with
// EOF.
func (ls *LineStream) Err() error {
	return ls.err
}

func (ls *LineStream) Close() error {
	ls.done = true
	return ls.body.Close()
}
