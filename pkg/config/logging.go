// chatdigest - Incremental chat archiving and streaming digests.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exzerolog"
)

// SetupLogger builds the process logger: human-readable output on stderr and,
// if a file is configured, JSON lines appended to that file. The returned
// function closes the log file.
func (c *LoggingConfig) SetupLogger(stderr io.Writer) (*zerolog.Logger, func() error, error) {
	level := zerolog.InfoLevel
	if c.MinLevel != "" {
		var err error
		level, err = zerolog.ParseLevel(c.MinLevel)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid logging.min_level %q: %w", c.MinLevel, err)
		}
	}

	writers := []io.Writer{zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.DateTime}}
	closeFn := func() error { return nil }
	if c.File != "" {
		if dir := filepath.Dir(c.File); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
			}
		}
		file, err := os.OpenFile(c.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, file)
		closeFn = file.Close
	}

	log := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().Timestamp().
		Logger()
	exzerolog.SetupDefaults(&log)
	return &log, closeFn, nil
}
