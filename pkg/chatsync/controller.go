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
	"time"
)

// Run syncs all conversations immediately and then once per interval until
// ctx is done. Failures are logged and retried on the next tick. If unread is
// set, the unread sync is used instead of the incremental one.
func (e *Engine) Run(ctx context.Context, interval time.Duration, unread bool) {
	log := e.log.With().Dur("interval", interval).Bool("unread", unread).Logger()
	syncOnce := func() {
		log.Info().Msg("Periodic sync start")
		var counts Counters
		var err error
		if unread {
			counts, err = e.SyncUnreadAll(ctx)
		} else {
			counts, err = e.SyncAll(ctx)
		}
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Int("failed", counts.Failed).Msg("Periodic sync had failures")
		} else if err == nil {
			log.Info().
				Int("conversations", counts.Conversations).
				Int("stored", counts.Stored).
				Msg("Periodic sync end")
		}
	}

	syncOnce()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			syncOnce()
		case <-ctx.Done():
			log.Debug().Msg("Periodic sync stopped")
			return
		}
	}
}
