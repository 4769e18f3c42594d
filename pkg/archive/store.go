// chatdigest - Incremental chat archiving and streaming digests.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/exsync"

	"github.com/lrhodin/chatdigest/pkg/archive/upgrades"
	"github.com/lrhodin/chatdigest/pkg/config"
)

const sqliteParams = "_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL"

// Store owns the archives of all conversations. With the sqlite3 backend every
// conversation gets its own database file, with postgres all conversations
// share one database and rows are keyed by conversation id.
type Store struct {
	cfg config.ArchiveConfig
	log zerolog.Logger

	shared   *dbutil.Database
	dbs      *exsync.Map[int64, *dbutil.Database]
	openLock sync.Mutex
	locks    *exsync.Map[int64, *sync.Mutex]

	// now is replaceable in tests.
	now func() time.Time
}

func Open(ctx context.Context, cfg config.ArchiveConfig, log zerolog.Logger) (*Store, error) {
	s := &Store{
		cfg:   cfg,
		log:   log.With().Str("component", "archive").Logger(),
		dbs:   exsync.NewMap[int64, *dbutil.Database](),
		locks: exsync.NewMap[int64, *sync.Mutex](),
		now:   time.Now,
	}
	switch cfg.Type {
	case "sqlite3", "sqlite", "":
		if err := os.MkdirAll(cfg.Directory, 0o700); err != nil {
			return nil, fmt.Errorf("%w: failed to create archive directory: %w", ErrStoreIO, err)
		}
	case "postgres":
		db, err := s.openDatabase(ctx, "postgres", cfg.URI)
		if err != nil {
			return nil, err
		}
		s.shared = db
	default:
		return nil, fmt.Errorf("%w: unsupported archive type %q", config.ErrMissingConfig, cfg.Type)
	}
	return s, nil
}

func (s *Store) openDatabase(ctx context.Context, dialect, uri string) (*dbutil.Database, error) {
	db, err := dbutil.NewWithDialect(uri, dialect)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrStoreIO, err)
	}
	db.Log = dbutil.ZeroLogger(s.log.With().Str("db_section", "archive").Logger())
	db.UpgradeTable = upgrades.Table
	if err = db.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: failed to upgrade database: %w", ErrStoreIO, err)
	}
	return db, nil
}

// Path returns the database file of a conversation. It is empty for the
// postgres backend.
func (s *Store) Path(conversationID int64) string {
	if s.shared != nil {
		return ""
	}
	return filepath.Join(s.cfg.Directory, "chat_"+strconv.FormatInt(conversationID, 10)+".db")
}

func (s *Store) database(ctx context.Context, conversationID int64) (*dbutil.Database, error) {
	if s.shared != nil {
		return s.shared, nil
	}
	if db, ok := s.dbs.Get(conversationID); ok {
		return db, nil
	}
	s.openLock.Lock()
	defer s.openLock.Unlock()
	if db, ok := s.dbs.Get(conversationID); ok {
		return db, nil
	}
	uri := "file:" + s.Path(conversationID) + "?" + sqliteParams
	db, err := s.openDatabase(ctx, "sqlite3", uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive of conversation %d: %w", conversationID, err)
	}
	s.dbs.Set(conversationID, db)
	return db, nil
}

// Exists reports whether anything has ever been written for the conversation.
// It never creates a store.
func (s *Store) Exists(ctx context.Context, conversationID int64) (bool, error) {
	if s.shared == nil {
		if _, ok := s.dbs.Get(conversationID); ok {
			return true, nil
		}
		_, err := os.Stat(s.Path(conversationID))
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		} else if err != nil {
			return false, fmt.Errorf("%w: failed to stat archive: %w", ErrStoreIO, err)
		}
		return true, nil
	}
	var exists bool
	err := s.shared.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM sync_cursor WHERE conversation_id=$1)`, conversationID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: failed to check archive existence: %w", ErrStoreIO, err)
	}
	return exists, nil
}

// Conversation returns the archive of a conversation, creating its store and
// a zero cursor if they don't exist yet.
func (s *Store) Conversation(ctx context.Context, conversationID int64) (*Archive, error) {
	db, err := s.database(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(ctx,
		`INSERT INTO sync_cursor (conversation_id, last_external_id, last_sync_ts) VALUES ($1, 0, 0)
		ON CONFLICT (conversation_id) DO NOTHING`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to initialize sync cursor: %w", ErrStoreIO, err)
	}
	return &Archive{
		db:             db,
		conversationID: conversationID,
		log:            s.log.With().Int64("conversation_id", conversationID).Logger(),
		now:            s.now,
	}, nil
}

// existing returns the archive of a conversation without creating anything,
// or nil if the conversation has never been written.
func (s *Store) existing(ctx context.Context, conversationID int64) (*Archive, error) {
	if exists, err := s.Exists(ctx, conversationID); err != nil || !exists {
		return nil, err
	}
	db, err := s.database(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return &Archive{
		db:             db,
		conversationID: conversationID,
		log:            s.log.With().Int64("conversation_id", conversationID).Logger(),
		now:            s.now,
	}, nil
}

// Recent returns up to limit of the newest archived messages of a
// conversation, oldest first. Conversations that were never synced yield an
// empty result.
func (s *Store) Recent(ctx context.Context, conversationID int64, limit int) ([]*Message, error) {
	arch, err := s.existing(ctx, conversationID)
	if err != nil || arch == nil {
		return nil, err
	}
	return arch.Recent(ctx, limit)
}

// Cursor returns the sync cursor of a conversation without creating it.
func (s *Store) Cursor(ctx context.Context, conversationID int64) (Cursor, error) {
	arch, err := s.existing(ctx, conversationID)
	if err != nil {
		return Cursor{}, err
	} else if arch == nil {
		return Cursor{ConversationID: conversationID}, nil
	}
	return arch.Cursor(ctx)
}

// Lock enters the exclusive section of a conversation and returns the
// function that leaves it. At most one fetch-and-store sequence may run per
// conversation at a time.
func (s *Store) Lock(conversationID int64) func() {
	mu := s.locks.GetOrSetFactory(conversationID, func() *sync.Mutex {
		return &sync.Mutex{}
	})
	mu.Lock()
	return mu.Unlock
}

func (s *Store) Close() error {
	var errs []error
	if s.shared != nil {
		errs = append(errs, s.shared.Close())
	}
	s.openLock.Lock()
	defer s.openLock.Unlock()
	for id, db := range s.dbs.Iter() {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close archive of conversation %d: %w", id, err))
		}
	}
	s.dbs.Clear()
	return errors.Join(errs...)
}
