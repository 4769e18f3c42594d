// chatdigest - Incremental chat archiving and streaming digests.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/chatdigest/pkg/archive"
	"github.com/lrhodin/chatdigest/pkg/chatsync"
	"github.com/lrhodin/chatdigest/pkg/completion"
	"github.com/lrhodin/chatdigest/pkg/config"
	"github.com/lrhodin/chatdigest/pkg/source"
)

var commands = []*cli.Command{
	{
		Name:   "fetch",
		Usage:  "Archive new messages of every conversation",
		Action: fetch,
	},
	{
		Name:   "fetch-unread",
		Usage:  "Archive the unread messages of every conversation and mark them as read",
		Action: fetchUnread,
	},
	{
		Name:      "summarize-unread",
		Usage:     "Summarize unread messages of one conversation, or of all of them",
		ArgsUsage: "<conversation id|all>",
		Action:    summarizeUnread,
	},
	{
		Name:      "reply",
		Usage:     "Suggest a reply based on the archived history",
		ArgsUsage: "<conversation id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "sync", Usage: "archive new messages of the conversation first"},
		},
		Action: reply,
	},
	{
		Name:      "analyze",
		Usage:     "Ask a question about the archived history",
		ArgsUsage: "<conversation id> [query...]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "sync", Usage: "archive new messages of the conversation first"},
		},
		Action: analyze,
	},
	{
		Name:      "history",
		Usage:     "Print archived messages, oldest first",
		ArgsUsage: "<conversation id>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "number of messages, defaults to the retention limit"},
		},
		Action: history,
	},
	{
		Name:      "cursor",
		Usage:     "Print the sync cursor of a conversation",
		ArgsUsage: "<conversation id>",
		Action:    cursor,
	},
	{
		Name:  "watch",
		Usage: "Sync periodically until interrupted, reloading the config when it changes",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "unread", Usage: "use the unread sync instead of the incremental one"},
		},
		Action: watch,
	},
}

func conversationArg(cCtx *cli.Context) (int64, error) {
	arg := cCtx.Args().First()
	if arg == "" {
		return 0, fmt.Errorf("missing conversation id")
	}
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid conversation id %q", arg)
	}
	return id, nil
}

func printCounters(counts chatsync.Counters) {
	fmt.Printf("Synced %d conversations: %d new messages, %d without text, %d evicted, %d failed\n",
		counts.Conversations, counts.Stored, counts.Skipped, counts.Evicted, counts.Failed)
}

func fetch(cCtx *cli.Context) error {
	return withServices(cCtx, func(ctx context.Context, svc *services) error {
		counts, err := svc.engine.SyncAll(ctx)
		printCounters(counts)
		return err
	})
}

func fetchUnread(cCtx *cli.Context) error {
	return withServices(cCtx, func(ctx context.Context, svc *services) error {
		counts, err := svc.engine.SyncUnreadAll(ctx)
		printCounters(counts)
		return err
	})
}

func printDelta(fragment string) {
	fmt.Print(fragment)
}

// finishStream prints the result text if nothing was streamed, which is the
// case for placeholder and error texts.
func finishStream(res completion.Result) error {
	if res.Fragments == 0 {
		fmt.Print(res.Text)
	}
	fmt.Println()
	if res.Truncated {
		fmt.Fprintln(os.Stderr, "Warning: the response was cut short by the read timeout")
	}
	return res.Err
}

func summarizeUnread(cCtx *cli.Context) error {
	if strings.EqualFold(cCtx.Args().First(), "all") {
		return withServices(cCtx, func(ctx context.Context, svc *services) error {
			out, err := svc.digest.SummarizeAllUnread(ctx)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		})
	}
	id, err := conversationArg(cCtx)
	if err != nil {
		return err
	}
	return withServices(cCtx, func(ctx context.Context, svc *services) error {
		res, err := svc.digest.SummarizeUnread(ctx, id, printDelta)
		if err != nil {
			return err
		}
		return finishStream(res)
	})
}

func syncFirst(ctx context.Context, svc *services, id int64) error {
	conv, err := source.FindConversation(ctx, svc.src, id)
	if err != nil {
		return err
	} else if conv == nil {
		return fmt.Errorf("conversation %d is not listed by the source", id)
	}
	_, err = svc.engine.SyncConversation(ctx, conv)
	return err
}

func reply(cCtx *cli.Context) error {
	id, err := conversationArg(cCtx)
	if err != nil {
		return err
	}
	return withServices(cCtx, func(ctx context.Context, svc *services) error {
		if cCtx.Bool("sync") {
			if err := syncFirst(ctx, svc, id); err != nil {
				return err
			}
		}
		res, err := svc.digest.GenerateReply(ctx, id, printDelta)
		if err != nil {
			return err
		}
		return finishStream(res)
	})
}

func analyze(cCtx *cli.Context) error {
	id, err := conversationArg(cCtx)
	if err != nil {
		return err
	}
	query := strings.Join(cCtx.Args().Tail(), " ")
	return withServices(cCtx, func(ctx context.Context, svc *services) error {
		if cCtx.Bool("sync") {
			if err := syncFirst(ctx, svc, id); err != nil {
				return err
			}
		}
		res, err := svc.digest.Analyze(ctx, id, query, printDelta)
		if err != nil {
			return err
		}
		return finishStream(res)
	})
}

func history(cCtx *cli.Context) error {
	id, err := conversationArg(cCtx)
	if err != nil {
		return err
	}
	limit := cCtx.Int("limit")
	if limit <= 0 {
		limit = cfg.Archive.GetRetention()
	}
	return withStore(cCtx, func(ctx context.Context, store *archive.Store) error {
		msgs, err := store.Recent(ctx, id, limit)
		if err != nil {
			return err
		} else if len(msgs) == 0 {
			fmt.Printf("No archived messages for conversation %d\n", id)
			return nil
		}
		for _, msg := range msgs {
			fmt.Printf("[%s] %s: %s\n", msg.Timestamp.Local().Format("2006-01-02 15:04"), msg.Sender, msg.Text)
		}
		return nil
	})
}

func cursor(cCtx *cli.Context) error {
	id, err := conversationArg(cCtx)
	if err != nil {
		return err
	}
	return withStore(cCtx, func(ctx context.Context, store *archive.Store) error {
		cur, err := store.Cursor(ctx, id)
		if err != nil {
			return err
		} else if cur.LastSyncTime.IsZero() {
			fmt.Printf("Conversation %d: last external id %d, never synced\n", id, cur.LastExternalID)
			return nil
		}
		fmt.Printf("Conversation %d: last external id %d, last synced %s\n",
			id, cur.LastExternalID, cur.LastSyncTime.Local().Format(time.DateTime))
		return nil
	})
}

func watch(cCtx *cli.Context) error {
	unread := cCtx.Bool("unread")
	return withServices(cCtx, func(ctx context.Context, svc *services) error {
		var changes <-chan struct{}
		if configPath != "" {
			var err error
			changes, err = config.Watch(ctx, configPath, config.DefaultWatchDebounce)
			if err != nil {
				return err
			}
		}
		engine := svc.engine
		interval := cfg.Sync.GetInterval()
		for {
			runCtx, cancel := context.WithCancel(ctx)
			done := make(chan struct{})
			go func() {
				defer close(done)
				engine.Run(runCtx, interval, unread)
			}()
			next, ok := waitForReload(ctx, changes)
			cancel()
			<-done
			if !ok {
				return nil
			}
			engine = chatsync.NewEngine(svc.src, svc.store, next.Sync, next.Archive.GetRetention(), *log)
			interval = next.Sync.GetInterval()
		}
	})
}

// waitForReload blocks until the config file changes and parses again. It
// returns false once ctx is done.
func waitForReload(ctx context.Context, changes <-chan struct{}) (*config.Config, bool) {
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case _, ok := <-changes:
			if !ok {
				return nil, false
			}
			next, err := config.Load(configPath)
			if err != nil {
				log.Warn().Err(err).Msg("Ignoring config change that doesn't parse")
				continue
			}
			log.Info().
				Dur("interval", next.Sync.GetInterval()).
				Int("retention", next.Archive.GetRetention()).
				Int("workers", next.Sync.GetWorkers()).
				Msg("Config reloaded, source and archive settings apply after a restart")
			return next, true
		}
	}
}
