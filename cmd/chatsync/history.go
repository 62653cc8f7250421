package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/chatsync/pkg/message"
)

var historyCommand = &cli.Command{
	Name:      "history",
	Usage:     "Print pages of a conversation's history, newest first",
	ArgsUsage: "CONVERSATION",
	Before:    requiresServer,
	Action:    cmdHistory,
	Flags: []cli.Flag{
		&cli.TimestampFlag{
			Name:   "before",
			Usage:  "Only show messages created before this time",
			Layout: time.RFC3339,
		},
		&cli.IntFlag{
			Name:  "pages",
			Value: 1,
			Usage: "Number of pages to load",
		},
	},
}

func cmdHistory(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify a conversation")
	}
	ref := ctx.Args().Get(0)
	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()
	conv, err := sess.Conversation(ref)
	if err != nil {
		return err
	}

	var before time.Time
	var beforeID string
	if ts := ctx.Timestamp("before"); ts != nil {
		before = *ts
	}
	for page := 0; page < ctx.Int("pages") && conv.Pager.HasMore(); page++ {
		msgs, err := conv.Pager.LoadOlder(ctx.Context, ref, before, beforeID)
		if err != nil {
			return err
		}
		added := conv.Store.PrependOlder(msgs)
		if added == 0 {
			break
		}
		oldest := conv.Store.Oldest()
		before, beforeID = oldest.CreatedAt, oldest.ID
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSENT\tFROM\tSTATUS\tTEXT")
	for _, msg := range conv.Store.Snapshot() {
		text := msg.Content
		if conv.IsEdited(msg.Key()) {
			text += " (edited)"
		}
		if n := len(msg.Attachments); n > 0 {
			text += fmt.Sprintf(" [%d %s]", n, pluralize(n, "attachment"))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", msg.Key(), humanize.Time(msg.CreatedAt), msg.SenderID, statusLabel(msg.Status), text)
	}
	if !conv.Pager.HasMore() {
		fmt.Fprintln(w, "\t\t\t\t(start of conversation)")
	}
	return w.Flush()
}

func pluralize(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}

func statusLabel(s message.Status) string {
	if s == "" {
		return "-"
	}
	return string(s)
}
