package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/chatsync/pkg/notify"
	"github.com/lrhodin/chatsync/pkg/transport"
)

var eventsFlag = &cli.StringFlag{
	Name:     "events",
	Aliases:  []string{"e"},
	Usage:    "JSONL file of {name, payload} push events",
	Required: true,
}

var tailCommand = &cli.Command{
	Name:      "tail",
	Usage:     "Follow a push event log and print how the conversation changes",
	ArgsUsage: "CONVERSATION",
	Before:    requiresServer,
	Action:    cmdTail,
	Flags: []cli.Flag{
		eventsFlag,
		&cli.BoolFlag{
			Name:  "from-start",
			Usage: "Replay events already in the file",
		},
		&cli.BoolFlag{
			Name:  "no-refresh",
			Usage: "Don't fetch the latest window before following",
		},
	},
}

var emitCommand = &cli.Command{
	Name:      "emit",
	Usage:     "Append a push event to an event log",
	ArgsUsage: "NAME PAYLOAD",
	Action:    cmdEmit,
	Flags:     []cli.Flag{eventsFlag},
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "Warning: metrics server stopped: %v\n", err)
		}
	}()
	return srv
}

func cmdTail(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify a conversation")
	}
	ref := ctx.Args().Get(0)
	cfg := getConfig(ctx)
	log := getLogger(ctx)

	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()
	if cfg.Metrics.Listen != "" {
		srv := serveMetrics(cfg.Metrics.Listen, sess.Registry)
		defer srv.Close()
	}
	conv, err := sess.Conversation(ref)
	if err != nil {
		return err
	}
	conv.Hub.MessageChanged.Subscribe(func(ev notify.MessageChanged) {
		if ev.Deleted {
			fmt.Printf("- %s\n", ev.Key)
			return
		}
		if msg := conv.Store.Get(ev.Key); msg != nil {
			fmt.Printf("~ %s %s [%s] %s\n", msg.Key(), msg.SenderID, statusLabel(msg.Status), msg.Content)
		}
	})
	conv.Hub.Notices.Subscribe(func(n notify.Notice) {
		fmt.Fprintf(os.Stderr, "! %s failed: %v\n", n.Op, n.Err)
	})

	if !ctx.Bool("no-refresh") {
		stats, err := conv.Events.Refresh(runCtx)
		if err != nil {
			log.Warn().Err(err).Msg("Initial refresh failed, following events anyway")
		} else {
			log.Info().Int("inserted", stats.Inserted).Int("updated", stats.Updated).Msg("Loaded latest messages")
		}
	}

	tail, err := transport.OpenFileTail(ctx.String("events"), ctx.Bool("from-start"), log)
	if err != nil {
		return err
	}
	defer tail.Close()
	err = conv.Run(runCtx, tail)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func cmdEmit(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return fmt.Errorf("usage: emit --events FILE NAME PAYLOAD")
	}
	payload := []byte(ctx.Args().Get(1))
	if !json.Valid(payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	ev := transport.Event{Name: ctx.Args().Get(0), Payload: payload}
	if err := transport.AppendEvent(ctx.String("events"), ev); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}
