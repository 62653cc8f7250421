package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/chatsync/pkg/mediacache"
)

var downloadCommand = &cli.Command{
	Name:      "download",
	Usage:     "Download an attachment into the media cache",
	ArgsUsage: "URL",
	Before:    prepareApp,
	Action:    cmdDownload,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "message",
			Aliases: []string{"m"},
			Usage:   "Message id that owns the attachment",
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "Also write the bytes to this file",
		},
	},
}

func cmdDownload(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify a url")
	}
	url := ctx.Args().Get(0)
	cfg := getConfig(ctx)
	log := getLogger(ctx)

	cache, err := mediacache.Open(ctx.Context, cfg.Cache.Driver, cfg.Cache.Directory, nil, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	defer cache.Close()
	cached := cache.IsCached(ctx.Context, url)

	client := &http.Client{Timeout: cfg.Server.TimeoutDuration()}
	dl := mediacache.NewDownloader(cache, client, cfg.Cache.ChunkSizeBytes(), nil, log)
	last := -1
	blob, err := dl.Download(ctx.Context, url, ctx.String("message"), func(percent int) {
		if percent != last {
			last = percent
			fmt.Fprintf(os.Stderr, "\r%3d%%", percent)
		}
	})
	if last >= 0 {
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		return err
	}
	if cached {
		fmt.Printf("Already cached: %s, %s\n", blob.MimeType, humanize.IBytes(uint64(len(blob.Data))))
	} else {
		fmt.Printf("Downloaded %s, %s\n", blob.MimeType, humanize.IBytes(uint64(len(blob.Data))))
	}
	if output := ctx.String("output"); output != "" {
		if err = os.WriteFile(output, blob.Data, 0600); err != nil {
			return fmt.Errorf("failed to write %s: %w", output, err)
		}
	}
	return nil
}
