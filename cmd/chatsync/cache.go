package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/chatsync/pkg/mediacache"
)

var cacheCommand = &cli.Command{
	Name:   "cache",
	Usage:  "Inspect or clear the local media cache",
	Before: prepareApp,
	Subcommands: []*cli.Command{
		{
			Name:   "stats",
			Usage:  "Show entry count and total size",
			Action: cmdCacheStats,
		},
		{
			Name:   "list",
			Usage:  "List cached media, oldest first",
			Action: cmdCacheList,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "message",
					Aliases: []string{"m"},
					Usage:   "Only list media owned by this message id",
				},
			},
		},
		{
			Name:   "clear",
			Usage:  "Delete every cached attachment",
			Action: cmdCacheClear,
		},
	},
}

func openCache(ctx *cli.Context) (*mediacache.Cache, error) {
	cfg := getConfig(ctx)
	cache, err := mediacache.Open(ctx.Context, cfg.Cache.Driver, cfg.Cache.Directory, nil, getLogger(ctx))
	if err != nil {
		// Inspecting a memory fallback would only ever show an empty cache.
		_ = cache.Close()
		return nil, err
	}
	return cache, nil
}

func cmdCacheStats(ctx *cli.Context) error {
	cache, err := openCache(ctx)
	if err != nil {
		return err
	}
	defer cache.Close()
	stats, err := cache.Stats(ctx.Context)
	if err != nil {
		return err
	}
	fmt.Printf("Backend: %s\n", cache.Backend())
	fmt.Printf("Entries: %s\n", humanize.Comma(int64(stats.Count)))
	fmt.Printf("Size:    %s\n", humanize.IBytes(uint64(stats.TotalBytes)))
	return nil
}

func cmdCacheList(ctx *cli.Context) error {
	cache, err := openCache(ctx)
	if err != nil {
		return err
	}
	defer cache.Close()
	var infos []mediacache.EntryInfo
	if msgID := ctx.String("message"); msgID != "" {
		infos, err = cache.ListByMessage(ctx.Context, msgID)
	} else {
		infos, err = cache.ListAll(ctx.Context)
	}
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DOWNLOADED\tSIZE\tTYPE\tMESSAGE\tURL")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			humanize.Time(info.DownloadedAt), humanize.IBytes(uint64(info.SizeBytes)),
			info.MimeType, info.OwningMessageID, info.SourceURL)
	}
	return w.Flush()
}

func cmdCacheClear(ctx *cli.Context) error {
	cache, err := openCache(ctx)
	if err != nil {
		return err
	}
	defer cache.Close()
	stats, err := cache.Stats(ctx.Context)
	if err != nil {
		return err
	}
	if err = cache.ClearAll(ctx.Context); err != nil {
		return err
	}
	fmt.Printf("Cleared %d entries (%s)\n", stats.Count, humanize.IBytes(uint64(stats.TotalBytes)))
	return nil
}
