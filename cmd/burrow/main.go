// Command burrow downloads a single torrent from the command line and seeds
// it until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/avinier/burrow/internal/config"
	"github.com/avinier/burrow/internal/event"
	"github.com/avinier/burrow/internal/meta"
	"github.com/avinier/burrow/internal/session"
	"github.com/avinier/burrow/pkg/logging"
)

func main() {
	var (
		downloadDir = flag.String("dir", "", "download directory (default: ./downloads)")
		port        = flag.Uint("port", 6881, "listen port for inbound peers")
		verbose     = flag.Bool("v", false, "debug logging")
		noColor     = flag.Bool("no-color", false, "disable colored log output")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <file.torrent>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := logging.Setup(os.Stderr, level, !*noColor)

	config.Update(func(c *config.Config) {
		if *downloadDir != "" {
			c.DownloadDir = *downloadDir
		}
		c.Port = uint16(*port)
	})

	if err := run(log, flag.Arg(0)); err != nil {
		log.Error("exiting", "error", err.Error())
		os.Exit(1)
	}
}

func run(log *slog.Logger, torrentPath string) error {
	data, err := os.ReadFile(torrentPath)
	if err != nil {
		return err
	}
	mi, err := meta.ParseMetainfo(data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", torrentPath, err)
	}

	log.Info("loaded torrent",
		"name", mi.Info.Name,
		"size", humanize.IBytes(uint64(mi.Size())),
		"pieces", mi.PieceCount(),
		"infoHash", fmt.Sprintf("%x", mi.InfoHash),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr := session.NewManager(log)

	completed := make(chan struct{})
	var completeOnce sync.Once
	mgr.Bus().Register(event.TorrentCompleted, func(_ context.Context, ev event.Event) error {
		p, ok := ev.Payload.(event.TorrentPayload)
		if ok && p.InfoHash == mi.InfoHash {
			completeOnce.Do(func() { close(completed) })
		}
		return nil
	})

	errc := make(chan error, 1)
	go func() { errc <- mgr.Run(ctx) }()

	// give the shared services a beat to come up before adding the torrent
	time.Sleep(50 * time.Millisecond)

	t, err := mgr.AddTorrent(ctx, mi)
	if err != nil {
		mgr.Stop()
		return err
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			mgr.Stop()
			return <-errc

		case <-completed:
			log.Info("download complete, seeding; interrupt to quit")
			completed = nil // keep seeding, stop re-logging

		case <-ticker.C:
			printStatus(log, mgr, t)

		case err := <-errc:
			return err
		}
	}
}

func printStatus(log *slog.Logger, mgr *session.Manager, t *session.Torrent) {
	st := t.Store()
	have := st.Have().Count()
	total := st.PieceCount()

	diskStats := mgr.Disk().Stats()
	log.Info("status",
		"pieces", fmt.Sprintf("%d/%d", have, total),
		"peers", t.PeerCount(),
		"written", humanize.IBytes(diskStats.BytesWritten.Load()),
		"read", humanize.IBytes(diskStats.BytesRead.Load()),
	)
}
