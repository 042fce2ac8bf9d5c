// Command torrentcore downloads a single torrent from the command line,
// showing a live terminal progress view while it runs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/kvnl/torrentcore/internal/config"
	"github.com/kvnl/torrentcore/internal/download"
	"github.com/kvnl/torrentcore/internal/logging"
	"github.com/kvnl/torrentcore/internal/manifest"
	"github.com/kvnl/torrentcore/internal/ui"
)

func main() {
	var (
		downloadDir = flag.String("dir", "", "directory to write downloaded files to (defaults to config.DefaultDownloadDir)")
		port        = flag.Uint("port", 0, "TCP port to listen on for inbound peers (0 uses the config default)")
		cacheBlocks = flag.Int("cache-blocks", 512, "number of 16KiB blocks to keep in the write-through disk cache")
		headless    = flag.Bool("headless", false, "print periodic stats instead of the interactive TUI")
		verbose     = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	log := logging.Setup(os.Stdout, *verbose)

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: torrentcore [flags] <file.torrent>")
		os.Exit(2)
	}

	if err := run(*downloadDir, uint16(*port), *cacheBlocks, *headless, flag.Arg(0), log); err != nil {
		log.Error("torrentcore exited with error", "error", err)
		os.Exit(1)
	}
}

func run(downloadDir string, port uint16, cacheBlocks int, headless bool, torrentPath string, log *slog.Logger) error {
	if err := config.Init(); err != nil {
		return fmt.Errorf("init config: %w", err)
	}
	cfg := config.Load()

	if downloadDir == "" {
		downloadDir = cfg.DefaultDownloadDir
	}
	if port == 0 {
		port = cfg.Port
	}

	data, err := os.ReadFile(torrentPath)
	if err != nil {
		return fmt.Errorf("read torrent file: %w", err)
	}

	m, err := manifest.Parse(data)
	if err != nil {
		return fmt.Errorf("parse torrent file: %w", err)
	}

	mgr, err := download.New(m, cfg.ClientID, download.Options{
		DownloadDir: downloadDir,
		CacheBlocks: cacheBlocks,
		ListenPort:  port,
	}, log)
	if err != nil {
		return fmt.Errorf("build download manager: %w", err)
	}
	defer mgr.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- mgr.Run(ctx) }()

	if headless {
		printStatsLoop(ctx, mgr, m.Info.Name, log)
	} else if err := ui.Run(m.Info.Name, mgr); err != nil {
		log.Warn("terminal UI exited with error, falling back to headless stats", "error", err)
		printStatsLoop(ctx, mgr, m.Info.Name, log)
	}

	stop()
	return <-errCh
}

func printStatsLoop(ctx context.Context, mgr *download.Manager, name string, log *slog.Logger) {
	ok := color.New(color.FgGreen).SprintFunc()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := mgr.Stats()
			log.Info(ok(name),
				"pieces", fmt.Sprintf("%d/%d", st.PiecesCompleted, st.PiecesTotal),
				"peers", fmt.Sprintf("%d (%d unchoked)", st.TotalPeers, st.UnchokedPeers),
				"down/s", st.DownloadRate,
				"up/s", st.UploadRate,
			)
		}
	}
}
