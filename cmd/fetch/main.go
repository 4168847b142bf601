// Command fetch downloads bilibili videos given by id into a local directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"vidfetch/internal/bootstrap"
	"vidfetch/internal/config"
	"vidfetch/internal/domain"
	"vidfetch/internal/downloader"
	"vidfetch/internal/progress"
	"vidfetch/internal/spider/bilibili"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet("fetch", pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: fetch [flags] ID...\n\n")
		fs.PrintDefaults()
	}
	config.RegisterFlags(fs)
	idFile := fs.StringP("file", "f", "", "file with ids separated by whitespace or commas")
	progressBars := fs.BoolP("progress", "p", true, "draw progress bars instead of logging")
	publish := fs.Bool("publish", false, "upload finished outputs to the configured bucket")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 2
	}
	logger := cfg.Logger()

	ids := bilibili.ParseItemIDs(fs.Args()...)
	if *idFile != "" {
		fromFile, err := bilibili.ReadItemIDsFile(*idFile)
		if err != nil {
			logger.Errorf("read ids: %v", err)
			return 2
		}
		ids = bilibili.ParseItemIDs(append(ids, fromFile...)...)
	}
	if len(ids) == 0 {
		fs.Usage()
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coord, err := newCoordinator(ctx, cfg, logger, *progressBars, *publish)
	if err != nil {
		logger.Errorf("setup: %v", err)
		return 1
	}
	if err := coord.AddIDs(ids...); err != nil {
		logger.Errorf("add items: %v", err)
		return 1
	}

	if err := coord.Download(ctx); err != nil {
		logger.Warnf("interrupted: %v", err)
		return 130
	}

	for _, report := range coord.Reports() {
		entry := logger.WithField("item", report.ItemID)
		switch report.State {
		case domain.StateFinished:
			if report.RemoteLocation != "" {
				entry.Infof("%s -> %s", report.OutputFile, report.RemoteLocation)
			} else {
				entry.Info(report.OutputFile)
			}
		default:
			entry.Errorf("%s at %q: %v", report.State, report.Step, report.Err)
		}
	}

	if coord.FailedCount() > 0 {
		return 1
	}
	return 0
}

func newCoordinator(ctx context.Context, cfg config.Config, logger *logrus.Logger, bars, publish bool) (*downloader.Coordinator, error) {
	resolver, err := bootstrap.ResolverFactory(cfg, logger)(cfg.Bilibili.Quality, cfg.Bilibili.Codecs)
	if err != nil {
		return nil, err
	}

	item := bootstrap.ItemTemplate(cfg, logger)
	item.Resolver = resolver
	if hp, ok := resolver.(downloader.HeaderProvider); ok {
		item.Transfer.Header = hp.Header()
	}

	coordCfg := downloader.CoordinatorConfig{
		SaveDir:        cfg.Download.SaveDir,
		MaxWorkers:     cfg.Download.MaxWorkers,
		ExitOnFailure:  cfg.Download.ExitOnFailure,
		MoveOutput:     cfg.Download.MoveOutput,
		MoveLog:        cfg.Download.MoveLog,
		RemoveItemDirs: cfg.Download.RemoveItemDirs,
		Logger:         logger,
	}
	if bars {
		display := progress.NewTerminal(os.Stderr)
		item.Strategy = downloader.StrategyLive
		item.Display = display
		coordCfg.ShowProgress = true
		coordCfg.Display = display
	} else {
		item.Console = os.Stderr
	}
	coordCfg.NewItem = downloader.NewItemFactory(item)

	if publish {
		svc, err := bootstrap.Storage(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		if svc == nil {
			return nil, fmt.Errorf("--publish needs a storage bucket")
		}
		pub, err := bootstrap.Publisher(svc, cfg, logger)
		if err != nil {
			return nil, err
		}
		coordCfg.Publisher = pub
	}

	return downloader.NewCoordinator(coordCfg)
}
