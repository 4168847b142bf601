// Package bootstrap turns a loaded Config into the collaborators shared by
// the server and the command line downloader.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"vidfetch/internal/config"
	"vidfetch/internal/downloader"
	"vidfetch/internal/pipeline"
	"vidfetch/internal/remux"
	"vidfetch/internal/spider/bilibili"
	"vidfetch/internal/storage"
)

func RetryPolicy(cfg config.Config) pipeline.RetryPolicy {
	return pipeline.RetryPolicy{
		MaxRetries: cfg.Request.MaxRetries,
		Interval:   cfg.Request.RetryInterval,
		Step:       cfg.Request.RetryStep,
	}
}

// ResolverFactory builds bilibili resolvers sharing the configured session.
// A zero quality or empty codecs falls back to the configured defaults.
func ResolverFactory(cfg config.Config, logger logrus.FieldLogger) downloader.ResolverFactory {
	newSession := pipeline.NewSessionFactory(cfg.Request.Timeout)
	return func(quality int, codecs string) (downloader.Resolver, error) {
		if quality == bilibili.HighestQuality {
			quality = cfg.Bilibili.Quality
		}
		if codecs == "" {
			codecs = cfg.Bilibili.Codecs
		}
		resolver, err := bilibili.NewResolver(bilibili.Config{
			BaseURL:   cfg.Bilibili.BaseURL,
			SessData:  cfg.Bilibili.SessData,
			UserAgent: cfg.Request.UserAgent,
			Quality:   quality,
			Codecs:    codecs,
			Client:    newSession(),
			Retry:     RetryPolicy(cfg),
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		return resolver, nil
	}
}

// ItemTemplate is the item configuration every download starts from. The
// resolver and the save dir are filled in per item.
func ItemTemplate(cfg config.Config, logger *logrus.Logger) downloader.ItemConfig {
	return downloader.ItemConfig{
		FFmpeg: remux.FFmpeg{
			Path:   cfg.FFmpeg.Path,
			Params: cfg.FFmpeg.Params,
		},
		Transfer: pipeline.TransferConfig{
			ChunkSize:  cfg.Download.ChunkSize,
			Retry:      RetryPolicy(cfg),
			NewSession: pipeline.NewSessionFactory(cfg.Request.Timeout),
		},
		Strategy:      downloader.StrategyLogged,
		AllStreams:    cfg.Download.AllStreams,
		RemoveTempDir: cfg.Download.RemoveTempDir,
		RestartLimit:  cfg.Download.RestartLimit,
		LogLevel:      logger.GetLevel(),
	}
}

// Storage connects to the configured bucket. It returns nil when no bucket
// is configured.
func Storage(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (storage.Service, error) {
	if cfg.Storage.Bucket == "" {
		return nil, nil
	}

	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("using s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return storage.NewS3Service(client), nil
}

// Publisher wraps svc for the configured bucket and key prefix. It returns
// nil when svc is nil.
func Publisher(svc storage.Service, cfg config.Config, logger logrus.FieldLogger) (*storage.Publisher, error) {
	if svc == nil {
		return nil, nil
	}
	return storage.NewPublisher(svc, cfg.Storage.Bucket, cfg.Storage.KeyPrefix, logger)
}
