package storage

import (
	"context"
	"errors"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// Publisher uploads single finished files under a batch scoped key prefix.
type Publisher struct {
	svc      Service
	opts     UploadOptions
	logger   logrus.FieldLogger
	interval time.Duration
}

func NewPublisher(svc Service, bucket, keyPrefix string, logger logrus.FieldLogger) (*Publisher, error) {
	if svc == nil {
		return nil, errors.New("storage service is required")
	}
	if bucket == "" {
		return nil, errors.New("storage bucket is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Publisher{
		svc:      svc,
		opts:     UploadOptions{Bucket: bucket, KeyPrefix: keyPrefix},
		logger:   logger,
		interval: 5 * time.Second,
	}, nil
}

// Scoped returns a publisher writing below prefix/sub.
func (p *Publisher) Scoped(sub string) *Publisher {
	scoped := *p
	scoped.opts.KeyPrefix = path.Join(p.opts.KeyPrefix, sub)
	return &scoped
}

func (p *Publisher) KeyPrefix() string { return p.opts.KeyPrefix }

// PublishFile uploads localPath and returns its s3:// location.
func (p *Publisher) PublishFile(ctx context.Context, localPath string) (string, error) {
	logger := p.logger.WithField("file", path.Base(localPath))
	opts := p.opts

	var last time.Time
	opts.ProgressCallback = func(done, total int64) {
		if done != total && time.Since(last) < p.interval {
			return
		}
		last = time.Now()
		logger.Infof("upload %s / %s", humanize.Bytes(uint64(done)), humanize.Bytes(uint64(total)))
	}

	location, err := p.svc.UploadFile(ctx, localPath, opts)
	if err != nil {
		return "", err
	}
	return location, nil
}
