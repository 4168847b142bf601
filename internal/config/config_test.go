package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "data/downloads", cfg.Download.SaveDir)
	assert.Equal(t, 1<<20, cfg.Download.ChunkSize)
	assert.True(t, cfg.Download.RemoveTempDir)
	assert.True(t, cfg.Download.MoveOutput)
	assert.Equal(t, 10, cfg.Request.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Request.RetryInterval)
	assert.Equal(t, 10*time.Second, cfg.Request.RetryStep)
	assert.Equal(t, "ffmpeg", cfg.FFmpeg.Path)
	assert.Equal(t, 24*60, cfg.Auth.TokenTTLMinutes)
	assert.Equal(t, logrus.InfoLevel, cfg.Logger().GetLevel())
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("VIDFETCH_DOWNLOAD_MAXWORKERS", "4")
	t.Setenv("VIDFETCH_REQUEST_TIMEOUT", "5s")
	t.Setenv("VIDFETCH_BILIBILI_SESSDATA", "cookie")
	t.Setenv("VIDFETCH_AUTH_JWTSECRET", "jwt")
	t.Setenv("VIDFETCH_LOG_LEVEL", "debug")
	t.Setenv("VIDFETCH_SERVER_CORSORIGINS", "http://a.test,http://b.test")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Server.CORSOrigins)

	assert.Equal(t, 4, cfg.Download.MaxWorkers)
	assert.Equal(t, 5*time.Second, cfg.Request.Timeout)
	assert.Equal(t, "cookie", cfg.Bilibili.SessData)
	assert.Equal(t, "jwt", cfg.Auth.JWTSecret)
	assert.Equal(t, logrus.DebugLevel, cfg.Logger().GetLevel())
}

func TestLoadFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("VIDFETCH_BILIBILI_QUALITY", "64")

	fs := pflag.NewFlagSet("fetch", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"-q", "80", "-o", "/tmp/out", "--remove-temp-dir=false", "--ffmpeg-param", "-preset,fast"}))

	cfg, err := Load(fs)
	require.NoError(t, err)

	assert.Equal(t, 80, cfg.Bilibili.Quality)
	assert.Equal(t, "/tmp/out", cfg.Download.SaveDir)
	assert.False(t, cfg.Download.RemoveTempDir)
	assert.Equal(t, []string{"-preset", "fast"}, cfg.FFmpeg.Params)
	assert.Equal(t, 10, cfg.Request.MaxRetries, "unset flags keep the configured value")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("VIDFETCH_LOG_LEVEL", "loud")
	_, err := Load(nil)
	assert.Error(t, err)

	t.Setenv("VIDFETCH_LOG_LEVEL", "info")
	t.Setenv("VIDFETCH_DOWNLOAD_CHUNKSIZE", "0")
	_, err = Load(nil)
	assert.Error(t, err)
}
