package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "VIDFETCH"

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr        string
		CORSOrigins []string
	}
	Database struct {
		Path string
	}
	Download struct {
		SaveDir        string
		MaxWorkers     int
		ChunkSize      int
		RestartLimit   int
		AllStreams     bool
		RemoveTempDir  bool
		RemoveItemDirs bool
		MoveOutput     bool
		MoveLog        bool
		ExitOnFailure  bool
	}
	Request struct {
		MaxRetries    int
		RetryInterval time.Duration
		RetryStep     time.Duration
		Timeout       time.Duration
		UserAgent     string
	}
	Bilibili struct {
		BaseURL  string
		SessData string
		Quality  int
		Codecs   string
	}
	FFmpeg struct {
		Path   string
		Params []string
	}
	Storage struct {
		Bucket    string
		KeyPrefix string
		Region    string
		Endpoint  string
	}
	AWS struct {
		Profile string
	}
	Auth struct {
		JWTSecret        string
		RegisterPassword string
		TokenTTLMinutes  int
	}
	Log struct {
		Level string
	}
}

// flagKeys maps the CLI flags of RegisterFlags to configuration keys.
var flagKeys = map[string]string{
	"save-dir":         "download.savedir",
	"workers":          "download.maxworkers",
	"chunk-size":       "download.chunksize",
	"all-streams":      "download.allstreams",
	"remove-temp-dir":  "download.removetempdir",
	"remove-item-dirs": "download.removeitemdirs",
	"exit-on-failure":  "download.exitonfailure",
	"max-retries":      "request.maxretries",
	"timeout":          "request.timeout",
	"sessdata":         "bilibili.sessdata",
	"quality":          "bilibili.quality",
	"codecs":           "bilibili.codecs",
	"ffmpeg":           "ffmpeg.path",
	"ffmpeg-param":     "ffmpeg.params",
	"log-level":        "log.level",
}

// RegisterFlags declares the command line overrides understood by Load.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringP("save-dir", "o", "", "directory downloads are written to")
	fs.IntP("workers", "w", 0, "items downloaded in parallel (default number of CPUs)")
	fs.Int("chunk-size", 0, "bytes read per chunk")
	fs.Bool("all-streams", false, "download every stream instead of the best video and the first audio")
	fs.Bool("remove-temp-dir", true, "remove the temp dir of finished items")
	fs.Bool("remove-item-dirs", false, "remove item dirs once outputs were moved out")
	fs.Bool("exit-on-failure", false, "stop the process when an item fails")
	fs.Int("max-retries", 0, "retries per request")
	fs.Duration("timeout", 0, "timeout for connecting and response headers")
	fs.String("sessdata", "", "SESSDATA cookie for members-only qualities")
	fs.IntP("quality", "q", 0, "quality id, 0 picks the highest")
	fs.StringP("codecs", "c", "", "regular expression the video codecs must match")
	fs.String("ffmpeg", "", "ffmpeg binary")
	fs.StringSlice("ffmpeg-param", nil, "extra ffmpeg arguments appended to the merge command")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
}

// Load reads configuration from environment variables, optional config files
// and, when flags is not nil, flags declared with RegisterFlags.
func Load(flags *pflag.FlagSet) (Config, error) {
	loadDotEnv()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("server.corsorigins", []string{"*"})
	v.SetDefault("database.path", "data/vidfetch.db")
	v.SetDefault("download.savedir", "data/downloads")
	v.SetDefault("download.maxworkers", 0)
	v.SetDefault("download.chunksize", 1<<20)
	v.SetDefault("download.restartlimit", 1)
	v.SetDefault("download.allstreams", false)
	v.SetDefault("download.removetempdir", true)
	v.SetDefault("download.removeitemdirs", false)
	v.SetDefault("download.moveoutput", true)
	v.SetDefault("download.movelog", true)
	v.SetDefault("download.exitonfailure", false)
	v.SetDefault("request.maxretries", 10)
	v.SetDefault("request.retryinterval", 30*time.Second)
	v.SetDefault("request.retrystep", 10*time.Second)
	v.SetDefault("request.timeout", 30*time.Second)
	v.SetDefault("request.useragent", "")
	v.SetDefault("bilibili.baseurl", "https://www.bilibili.com")
	v.SetDefault("bilibili.sessdata", "")
	v.SetDefault("bilibili.quality", 0)
	v.SetDefault("bilibili.codecs", "")
	v.SetDefault("ffmpeg.path", "ffmpeg")
	v.SetDefault("ffmpeg.params", []string{})
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.keyprefix", "vidfetch")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("aws.profile", "")
	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("auth.registerpassword", "")
	v.SetDefault("auth.tokenttlminutes", 24*60)
	v.SetDefault("log.level", "info")

	if flags != nil {
		for name, key := range flagKeys {
			flag := flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if _, err := logrus.ParseLevel(cfg.Log.Level); err != nil {
		return Config{}, fmt.Errorf("log level: %w", err)
	}
	if cfg.Download.ChunkSize <= 0 {
		return Config{}, fmt.Errorf("download chunk size must be > 0, got %d", cfg.Download.ChunkSize)
	}

	return cfg, nil
}

// Logger builds the process logger at the configured level.
func (c Config) Logger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(c.Log.Level); err == nil {
		logger.SetLevel(level)
	}
	return logger
}

func loadDotEnv() {
	file, err := os.Open(".env")
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		partsIndex := strings.Index(line, "=")
		if partsIndex <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:partsIndex])
		value := strings.TrimSpace(line[partsIndex+1:])
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
