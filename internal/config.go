package internal

import (
	"fmt"
	"strings"

	"github.com/hbomb79/Iris/internal/api"
	"github.com/hbomb79/Iris/internal/broker"
	"github.com/hbomb79/Iris/internal/database"
	"github.com/hbomb79/Iris/pkg/logger"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/mitchellh/go-homedir"
)

// IrisConfig is the full user configuration, loaded once at startup and
// treated as immutable from then on. Sections owned by a specific
// package (broker, database, api) carry their tags there; the rest are
// defined below.
type IrisConfig struct {
	Broker     broker.Config           `yaml:"broker"`
	Downloader DownloaderConfig        `yaml:"downloader"`
	Ffmpeg     FfmpegConfig            `yaml:"ffmpeg"`
	Format     FormatConfig            `yaml:"format"`
	Library    LibraryConfig           `yaml:"library"`
	Pipeline   PipelineConfig          `yaml:"pipeline"`
	DeadLetter DeadLetterConfig        `yaml:"dead_letter"`
	Database   database.DatabaseConfig `yaml:"database"`
	Notify     NotifyConfig            `yaml:"notifications"`
	API        api.RestConfig          `yaml:"api"`
	Services   ServiceConfig           `yaml:"docker_services"`
	Log        LogConfig               `yaml:"log"`
}

// DownloaderConfig controls the external downloader subprocess and the
// working area its artifacts land in before placement.
type DownloaderConfig struct {
	Binary              string `yaml:"binary" env:"DOWNLOADER_BINARY" env-default:"yt-dlp"`
	Cookies             string `yaml:"cookies" env:"DOWNLOADER_COOKIES"`
	OutputTemplate      string `yaml:"output_template" env:"DOWNLOADER_OUTPUT_TEMPLATE"`
	ConcurrentFragments int    `yaml:"concurrent_fragments" env:"DOWNLOADER_CONCURRENT_FRAGMENTS" env-default:"4"`
	WorkDir             string `yaml:"work_dir" env:"DOWNLOADER_WORK_DIR" env-default:"~/.iris/work"`
}

type FfmpegConfig struct {
	FfmpegBinary  string `yaml:"ffmpeg_binary" env:"FFMPEG_BINARY" env-default:"ffmpeg"`
	FfprobeBinary string `yaml:"ffprobe_binary" env:"FFPROBE_BINARY" env-default:"ffprobe"`
}

// FormatConfig tunes stream selection. DefaultResolution applies to
// messages that omit RES; the last-resort entries override the
// hard-coded fallback pairing used when a source cannot be scraped.
type FormatConfig struct {
	DefaultResolution string            `yaml:"default_resolution" env:"FORMAT_DEFAULT_RESOLUTION" env-default:"1080"`
	LastResortVideo   map[string]string `yaml:"last_resort_video"`
	LastResortAudio   string            `yaml:"last_resort_audio" env:"FORMAT_LAST_RESORT_AUDIO"`
}

type LibraryConfig struct {
	SongDir  string `yaml:"song_dir" env:"LIBRARY_SONG_DIR" env-required:"true"`
	MovieDir string `yaml:"movie_dir" env:"LIBRARY_MOVIE_DIR" env-required:"true"`

	// Catalog walk concurrency and serve-mode rebuild pacing.
	WalkParallelism  int `yaml:"walk_parallelism" env:"LIBRARY_WALK_PARALLELISM" env-default:"4"`
	ForceSyncSeconds int `yaml:"force_sync_seconds" env:"LIBRARY_FORCE_SYNC_SECONDS" env-default:"300"`
	DebounceSeconds  int `yaml:"debounce_seconds" env:"LIBRARY_DEBOUNCE_SECONDS" env-default:"2"`
}

type PipelineConfig struct {
	MaxRetries        int  `yaml:"max_retries" env:"PIPELINE_MAX_RETRIES" env-default:"5"`
	SkipAlreadyPlaced bool `yaml:"skip_already_placed" env:"PIPELINE_SKIP_ALREADY_PLACED" env-default:"true"`
}

type DeadLetterConfig struct {
	Path string `yaml:"path" env:"DEAD_LETTER_PATH" env-default:"~/.iris/dead_letters.jsonl"`
}

type NotifyConfig struct {
	WebhookURL     string `yaml:"webhook_url" env:"NOTIFY_WEBHOOK_URL"`
	TimeoutSeconds int    `yaml:"timeout_seconds" env:"NOTIFY_TIMEOUT_SECONDS" env-default:"10"`
}

// ServiceConfig enables the embedded docker containers for deployments
// that do not bring their own broker or database. Both default to off;
// a scheduled pipeline normally points at long-lived services instead.
type ServiceConfig struct {
	EnableRedis    bool `yaml:"enable_redis" env:"SERVICE_ENABLE_REDIS" env-default:"false"`
	EnablePostgres bool `yaml:"enable_postgres" env:"SERVICE_ENABLE_POSTGRES" env-default:"false"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`

	// Path mirrors all log output to a file, giving batch reports a
	// durable home when stdout is thrown away by the scheduler.
	Path string `yaml:"path" env:"LOG_PATH" env-default:"~/.iris/iris.log"`
}

// MinLevel maps the configured level name on to the logger's numeric
// scale. Unrecognised names fall back to INFO.
func (config LogConfig) MinLevel() int {
	switch strings.ToLower(strings.TrimSpace(config.Level)) {
	case "verbose":
		return logger.VERBOSE.Level()
	case "debug":
		return logger.DEBUG.Level()
	case "warning", "warn":
		return logger.WARNING.Level()
	case "error":
		return logger.ERROR.Level()
	default:
		return logger.INFO.Level()
	}
}

// LoadFromFile reads the YAML configuration at the path given, layering
// environment variable overrides on top, then expands '~' in every
// path-valued field.
func (config *IrisConfig) LoadFromFile(configPath string) error {
	if err := cleanenv.ReadConfig(configPath, config); err != nil {
		return fmt.Errorf("failed to load configuration: %s", err.Error())
	}

	return config.expandPaths()
}

// LoadFromEnv populates the configuration purely from environment
// variables and defaults, for deployments that run without a file.
func (config *IrisConfig) LoadFromEnv() error {
	if err := cleanenv.ReadEnv(config); err != nil {
		return fmt.Errorf("failed to load configuration: %s", err.Error())
	}

	return config.expandPaths()
}

func (config *IrisConfig) expandPaths() error {
	paths := []*string{
		&config.Downloader.Cookies,
		&config.Downloader.WorkDir,
		&config.Library.SongDir,
		&config.Library.MovieDir,
		&config.DeadLetter.Path,
		&config.Log.Path,
	}
	for _, path := range paths {
		expanded, err := homedir.Expand(*path)
		if err != nil {
			return fmt.Errorf("failed to expand configured path '%s': %s", *path, err.Error())
		}

		*path = expanded
	}

	return nil
}
