package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	SendBuffer int           `mapstructure:"send_buffer"`
	LogLevel   string        `mapstructure:"log_level"`
	ICEServers []string      `mapstructure:"ice_servers"`

	// KickAfterDropped removes a participant after this many consecutive
	// undeliverable events. Zero disables kicking.
	KickAfterDropped int `mapstructure:"kick_after_dropped"`

	Speaking  RateLimitConfig `mapstructure:"speaking"`
	STT       STTConfig       `mapstructure:"stt"`
	Translate TranslateConfig `mapstructure:"translate"`
	TTS       TTSConfig       `mapstructure:"tts"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type RateLimitConfig struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

type STTConfig struct {
	Provider   string `mapstructure:"provider"`
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	Encoding   string `mapstructure:"encoding"`
	SampleRate int    `mapstructure:"sample_rate"`
}

type TranslateConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

type TTSConfig struct {
	Provider string `mapstructure:"provider"`
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
	Voice    string `mapstructure:"voice"`
}

type PipelineConfig struct {
	FanoutLimit    int           `mapstructure:"fanout_limit"`
	QueueDepth     int           `mapstructure:"queue_depth"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads .env (if present), then config/config.<CONFIG_ENV>.yaml, then
// BABEL_* environment overrides.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	v.SetEnvPrefix("BABEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("stt.api_key", "BABEL_STT_API_KEY", "DEEPGRAM_API_KEY")
	_ = v.BindEnv("translate.api_key", "BABEL_TRANSLATE_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("tts.api_key", "BABEL_TTS_API_KEY", "OPENAI_API_KEY")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("static", cfg.StaticPath).
		Str("stt", cfg.STT.Provider).
		Str("tts", cfg.TTS.Provider).
		Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("log_level", "info")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("kick_after_dropped", 0)

	v.SetDefault("speaking.limit", 20)
	v.SetDefault("speaking.interval", "1s")

	v.SetDefault("stt.provider", "deepgram")
	v.SetDefault("stt.api_key", "")
	v.SetDefault("stt.model", "nova-2")
	v.SetDefault("stt.encoding", "ogg-opus")
	v.SetDefault("stt.sample_rate", 48000)

	v.SetDefault("translate.api_key", "")
	v.SetDefault("translate.model", "gpt-4o-mini")
	v.SetDefault("translate.base_url", "")

	v.SetDefault("tts.provider", "edge")
	v.SetDefault("tts.api_key", "")
	v.SetDefault("tts.model", "tts-1")
	v.SetDefault("tts.voice", "")

	v.SetDefault("pipeline.fanout_limit", 8)
	v.SetDefault("pipeline.queue_depth", 32)
	v.SetDefault("pipeline.request_timeout", "10s")
	v.SetDefault("pipeline.stop_timeout", "2s")

	v.SetDefault("metrics.enabled", true)
}

// SetupLogger configures the global zerolog logger: console output in debug
// mode, JSON otherwise.
func SetupLogger(cfg *Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Mode == "debug" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
