// longaudio/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"longaudio/logging"
)

const (
	configName = "longaudio_config"
	envPrefix  = "LONGAUDIO"
)

type Config struct {
	FFBin             string        `mapstructure:"FF_BIN"`
	FFTimeout         time.Duration `mapstructure:"FF_TIMEOUT"`
	DBPath            string        `mapstructure:"DB_PATH"`
	WorkDir           string        `mapstructure:"WORK_DIR"`
	ResultsDir        string        `mapstructure:"RESULTS_DIR"`
	UploadDir         string        `mapstructure:"UPLOAD_DIR"`
	MaxInputSize      int64         `mapstructure:"MAX_INPUT_SIZE"`
	Workers           int           `mapstructure:"WORKERS"`
	PollInterval      time.Duration `mapstructure:"POLL_INTERVAL"`
	StaleThreshold    time.Duration `mapstructure:"STALE_THRESHOLD"`
	HeartbeatInterval time.Duration `mapstructure:"HEARTBEAT_INTERVAL"`
	RecoveryInterval  time.Duration `mapstructure:"RECOVERY_INTERVAL"`
	SettingsCacheTTL  time.Duration `mapstructure:"SETTINGS_CACHE_TTL"`
	ThrottleCPU       float64       `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem   int64         `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk  int64         `mapstructure:"THROTTLE_FREEDISK"`
	RetainSource      bool          `mapstructure:"RETAIN_SOURCE"`

	Transcriber        string        `mapstructure:"TRANSCRIBER"`
	TranscribeCmd      string        `mapstructure:"TRANSCRIBE_CMD"`
	TranscribeTimeout  time.Duration `mapstructure:"TRANSCRIBE_TIMEOUT"`
	TranscribeLanguage string        `mapstructure:"TRANSCRIBE_LANGUAGE"`
	OpenAIURL          string        `mapstructure:"OPENAI_URL"`
	OpenAIKey          string        `mapstructure:"OPENAI_KEY"`
	OpenAIModel        string        `mapstructure:"OPENAI_MODEL"`

	TelegramToken string `mapstructure:"TELEGRAM_TOKEN"`
	LogLevel      string `mapstructure:"LOG_LEVEL"`
	LogJSON       bool   `mapstructure:"LOG_JSON"`
	AuthEnable    bool   `mapstructure:"AUTH_ENABLE"`
	AuthKey       string `mapstructure:"AUTH_KEY"`
	Port          string `mapstructure:"PORT"`

	// Defaults for the processing settings; rows in system_settings override them.
	ChunkSize           time.Duration `mapstructure:"CHUNK_SIZE"`
	Overlap             time.Duration `mapstructure:"OVERLAP"`
	Preprocessing       bool          `mapstructure:"PREPROCESSING"`
	NoiseReduction      bool          `mapstructure:"NOISE_REDUCTION"`
	VolumeNormalization bool          `mapstructure:"VOLUME_NORMALIZATION"`
	Compression         bool          `mapstructure:"COMPRESSION"`
	SpeechOptimization  bool          `mapstructure:"SPEECH_OPTIMIZATION"`
	AdaptiveAnalysis    bool          `mapstructure:"ADAPTIVE_ANALYSIS"`
	NoiseReductionLevel float64       `mapstructure:"NOISE_REDUCTION_LEVEL"`
	NoiseFloorDB        float64       `mapstructure:"NOISE_FLOOR_DB"`
	FFTWindow           int           `mapstructure:"FFT_WINDOW"`
	AttackTime          float64       `mapstructure:"ATTACK_TIME"`
	DecayTime           float64       `mapstructure:"DECAY_TIME"`
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(data.(string))); err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}
		return int64(size.Bytes()), nil
	}
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("FF_TIMEOUT", "10m")
	vp.SetDefault("DB_PATH", "longaudio.db")
	vp.SetDefault("WORK_DIR", "temp_audio")
	vp.SetDefault("RESULTS_DIR", "transcripts")
	vp.SetDefault("UPLOAD_DIR", "uploads")
	vp.SetDefault("MAX_INPUT_SIZE", "500MB")
	vp.SetDefault("WORKERS", 1)
	vp.SetDefault("POLL_INTERVAL", "2s")
	vp.SetDefault("STALE_THRESHOLD", "10m")
	vp.SetDefault("HEARTBEAT_INTERVAL", "1m")
	vp.SetDefault("RECOVERY_INTERVAL", "5m")
	vp.SetDefault("SETTINGS_CACHE_TTL", "30s")
	vp.SetDefault("THROTTLE_CPU", 0.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "200MB")
	vp.SetDefault("RETAIN_SOURCE", false)

	vp.SetDefault("TRANSCRIBER", "command")
	vp.SetDefault("TRANSCRIBE_CMD", "whisper-cli -m models/ggml-medium.bin -l ru -nt -np -f ${INPUT_MEDIA}")
	vp.SetDefault("TRANSCRIBE_TIMEOUT", "30m")
	vp.SetDefault("TRANSCRIBE_LANGUAGE", "ru")
	vp.SetDefault("OPENAI_URL", "https://api.openai.com/v1/audio/transcriptions")
	vp.SetDefault("OPENAI_KEY", "")
	vp.SetDefault("OPENAI_MODEL", "whisper-1")

	vp.SetDefault("TELEGRAM_TOKEN", "")
	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("LOG_JSON", false)
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "123456")
	vp.SetDefault("PORT", "8080")

	vp.SetDefault("CHUNK_SIZE", "3m")
	vp.SetDefault("OVERLAP", "2s")
	vp.SetDefault("PREPROCESSING", true)
	vp.SetDefault("NOISE_REDUCTION", true)
	vp.SetDefault("VOLUME_NORMALIZATION", true)
	vp.SetDefault("COMPRESSION", true)
	vp.SetDefault("SPEECH_OPTIMIZATION", true)
	vp.SetDefault("ADAPTIVE_ANALYSIS", true)
	vp.SetDefault("NOISE_REDUCTION_LEVEL", 0.65)
	vp.SetDefault("NOISE_FLOOR_DB", -22.0)
	vp.SetDefault("FFT_WINDOW", 2048)
	vp.SetDefault("ATTACK_TIME", 0.005)
	vp.SetDefault("DECAY_TIME", 0.07)
}

func newViper() *viper.Viper {
	vp := viper.New()
	setDefaults(vp)

	vp.SetConfigName(configName)
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/longaudio/")

	vp.SetEnvPrefix(envPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()
	return vp
}

func Load() (*Config, error) {
	// A missing .env is the normal case outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	vp := newViper()
	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	return decode(vp)
}

// decode unmarshals and validates the current viper state.
func decode(vp *viper.Viper) (*Config, error) {
	var cfg Config
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects combinations the queue cannot run with.
func (c *Config) Validate() error {
	if c.Overlap <= 0 {
		return fmt.Errorf("OVERLAP must be positive, got %s", c.Overlap)
	}
	if c.ChunkSize <= c.Overlap {
		return fmt.Errorf("CHUNK_SIZE (%s) must exceed OVERLAP (%s)", c.ChunkSize, c.Overlap)
	}
	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be at least 1, got %d", c.Workers)
	}
	if c.HeartbeatInterval > 0 && c.StaleThreshold <= c.HeartbeatInterval {
		return fmt.Errorf("STALE_THRESHOLD (%s) must exceed HEARTBEAT_INTERVAL (%s)", c.StaleThreshold, c.HeartbeatInterval)
	}
	return nil
}

// Watch re-reads the config file on change and passes the new
// configuration to onChange. An edit that does not decode or validate is
// logged and skipped. It returns an error only when no config file is
// present to watch.
func Watch(onChange func(*Config)) error {
	return watch(newViper(), onChange)
}

// WatchFile is Watch for an explicit config file path.
func WatchFile(path string, onChange func(*Config)) error {
	vp := newViper()
	vp.SetConfigFile(path)
	return watch(vp, onChange)
}

func watch(vp *viper.Viper, onChange func(*Config)) error {
	if err := vp.ReadInConfig(); err != nil {
		return err
	}
	vp.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(vp)
		if err != nil {
			logging.Warning(logging.CategorySettings, "ignoring invalid config change", "file", e.Name, "error", err)
			return
		}
		logging.Info(logging.CategorySettings, "config file reloaded", "file", e.Name, "op", e.Op.String())
		onChange(cfg)
	})
	vp.WatchConfig()
	return nil
}
