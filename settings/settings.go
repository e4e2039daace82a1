// Package settings serves the runtime processing settings: typed values
// backed by the system_settings table, with config-file defaults and a
// short-lived cache.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cast"

	"longaudio/analyzer"
	"longaudio/config"
	"longaudio/enhance"
	"longaudio/logging"
	"longaudio/stage"
)

const (
	KeyPreprocessing       = "audio_preprocessing_enabled"
	KeyChunkSize           = "chunk_size_ms"
	KeyOverlap             = "overlap_ms"
	KeyNoiseReduction      = "noise_reduction_enabled"
	KeyVolumeNormalization = "volume_normalization_enabled"
	KeyCompression         = "compression_enabled"
	KeySpeechOptimization  = "speech_optimization_enabled"
	KeyAdaptiveAnalysis    = "intelligent_analysis_enabled"
	KeyNoiseReductionLevel = "noise_reduction_level"
	KeyNoiseFloor          = "noise_floor_db"
	KeyFFTWindow           = "n_fft"
	KeyAttackTime          = "attack_time"
	KeyDecayTime           = "decay_time"
)

var ErrUnknownKey = errors.New("unknown setting")

// Processing is the full set of knobs read at the start of every task.
type Processing struct {
	ChunkSize           time.Duration       `json:"chunkSize"`
	Overlap             time.Duration       `json:"overlap"`
	Preprocessing       bool                `json:"preprocessing"`
	NoiseReduction      bool                `json:"noiseReduction"`
	VolumeNormalization bool                `json:"volumeNormalization"`
	Compression         bool                `json:"compression"`
	SpeechOptimization  bool                `json:"speechOptimization"`
	AdaptiveAnalysis    bool                `json:"adaptiveAnalysis"`
	Static              analyzer.Parameters `json:"static"`
}

// Defaults reads the configured defaults.
func Defaults(cfg *config.Config) Processing {
	return Processing{
		ChunkSize:           cfg.ChunkSize,
		Overlap:             cfg.Overlap,
		Preprocessing:       cfg.Preprocessing,
		NoiseReduction:      cfg.NoiseReduction,
		VolumeNormalization: cfg.VolumeNormalization,
		Compression:         cfg.Compression,
		SpeechOptimization:  cfg.SpeechOptimization,
		AdaptiveAnalysis:    cfg.AdaptiveAnalysis,
		Static: analyzer.Parameters{
			NoiseReductionLevel: cfg.NoiseReductionLevel,
			NoiseFloorDB:        cfg.NoiseFloorDB,
			FFTWindow:           cfg.FFTWindow,
			AttackTime:          cfg.AttackTime,
			DecayTime:           cfg.DecayTime,
		},
	}
}

func (p Processing) Validate() error {
	if p.Overlap <= 0 {
		return fmt.Errorf("overlap must be positive, got %s", p.Overlap)
	}
	if p.ChunkSize <= p.Overlap {
		return fmt.Errorf("chunk size %s must exceed overlap %s", p.ChunkSize, p.Overlap)
	}
	return p.Static.Validate()
}

// EnhanceOptions maps the stage toggles onto enhancer options.
func (p Processing) EnhanceOptions() enhance.Options {
	return enhance.Options{
		Denoise:     p.NoiseReduction,
		Normalize:   p.VolumeNormalization,
		Compress:    p.Compression,
		TrimSilence: p.SpeechOptimization,
		Adaptive:    p.AdaptiveAnalysis,
		Static:      p.Static,
	}
}

type field struct {
	set func(p *Processing, raw string) error
	get func(p Processing) string
}

func boolField(ptr func(p *Processing) *bool) field {
	return field{
		set: func(p *Processing, raw string) error {
			v, err := cast.ToBoolE(raw)
			if err != nil {
				return err
			}
			*ptr(p) = v
			return nil
		},
		get: func(p Processing) string { return strconv.FormatBool(*ptr(&p)) },
	}
}

func floatField(ptr func(p *Processing) *float64) field {
	return field{
		set: func(p *Processing, raw string) error {
			v, err := cast.ToFloat64E(raw)
			if err != nil {
				return err
			}
			*ptr(p) = v
			return nil
		},
		get: func(p Processing) string { return strconv.FormatFloat(*ptr(&p), 'f', -1, 64) },
	}
}

func millisField(ptr func(p *Processing) *time.Duration) field {
	return field{
		set: func(p *Processing, raw string) error {
			v, err := cast.ToInt64E(raw)
			if err != nil {
				return err
			}
			*ptr(p) = time.Duration(v) * time.Millisecond
			return nil
		},
		get: func(p Processing) string { return strconv.FormatInt(ptr(&p).Milliseconds(), 10) },
	}
}

var fields = map[string]field{
	KeyPreprocessing:       boolField(func(p *Processing) *bool { return &p.Preprocessing }),
	KeyNoiseReduction:      boolField(func(p *Processing) *bool { return &p.NoiseReduction }),
	KeyVolumeNormalization: boolField(func(p *Processing) *bool { return &p.VolumeNormalization }),
	KeyCompression:         boolField(func(p *Processing) *bool { return &p.Compression }),
	KeySpeechOptimization:  boolField(func(p *Processing) *bool { return &p.SpeechOptimization }),
	KeyAdaptiveAnalysis:    boolField(func(p *Processing) *bool { return &p.AdaptiveAnalysis }),
	KeyChunkSize:           millisField(func(p *Processing) *time.Duration { return &p.ChunkSize }),
	KeyOverlap:             millisField(func(p *Processing) *time.Duration { return &p.Overlap }),
	KeyNoiseReductionLevel: floatField(func(p *Processing) *float64 { return &p.Static.NoiseReductionLevel }),
	KeyNoiseFloor:          floatField(func(p *Processing) *float64 { return &p.Static.NoiseFloorDB }),
	KeyAttackTime:          floatField(func(p *Processing) *float64 { return &p.Static.AttackTime }),
	KeyDecayTime:           floatField(func(p *Processing) *float64 { return &p.Static.DecayTime }),
	KeyFFTWindow: {
		set: func(p *Processing, raw string) error {
			v, err := cast.ToIntE(raw)
			if err != nil {
				return err
			}
			p.Static.FFTWindow = v
			return nil
		},
		get: func(p Processing) string { return strconv.Itoa(p.Static.FFTWindow) },
	},
}

// Keys lists the recognised setting keys in sorted order.
func Keys() []string {
	keys := lo.Keys(fields)
	sort.Strings(keys)
	return keys
}

// Values renders p as stored setting strings.
func (p Processing) Values() map[string]string {
	out := make(map[string]string, len(fields))
	for k, f := range fields {
		out[k] = f.get(p)
	}
	return out
}

// Store reads and writes overrides in system_settings.
type Store struct {
	db       *sql.DB
	defaults Processing
	ttl      time.Duration
	now      func() time.Time

	// writeMu serializes Set so each write is validated against the
	// result of the previous one.
	writeMu sync.Mutex

	mu       sync.Mutex
	cached   Processing
	loadedAt time.Time
	valid    bool
}

func NewStore(db *sql.DB, defaults Processing, ttl time.Duration) *Store {
	return &Store{db: db, defaults: defaults, ttl: ttl, now: time.Now}
}

// Get returns the effective settings. Storage errors and invalid
// combinations fall back to the last good value, then to the defaults.
func (s *Store) Get(ctx context.Context) Processing {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.valid && s.now().Sub(s.loadedAt) < s.ttl {
		return s.cached
	}

	p, err := s.load(ctx, s.defaults)
	if err != nil {
		logging.Warning(logging.CategorySettings, "could not load settings", "error", err)
		if s.valid {
			return s.cached
		}
		return s.defaults
	}

	s.cached, s.loadedAt, s.valid = p, s.now(), true
	return p
}

func (s *Store) load(ctx context.Context, defaults Processing) (Processing, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT setting_key, setting_value FROM system_settings`)
	if err != nil {
		return Processing{}, stage.Wrap(stage.Persistence, "read settings", err)
	}
	defer rows.Close()

	p := defaults
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return Processing{}, stage.Wrap(stage.Persistence, "read settings", err)
		}
		f, ok := fields[key]
		if !ok {
			continue
		}
		if err := f.set(&p, value); err != nil {
			logging.Warning(logging.CategorySettings, "ignoring malformed setting", "key", key, "value", value, "error", err)
		}
	}
	if err := rows.Err(); err != nil {
		return Processing{}, stage.Wrap(stage.Persistence, "read settings", err)
	}

	if err := p.Validate(); err != nil {
		logging.Warning(logging.CategorySettings, "stored settings invalid, using defaults", "error", err)
		return defaults, nil
	}
	return p, nil
}

// Set validates and stores one override, then drops the cache.
func (s *Store) Set(ctx context.Context, key, value string) error {
	f, ok := fields[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.Invalidate()
	p := s.Get(ctx)
	if err := f.set(&p, value); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_settings (setting_key, setting_value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(setting_key) DO UPDATE SET setting_value = excluded.setting_value, updated_at = excluded.updated_at`,
		key, f.get(p), s.now().UnixMilli(),
	)
	if err != nil {
		return stage.Wrap(stage.Persistence, "write setting", err)
	}
	s.Invalidate()
	logging.Info(logging.CategorySettings, "setting updated", "key", key, "value", f.get(p))
	return nil
}

// All returns the effective settings as stored strings.
func (s *Store) All(ctx context.Context) map[string]string {
	return s.Get(ctx).Values()
}

// SetDefaults replaces the values used where no override is stored.
func (s *Store) SetDefaults(defaults Processing) {
	s.mu.Lock()
	s.defaults = defaults
	s.valid = false
	s.mu.Unlock()
}

// Invalidate forces the next Get to reload.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.valid = false
	s.mu.Unlock()
}
