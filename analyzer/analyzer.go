// Package analyzer derives denoising parameters from spectral, noise and
// dynamics measurements of a recording.
package analyzer

import (
	"errors"
	"fmt"
	"math"

	"longaudio/audio"
	"longaudio/logging"
)

const (
	frameLength = 2048
	hopLength   = 512
	epsilon     = 1e-10
)

// Parameters drive the external denoise filter chain.
type Parameters struct {
	NoiseReductionLevel float64 `json:"noiseReductionLevel"`
	NoiseFloorDB        float64 `json:"noiseFloorDb"`
	FFTWindow           int     `json:"fftWindow"`
	AttackTime          float64 `json:"attackTime"`
	DecayTime           float64 `json:"decayTime"`
}

// DefaultParameters is used when analysis is disabled or cannot produce a result.
func DefaultParameters() Parameters {
	return Parameters{
		NoiseReductionLevel: 0.65,
		NoiseFloorDB:        -22,
		FFTWindow:           2048,
		AttackTime:          0.005,
		DecayTime:           0.07,
	}
}

// Validate checks the documented ranges.
func (p Parameters) Validate() error {
	if p.NoiseReductionLevel < 0.1 || p.NoiseReductionLevel > 1.0 {
		return fmt.Errorf("noise reduction level %.2f outside [0.1, 1.0]", p.NoiseReductionLevel)
	}
	if p.NoiseFloorDB < -35 || p.NoiseFloorDB > -10 {
		return fmt.Errorf("noise floor %.1f dB outside [-35, -10]", p.NoiseFloorDB)
	}
	switch p.FFTWindow {
	case 1024, 2048, 4096:
	default:
		return fmt.Errorf("fft window %d not one of 1024, 2048, 4096", p.FFTWindow)
	}
	if p.AttackTime <= 0 || p.DecayTime <= 0 {
		return errors.New("attack and decay times must be positive")
	}
	return nil
}

var errDegenerate = errors.New("signal too short or silent to analyze")

// Analyzer measures a waveform. It holds no per-buffer state and is safe
// for concurrent use.
type Analyzer struct{}

func New() *Analyzer {
	return &Analyzer{}
}

// Analyze never fails: any measurement problem yields DefaultParameters.
func (a *Analyzer) Analyze(buf audio.Buffer) (params Parameters) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warning(logging.CategoryAnalyzer, "analysis panicked, using defaults", "panic", r)
			params = DefaultParameters()
		}
	}()

	f, err := a.Measure(buf)
	if err != nil {
		logging.Info(logging.CategoryAnalyzer, "using default parameters", "reason", err.Error())
		return DefaultParameters()
	}

	params = Derive(f)
	if !params.finite() {
		logging.Warning(logging.CategoryAnalyzer, "derived parameters not finite, using defaults", "features", f)
		return DefaultParameters()
	}

	logging.Info(logging.CategoryAnalyzer, "derived denoise parameters",
		"noiseLevelDb", f.NoiseLevelDB,
		"bandwidthHz", f.Bandwidth,
		"dynamicRangeDb", f.DynamicRangeDB,
		"params", params,
	)
	return params
}

// Derive maps measurements to parameters using the step tables.
func Derive(f Features) Parameters {
	var reduction float64
	switch {
	case f.NoiseLevelDB < -30:
		reduction = 0.3
	case f.NoiseLevelDB < -25:
		reduction = 0.5
	case f.NoiseLevelDB < -20:
		reduction = 0.65
	case f.NoiseLevelDB < -15:
		reduction = 0.8
	default:
		reduction = 0.9
	}

	if f.NoiseConsistency > 0.8 {
		reduction += 0.1
	} else if f.NoiseConsistency < 0.3 {
		reduction -= 0.1
	}
	reduction = math.Round(clamp(reduction, 0.1, 1.0)*100) / 100

	floor := math.Trunc(clamp(f.NoiseLevelDB-5, -35, -10))

	window := 1024
	if f.Bandwidth > 3000 {
		window = 4096
	} else if f.Bandwidth > 1500 {
		window = 2048
	}

	attack, decay := 0.01, 0.1
	if f.DynamicRangeDB > 20 {
		attack, decay = 0.002, 0.05
	} else if f.DynamicRangeDB > 10 {
		attack, decay = 0.005, 0.07
	}

	return Parameters{
		NoiseReductionLevel: reduction,
		NoiseFloorDB:        floor,
		FFTWindow:           window,
		AttackTime:          attack,
		DecayTime:           decay,
	}
}

func (p Parameters) finite() bool {
	for _, v := range []float64{p.NoiseReductionLevel, p.NoiseFloorDB, p.AttackTime, p.DecayTime} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
