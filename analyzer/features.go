package analyzer

import (
	"math"
	"math/cmplx"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"longaudio/audio"
)

const (
	lowBandHz      = 500
	highBandHz     = 4000
	rolloffShare   = 0.85
	noiseQuantile  = 0.2
	speechQuantile = 0.5
)

// Features are the raw measurements behind a Parameters decision.
type Features struct {
	DominantFrequency float64 `json:"dominantFrequency"`
	LowRatio          float64 `json:"lowRatio"`
	MidRatio          float64 `json:"midRatio"`
	HighRatio         float64 `json:"highRatio"`
	Centroid          float64 `json:"centroid"`
	Bandwidth         float64 `json:"bandwidth"`
	Rolloff           float64 `json:"rolloff"`

	NoiseLevelDB     float64 `json:"noiseLevelDb"`
	NoiseVariance    float64 `json:"noiseVariance"`
	NoiseConsistency float64 `json:"noiseConsistency"`
	QuietRatio       float64 `json:"quietRatio"`

	DynamicRangeDB float64 `json:"dynamicRangeDb"`
	SpeechRatio    float64 `json:"speechRatio"`
	AverageRMSDB   float64 `json:"averageRmsDb"`
}

// Measure computes spectral, noise and dynamics features. Multi-channel
// input is down-mixed first.
func (a *Analyzer) Measure(buf audio.Buffer) (Features, error) {
	mono := buf.Mono()
	if len(mono.Samples) < 2 || mono.SampleRate <= 0 || mono.Peak() == 0 {
		return Features{}, errDegenerate
	}

	frames := frameSignal(mono.Samples)
	rms := make([]float64, len(frames))
	for i, fr := range frames {
		rms[i] = audio.RMS(fr)
	}

	var f Features
	spectral(&f, frames, float64(mono.SampleRate))
	noise(&f, rms)
	dynamics(&f, rms)
	return f, nil
}

// frameSignal slices x into overlapping frames, zero-padding half a frame
// on each side so the first frame is centred on sample 0.
func frameSignal(x []float64) [][]float64 {
	pad := frameLength / 2
	padded := make([]float64, len(x)+2*pad)
	copy(padded[pad:], x)

	n := 1 + (len(padded)-frameLength)/hopLength
	frames := make([][]float64, n)
	for i := range frames {
		start := i * hopLength
		frames[i] = padded[start : start+frameLength]
	}
	return frames
}

func spectral(f *Features, frames [][]float64, rate float64) {
	fft := fourier.NewFFT(frameLength)
	win := make([]float64, frameLength)
	for i := range win {
		win[i] = 1
	}
	win = window.Hann(win)

	bins := frameLength/2 + 1
	freqs := make([]float64, bins)
	for k := range freqs {
		freqs[k] = float64(k) * rate / frameLength
	}

	avg := make([]float64, bins)
	mag := make([]float64, bins)
	seq := make([]float64, frameLength)
	var coeffs []complex128
	var centroidSum, bandwidthSum, rolloffSum float64

	for _, fr := range frames {
		for i := range seq {
			seq[i] = fr[i] * win[i]
		}
		coeffs = fft.Coefficients(coeffs, seq)
		for k, c := range coeffs {
			mag[k] = cmplx.Abs(c)
		}
		floats.Add(avg, mag)

		total := floats.Sum(mag)
		if total <= 0 {
			continue
		}
		centroid := floats.Dot(freqs, mag) / total
		var spread float64
		for k, m := range mag {
			d := freqs[k] - centroid
			spread += m * d * d
		}
		centroidSum += centroid
		bandwidthSum += math.Sqrt(spread / total)
		rolloffSum += rolloff(freqs, mag, total)
	}

	n := float64(len(frames))
	floats.Scale(1/n, avg)
	f.Centroid = centroidSum / n
	f.Bandwidth = bandwidthSum / n
	f.Rolloff = rolloffSum / n
	f.DominantFrequency = freqs[floats.MaxIdx(avg)]

	var low, mid, high float64
	for k, m := range avg {
		switch {
		case freqs[k] < lowBandHz:
			low += m
		case freqs[k] < highBandHz:
			mid += m
		default:
			high += m
		}
	}
	if total := low + mid + high; total > 0 {
		f.LowRatio, f.MidRatio, f.HighRatio = low/total, mid/total, high/total
	}
}

func rolloff(freqs, mag []float64, total float64) float64 {
	target := rolloffShare * total
	var acc float64
	for k, m := range mag {
		acc += m
		if acc >= target {
			return freqs[k]
		}
	}
	return freqs[len(freqs)-1]
}

func noise(f *Features, rms []float64) {
	sorted := append([]float64(nil), rms...)
	sort.Float64s(sorted)
	threshold := stat.Quantile(noiseQuantile, stat.LinInterp, sorted, nil)

	var quiet []float64
	for _, r := range rms {
		if r < threshold {
			quiet = append(quiet, r)
		}
	}

	if len(quiet) > 0 {
		f.NoiseLevelDB = toDB(stat.Mean(quiet, nil))
		f.NoiseVariance = stat.PopVariance(quiet, nil)
	} else {
		f.NoiseLevelDB = toDB(sorted[0])
		f.NoiseVariance = stat.PopVariance(rms, nil)
	}
	f.NoiseConsistency = clamp(1-f.NoiseVariance/(stat.Mean(rms, nil)+epsilon), 0, 1)
	f.QuietRatio = float64(len(quiet)) / float64(len(rms))
}

func dynamics(f *Features, rms []float64) {
	sorted := append([]float64(nil), rms...)
	sort.Float64s(sorted)
	threshold := stat.Quantile(speechQuantile, stat.LinInterp, sorted, nil)

	var speech int
	for _, r := range rms {
		if r > threshold {
			speech++
		}
	}

	f.DynamicRangeDB = 20 * math.Log10(floats.Max(rms)/(floats.Min(rms)+epsilon))
	f.SpeechRatio = float64(speech) / float64(len(rms))
	f.AverageRMSDB = toDB(stat.Mean(rms, nil))
}

func toDB(rms float64) float64 {
	return 20 * math.Log10(rms+epsilon)
}
