package enhance

import (
	"math"
	"time"

	"longaudio/audio"
)

const (
	normalizeHeadroomDB = 0.1
	quietTargetDBFS     = -25
	maxMakeupGainDB     = 6

	compressThresholdDB = -20
	compressRatio       = 2
	compressAttack      = 10 * time.Millisecond
	compressRelease     = 100 * time.Millisecond

	minSilence       = time.Second
	silenceThreshold = -40
	keepSilence      = 500 * time.Millisecond
	joinPause        = 200 * time.Millisecond
)

// Standardize returns a mono buffer at the speech sample rate.
func Standardize(b audio.Buffer) audio.Buffer {
	return b.Mono().Resample(audio.SpeechSampleRate)
}

// Normalize peak-normalizes to just under full scale, then lifts quiet
// material by up to 6 dB.
func Normalize(b audio.Buffer) audio.Buffer {
	peak := b.Peak()
	if peak == 0 {
		return b
	}

	out := b.Gain(-audio.DBFS(peak) - normalizeHeadroomDB)
	if level := audio.DBFS(out.RMS()); level < quietTargetDBFS {
		out = out.Gain(math.Min(quietTargetDBFS-level, maxMakeupGainDB))
	}
	return out
}

// Compress applies a 2:1 feed-forward compressor above -20 dBFS. The
// detector is the RMS over the attack window; gain reduction is smoothed
// with one-pole attack and release filters.
func Compress(b audio.Buffer) audio.Buffer {
	if b.SampleRate <= 0 || len(b.Samples) == 0 {
		return b
	}
	rate := float64(b.SampleRate)
	look := int(compressAttack.Seconds() * rate)
	if look < 1 {
		look = 1
	}
	attack := 1 - math.Exp(-1/(compressAttack.Seconds()*rate))
	release := 1 - math.Exp(-1/(compressRelease.Seconds()*rate))
	slope := 1 - 1.0/compressRatio

	out := make([]float64, len(b.Samples))
	var sumSq, reduction float64
	for i, s := range b.Samples {
		sumSq += s * s
		if i >= look {
			old := b.Samples[i-look]
			sumSq -= old * old
		}
		n := math.Min(float64(i+1), float64(look))
		rms := math.Sqrt(math.Max(sumSq, 0) / n)

		var target float64
		if over := audio.DBFS(rms) - compressThresholdDB; over > 0 {
			target = slope * over
		}
		if target > reduction {
			reduction += attack * (target - reduction)
		} else {
			reduction += release * (target - reduction)
		}
		out[i] = s * audio.DBToAmplitude(-reduction)
	}
	return audio.Buffer{Samples: out, Channels: b.Channels, SampleRate: b.SampleRate}
}

// TrimSilence removes silences of at least one second below -40 dBFS,
// keeping up to half a second of the original quiet at each edge and
// joining the speech chunks with 200 ms pauses. A mono buffer is expected.
// If no speech is found the input is returned unchanged.
func TrimSilence(b audio.Buffer) audio.Buffer {
	ranges := speechRanges(b)
	if len(ranges) == 0 {
		return b
	}

	pause := audio.Silence(joinPause, b.SampleRate).Samples
	var out []float64
	for i, r := range ranges {
		if i > 0 {
			out = append(out, pause...)
		}
		out = append(out, b.Samples[r[0]:r[1]]...)
	}
	return audio.Buffer{Samples: out, Channels: 1, SampleRate: b.SampleRate}
}

// speechRanges returns sample ranges of non-silent audio, padded by
// keepSilence. Padding that would overlap a neighbour is split halfway.
func speechRanges(b audio.Buffer) [][2]int {
	perMs := b.SampleRate / 1000
	if perMs < 1 || len(b.Samples) == 0 {
		return nil
	}
	total := len(b.Samples)
	totalMs := (total + perMs - 1) / perMs
	window := int(minSilence / time.Millisecond)
	if totalMs < window {
		return [][2]int{{0, total}}
	}

	// prefix[i] is the sum of squares of the first i milliseconds.
	prefix := make([]float64, totalMs+1)
	for ms := 0; ms < totalMs; ms++ {
		var sum float64
		end := min((ms+1)*perMs, total)
		for _, s := range b.Samples[ms*perMs : end] {
			sum += s * s
		}
		prefix[ms+1] = prefix[ms] + sum
	}
	limit := audio.DBToAmplitude(silenceThreshold)

	var silent [][2]int
	for start := 0; start+window <= totalMs; start++ {
		n := min((start+window)*perMs, total) - start*perMs
		rms := math.Sqrt((prefix[start+window] - prefix[start]) / float64(n))
		if rms > limit {
			continue
		}
		if k := len(silent) - 1; k >= 0 && silent[k][1] >= start+window-1 {
			silent[k][1] = start + window
			continue
		}
		silent = append(silent, [2]int{start, start + window})
	}

	var speech [][2]int
	prev := 0
	for _, s := range silent {
		if s[0] > prev {
			speech = append(speech, [2]int{prev, s[0]})
		}
		prev = s[1]
	}
	if prev < totalMs {
		speech = append(speech, [2]int{prev, totalMs})
	}
	if len(speech) == 0 {
		return nil
	}

	keep := int(keepSilence / time.Millisecond)
	for i := range speech {
		speech[i][0] = max(0, speech[i][0]-keep)
		speech[i][1] = min(totalMs, speech[i][1]+keep)
	}
	for i := 1; i < len(speech); i++ {
		if speech[i-1][1] > speech[i][0] {
			mid := (speech[i-1][1] + speech[i][0]) / 2
			speech[i-1][1], speech[i][0] = mid, mid
		}
	}

	out := make([][2]int, len(speech))
	for i, r := range speech {
		out[i] = [2]int{min(r[0]*perMs, total), min(r[1]*perMs, total)}
	}
	return out
}
