package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

// ErrUnsupportedFormat is returned for containers that need an external
// converter (ogg, m4a, ...).
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// ReadFile decodes a WAV or MP3 file.
func ReadFile(path string) (Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return Buffer{}, err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav", ".wave":
		return DecodeWAV(f)
	case ".mp3":
		return DecodeMP3(f)
	default:
		return Buffer{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// DecodeWAV reads integer PCM WAV data.
func DecodeWAV(r io.ReadSeeker) (Buffer, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return Buffer{}, fmt.Errorf("%w: invalid wav header", ErrUnsupportedFormat)
	}

	buf, err := d.FullPCMBuffer()
	if err != nil {
		return Buffer{}, fmt.Errorf("decode wav: %w", err)
	}
	if buf.Format == nil || buf.Format.NumChannels <= 0 {
		return Buffer{}, errors.New("decode wav: missing format")
	}

	depth := buf.SourceBitDepth
	if depth == 0 {
		depth = int(d.BitDepth)
	}
	scale := fullScale(depth)
	samples := make([]float64, len(buf.Data))
	for i, v := range buf.Data {
		if depth == 8 {
			// 8-bit WAV is unsigned.
			samples[i] = float64(v-128) / 128
			continue
		}
		samples[i] = float64(v) / scale
	}

	return Buffer{
		Samples:    samples,
		Channels:   buf.Format.NumChannels,
		SampleRate: buf.Format.SampleRate,
	}, nil
}

func fullScale(bitDepth int) float64 {
	if bitDepth <= 0 {
		bitDepth = 16
	}
	return float64(int64(1) << uint(bitDepth-1))
}

// DecodeMP3 reads an MP3 stream. go-mp3 always yields 16-bit stereo.
func DecodeMP3(r io.Reader) (Buffer, error) {
	d, err := mp3.NewDecoder(r)
	if err != nil {
		return Buffer{}, fmt.Errorf("decode mp3: %w", err)
	}
	raw, err := io.ReadAll(d)
	if err != nil {
		return Buffer{}, fmt.Errorf("decode mp3: %w", err)
	}

	samples := make([]float64, len(raw)/2)
	for i := range samples {
		v := int16(uint16(raw[2*i]) | uint16(raw[2*i+1])<<8)
		samples[i] = float64(v) / 32768
	}
	return Buffer{Samples: samples, Channels: 2, SampleRate: d.SampleRate()}, nil
}

// WriteWAV encodes b as 16-bit PCM WAV at path.
func WriteWAV(path string, b Buffer) error {
	if b.Channels <= 0 || b.SampleRate <= 0 {
		return fmt.Errorf("write wav: invalid format %d ch @ %d Hz", b.Channels, b.SampleRate)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}

	data := make([]int, len(b.Samples))
	for i, s := range b.Samples {
		data[i] = int(Clip(s) * 32767)
	}

	enc := wav.NewEncoder(f, b.SampleRate, 16, b.Channels, 1)
	werr := enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: b.Channels, SampleRate: b.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	})
	if werr == nil {
		werr = enc.Close()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(path)
		return fmt.Errorf("write wav: %w", werr)
	}
	return nil
}
