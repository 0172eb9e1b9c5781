package audio

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// Narration format produced by the speech model and expected everywhere else.
const (
	SampleRate    = 24000
	Channels      = 1
	BitsPerSample = 16
	BytesPerFrame = Channels * BitsPerSample / 8

	WAVHeaderSize = 44
)

var ErrOddLength = errors.New("pcm payload has an odd number of bytes")

// DecodeBase64 turns a base64 narration payload into raw s16le PCM bytes.
func DecodeBase64(payload string) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode audio payload: %w", err)
	}
	if len(pcm)%BytesPerFrame != 0 {
		return nil, ErrOddLength
	}
	return pcm, nil
}

// Decode turns a base64 narration payload into float samples in [-1, 1].
func Decode(payload string) ([]float64, error) {
	pcm, err := DecodeBase64(payload)
	if err != nil {
		return nil, err
	}
	return PCMToSamples(pcm)
}

// PCMToSamples converts mono s16le PCM into float samples in [-1, 1].
func PCMToSamples(pcm []byte) ([]float64, error) {
	if len(pcm)%BytesPerFrame != 0 {
		return nil, ErrOddLength
	}
	samples := make([]float64, len(pcm)/BytesPerFrame)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		samples[i] = float64(v) / 32768.0
	}
	return samples, nil
}

// SamplesToPCM is the inverse of PCMToSamples. Values outside [-1, 1) are
// clamped to the int16 range.
func SamplesToPCM(samples []float64) []byte {
	pcm := make([]byte, len(samples)*BytesPerFrame)
	for i, s := range samples {
		v := math.Round(s * 32768.0)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v)))
	}
	return pcm
}

// Int16s reinterprets s16le PCM as samples for the encoder.
func Int16s(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/BytesPerFrame)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// EncodeWAV wraps mono 24 kHz s16le PCM in a canonical 44-byte RIFF header.
func EncodeWAV(pcm []byte) []byte {
	dataLen := uint32(len(pcm))
	byteRate := uint32(SampleRate * BytesPerFrame)

	buf := bytes.NewBuffer(make([]byte, 0, WAVHeaderSize+len(pcm)))
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, 36+dataLen)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16)) // fmt chunk size
	binary.Write(buf, binary.LittleEndian, uint16(1))  // PCM
	binary.Write(buf, binary.LittleEndian, uint16(Channels))
	binary.Write(buf, binary.LittleEndian, uint32(SampleRate))
	binary.Write(buf, binary.LittleEndian, byteRate)
	binary.Write(buf, binary.LittleEndian, uint16(BytesPerFrame))
	binary.Write(buf, binary.LittleEndian, uint16(BitsPerSample))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, dataLen)
	buf.Write(pcm)

	return buf.Bytes()
}

// EncodeWAVSamples encodes float samples as a WAV file.
func EncodeWAVSamples(samples []float64) []byte {
	return EncodeWAV(SamplesToPCM(samples))
}

// DecodeWAV extracts the PCM from a WAV produced by EncodeWAV. Only the
// narration format is accepted.
func DecodeWAV(wav []byte) ([]byte, error) {
	if len(wav) < WAVHeaderSize {
		return nil, fmt.Errorf("wav too short: %d bytes", len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[12:16]) != "fmt " {
		return nil, fmt.Errorf("not a RIFF/WAVE file")
	}
	format := binary.LittleEndian.Uint16(wav[20:])
	channels := binary.LittleEndian.Uint16(wav[22:])
	rate := binary.LittleEndian.Uint32(wav[24:])
	bits := binary.LittleEndian.Uint16(wav[34:])
	if format != 1 || channels != Channels || rate != SampleRate || bits != BitsPerSample {
		return nil, fmt.Errorf("unsupported wav format: fmt=%d channels=%d rate=%d bits=%d", format, channels, rate, bits)
	}
	if string(wav[36:40]) != "data" {
		return nil, fmt.Errorf("wav data chunk not found")
	}
	size := int(binary.LittleEndian.Uint32(wav[40:]))
	if WAVHeaderSize+size > len(wav) {
		return nil, fmt.Errorf("wav data chunk truncated: want %d bytes, have %d", size, len(wav)-WAVHeaderSize)
	}
	return wav[WAVHeaderSize : WAVHeaderSize+size], nil
}

// Duration is the playback length of mono 24 kHz s16le PCM.
func Duration(pcm []byte) time.Duration {
	frames := int64(len(pcm) / BytesPerFrame)
	return time.Duration(frames) * time.Second / SampleRate
}

// Concat joins PCM buffers into one track.
func Concat(parts ...[]byte) []byte {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
