package audio

import (
	"encoding/base64"
	"encoding/binary"
	"math"
	"testing"
	"time"
)

func pcmOf(values ...int16) []byte {
	pcm := make([]byte, len(values)*2)
	for i, v := range values {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm
}

func TestDecode(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString(pcmOf(0, 16384, -32768, 32767))

	samples, err := Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := []float64{0, 0.5, -1, 32767.0 / 32768.0}
	if len(samples) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(samples))
	}
	for i := range want {
		if samples[i] != want[i] {
			t.Errorf("sample %d: expected %v, got %v", i, want[i], samples[i])
		}
	}
}

func TestDecodeRejectsBadInput(t *testing.T) {
	if _, err := Decode("%%%"); err == nil {
		t.Error("expected base64 error")
	}
	if _, err := Decode(base64.StdEncoding.EncodeToString([]byte{1, 2, 3})); err != ErrOddLength {
		t.Errorf("expected ErrOddLength, got %v", err)
	}
}

func TestEncodeWAVHeader(t *testing.T) {
	pcm := pcmOf(1, 2, 3)
	wav := EncodeWAV(pcm)

	if len(wav) != WAVHeaderSize+len(pcm) {
		t.Fatalf("expected %d bytes, got %d", WAVHeaderSize+len(pcm), len(wav))
	}

	checks := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"riff", string(wav[0:4]), "RIFF"},
		{"riff size", binary.LittleEndian.Uint32(wav[4:]), uint32(36 + len(pcm))},
		{"wave", string(wav[8:12]), "WAVE"},
		{"fmt", string(wav[12:16]), "fmt "},
		{"fmt size", binary.LittleEndian.Uint32(wav[16:]), uint32(16)},
		{"format", binary.LittleEndian.Uint16(wav[20:]), uint16(1)},
		{"channels", binary.LittleEndian.Uint16(wav[22:]), uint16(1)},
		{"rate", binary.LittleEndian.Uint32(wav[24:]), uint32(24000)},
		{"byte rate", binary.LittleEndian.Uint32(wav[28:]), uint32(48000)},
		{"block align", binary.LittleEndian.Uint16(wav[32:]), uint16(2)},
		{"bits", binary.LittleEndian.Uint16(wav[34:]), uint16(16)},
		{"data", string(wav[36:40]), "data"},
		{"data size", binary.LittleEndian.Uint32(wav[40:]), uint32(len(pcm))},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: expected %v, got %v", c.name, c.want, c.got)
		}
	}
}

func TestRoundTripLossless(t *testing.T) {
	values := make([]int16, 0, 2048)
	for i := 0; i < 2048; i++ {
		values = append(values, int16(math.Sin(float64(i)/10)*30000))
	}
	values = append(values, math.MinInt16, math.MaxInt16, 0, -1, 1)
	pcm := pcmOf(values...)

	first, err := Decode(base64.StdEncoding.EncodeToString(pcm))
	if err != nil {
		t.Fatal(err)
	}

	wav := EncodeWAVSamples(first)
	body, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	second, err := PCMToSamples(body)
	if err != nil {
		t.Fatal(err)
	}

	if len(first) != len(second) {
		t.Fatalf("length changed: %d -> %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("sample %d changed: %v -> %v", i, first[i], second[i])
		}
	}
	if string(body) != string(pcm) {
		t.Error("pcm bytes changed across round trip")
	}
}

func TestSamplesToPCMClamps(t *testing.T) {
	got := Int16s(SamplesToPCM([]float64{2, -2}))
	if got[0] != math.MaxInt16 || got[1] != math.MinInt16 {
		t.Errorf("expected clamped values, got %v", got)
	}
}

func TestDecodeWAVRejectsForeignFormat(t *testing.T) {
	wav := EncodeWAV(pcmOf(1, 2))
	binary.LittleEndian.PutUint32(wav[24:], 44100)
	if _, err := DecodeWAV(wav); err == nil {
		t.Error("expected sample rate mismatch error")
	}
	if _, err := DecodeWAV([]byte("RIFF")); err == nil {
		t.Error("expected short file error")
	}
}

func TestDuration(t *testing.T) {
	pcm := make([]byte, SampleRate*BytesPerFrame*3/2)
	if d := Duration(pcm); d != 1500*time.Millisecond {
		t.Errorf("expected 1.5s, got %v", d)
	}
}

func TestConcat(t *testing.T) {
	got := Concat(pcmOf(1), nil, pcmOf(2, 3))
	if len(got) != 6 {
		t.Fatalf("expected 6 bytes, got %d", len(got))
	}
	if s := Int16s(got); s[0] != 1 || s[2] != 3 {
		t.Errorf("unexpected samples %v", s)
	}
}
