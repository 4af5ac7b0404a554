package wav

import (
	"bytes"
	"encoding/binary"
	"math"
	"path/filepath"
	"strings"
	"testing"
)

func TestEncode_Float32Header(t *testing.T) {
	t.Parallel()
	samples := make([]float64, 7*3)
	var buf bytes.Buffer
	if err := Encode(&buf, samples, 7, 48000, Float32); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b := buf.Bytes()

	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		t.Fatal("missing RIFF/WAVE magic")
	}
	if got := binary.LittleEndian.Uint32(b[4:8]); int(got) != len(b)-8 {
		t.Errorf("RIFF size = %d, want %d", got, len(b)-8)
	}
	if tag := binary.LittleEndian.Uint16(b[20:22]); tag != tagExtensible {
		t.Errorf("format tag = 0x%04x, want extensible", tag)
	}
	if ch := binary.LittleEndian.Uint16(b[22:24]); ch != 7 {
		t.Errorf("channels = %d, want 7", ch)
	}
	if sr := binary.LittleEndian.Uint32(b[24:28]); sr != 48000 {
		t.Errorf("sample rate = %d, want 48000", sr)
	}
	if align := binary.LittleEndian.Uint16(b[32:34]); align != 28 {
		t.Errorf("block align = %d, want 28", align)
	}
	if sub := binary.LittleEndian.Uint16(b[44:46]); sub != tagFloat {
		t.Errorf("sub format = %d, want IEEE float", sub)
	}
	if frames := binary.LittleEndian.Uint32(b[68:72]); frames != 3 {
		t.Errorf("fact frames = %d, want 3", frames)
	}
	if len(b) != 80+7*3*4 {
		t.Errorf("file size = %d, want %d", len(b), 80+7*3*4)
	}
}

func TestEncodeDecode_Float32PreservesRowOrder(t *testing.T) {
	t.Parallel()
	const channels = 7
	samples := make([]float64, channels*4)
	for i := range samples {
		samples[i] = float64(i)/float64(len(samples)) - 0.5
	}
	var buf bytes.Buffer
	if err := Encode(&buf, samples, channels, 48000, Float32); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	a, err := Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if a.Channels != channels || a.SampleRate != 48000 || !a.Float || a.BitsPerSample != 32 {
		t.Errorf("format = %+v", a)
	}
	if a.Frames() != 4 {
		t.Fatalf("Frames() = %d, want 4", a.Frames())
	}
	for i, want := range samples {
		if math.Abs(a.Samples[i]-want) > 1e-7 {
			t.Fatalf("sample %d = %v, want %v", i, a.Samples[i], want)
		}
	}
}

func TestEncodeDecode_PCM16Clips(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := Encode(&buf, []float64{2, -2, 0.5, 0}, 2, 16000, PCM16); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	a, err := Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if a.Float || a.BitsPerSample != 16 {
		t.Errorf("format = %+v", a)
	}
	want := []float64{32767.0 / 32768, -32767.0 / 32768, 16384.0 / 32768, 0}
	for i := range want {
		if math.Abs(a.Samples[i]-want[i]) > 1e-9 {
			t.Errorf("sample %d = %v, want %v", i, a.Samples[i], want[i])
		}
	}
}

func TestEncode_Errors(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	tests := []struct {
		name     string
		samples  []float64
		channels int
		rate     int
		format   Format
		want     string
	}{
		{"ragged", make([]float64, 8), 7, 48000, Float32, "multiple"},
		{"channels", nil, 0, 48000, Float32, "channel"},
		{"rate", nil, 1, 0, Float32, "sample rate"},
		{"format", nil, 1, 8000, Format(9), "format"},
	}
	for _, tc := range tests {
		err := Encode(&buf, tc.samples, tc.channels, tc.rate, tc.format)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: error = %v, want mention of %q", tc.name, err, tc.want)
		}
	}
}

func TestDecode_PlainPCM(t *testing.T) {
	t.Parallel()
	// Canonical 44-byte PCM header, mono 16-bit, two samples.
	b := make([]byte, 48)
	copy(b[0:4], "RIFF")
	binary.LittleEndian.PutUint32(b[4:8], 40)
	copy(b[8:12], "WAVE")
	copy(b[12:16], "fmt ")
	binary.LittleEndian.PutUint32(b[16:20], 16)
	binary.LittleEndian.PutUint16(b[20:22], tagPCM)
	binary.LittleEndian.PutUint16(b[22:24], 1)
	binary.LittleEndian.PutUint32(b[24:28], 8000)
	binary.LittleEndian.PutUint32(b[28:32], 16000)
	binary.LittleEndian.PutUint16(b[32:34], 2)
	binary.LittleEndian.PutUint16(b[34:36], 16)
	copy(b[36:40], "data")
	binary.LittleEndian.PutUint32(b[40:44], 4)
	binary.LittleEndian.PutUint16(b[44:46], uint16(0x4000))
	v := int16(-16384)
	binary.LittleEndian.PutUint16(b[46:48], uint16(v))

	a, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if a.SampleRate != 8000 || a.Channels != 1 || len(a.Samples) != 2 {
		t.Fatalf("got %+v", a)
	}
	if a.Samples[0] != 0.5 || a.Samples[1] != -0.5 {
		t.Errorf("samples = %v", a.Samples)
	}
}

func TestDecode_Invalid(t *testing.T) {
	t.Parallel()
	tests := map[string][]byte{
		"short":   []byte("RIFF"),
		"no riff": append([]byte("RIFX\x00\x00\x00\x00WAVE"), make([]byte, 8)...),
		"no wave": append([]byte("RIFF\x00\x00\x00\x00AVI "), make([]byte, 8)...),
		"no data": []byte("RIFF\x04\x00\x00\x00WAVE"),
	}
	for name, b := range tests {
		if _, err := Decode(b); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestWriteFileReadFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.wav")
	samples := []float64{0.25, 0.25, 0.25, 0.25}
	if err := WriteFile(path, samples, 2, 48000, Float32); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	a, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if a.Frames() != 2 || a.Mean() != 0.25 {
		t.Errorf("frames=%d mean=%v", a.Frames(), a.Mean())
	}
}

func TestParseFormat(t *testing.T) {
	t.Parallel()
	if f, err := ParseFormat("pcm16"); err != nil || f != PCM16 {
		t.Errorf("ParseFormat(pcm16) = %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != Float32 {
		t.Errorf("ParseFormat(\"\") = %v, %v", f, err)
	}
	if _, err := ParseFormat("ulaw"); err == nil {
		t.Error("expected error for ulaw")
	}
}
