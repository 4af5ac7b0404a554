// Package wav reads and writes multi-channel RIFF/WAVE files.
//
// Samples are exchanged as interleaved float64 values in [-1, 1]. Files are
// written with a WAVE_FORMAT_EXTENSIBLE header, either as 32-bit IEEE float
// (the default) or as 16-bit integer PCM. The reader accepts plain PCM
// (8/16/24/32-bit), IEEE float (32/64-bit) and their extensible variants.
package wav

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// Format is the on-disk sample encoding.
type Format int

const (
	// Float32 stores samples as 32-bit IEEE float.
	Float32 Format = iota
	// PCM16 stores samples as 16-bit signed integers.
	PCM16
)

// String returns the soundfile-style subtype name.
func (f Format) String() string {
	switch f {
	case Float32:
		return "FLOAT"
	case PCM16:
		return "PCM_16"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// ParseFormat parses "float" or "pcm16" (case-sensitive, soundfile names are
// accepted too).
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "float", "FLOAT", "float32":
		return Float32, nil
	case "pcm16", "PCM_16":
		return PCM16, nil
	}
	return 0, fmt.Errorf("wav: unknown format %q", s)
}

func (f Format) bits() int {
	if f == PCM16 {
		return 16
	}
	return 32
}

const (
	tagPCM        = 0x0001
	tagFloat      = 0x0003
	tagExtensible = 0xFFFE
)

// subFormat GUID tail shared by KSDATAFORMAT_SUBTYPE_PCM and _IEEE_FLOAT; the
// first two bytes carry the format tag.
var guidTail = [14]byte{0x00, 0x00, 0x00, 0x00, 0x10, 0x00, 0x80, 0x00, 0x00, 0xAA, 0x00, 0x38, 0x9B, 0x71}

// Audio is a decoded file.
type Audio struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	Float         bool

	// Samples holds Frames()*Channels interleaved values.
	Samples []float64
}

// Frames returns the number of sample frames (rows).
func (a *Audio) Frames() int {
	if a.Channels == 0 {
		return 0
	}
	return len(a.Samples) / a.Channels
}

// Mean returns the arithmetic mean over all samples, or 0 when empty.
func (a *Audio) Mean() float64 {
	if len(a.Samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range a.Samples {
		sum += v
	}
	return sum / float64(len(a.Samples))
}

// Encode writes interleaved samples as a WAVE file to w.
// len(samples) must be a multiple of channels.
func Encode(w io.Writer, samples []float64, channels, sampleRate int, format Format) error {
	if channels <= 0 || channels > math.MaxUint16 {
		return fmt.Errorf("wav: invalid channel count %d", channels)
	}
	if sampleRate <= 0 {
		return fmt.Errorf("wav: invalid sample rate %d", sampleRate)
	}
	if len(samples)%channels != 0 {
		return fmt.Errorf("wav: %d samples is not a multiple of %d channels", len(samples), channels)
	}
	if format != Float32 && format != PCM16 {
		return fmt.Errorf("wav: unsupported format %s", format)
	}

	bps := format.bits()
	blockAlign := channels * bps / 8
	byteRate := sampleRate * blockAlign
	frames := len(samples) / channels
	dataSize := len(samples) * bps / 8
	if uint64(dataSize) > math.MaxUint32-100 {
		return errors.New("wav: data too large for a RIFF file")
	}

	// RIFF + WAVE (12) + fmt (8+40) + fact (8+4) + data header (8)
	const headerSize = 12 + 48 + 12 + 8
	hdr := make([]byte, headerSize)

	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(headerSize-8+dataSize)) // file size − 8
	copy(hdr[8:12], "WAVE")

	// fmt sub-chunk, WAVE_FORMAT_EXTENSIBLE
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 40)
	binary.LittleEndian.PutUint16(hdr[20:22], tagExtensible)
	binary.LittleEndian.PutUint16(hdr[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(hdr[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(hdr[34:36], uint16(bps))
	binary.LittleEndian.PutUint16(hdr[36:38], 22)          // cbSize
	binary.LittleEndian.PutUint16(hdr[38:40], uint16(bps)) // valid bits
	binary.LittleEndian.PutUint32(hdr[40:44], 0)           // channel mask: no speaker mapping
	sub := uint16(tagFloat)
	if format == PCM16 {
		sub = tagPCM
	}
	binary.LittleEndian.PutUint16(hdr[44:46], sub)
	copy(hdr[46:60], guidTail[:])

	// fact sub-chunk
	copy(hdr[60:64], "fact")
	binary.LittleEndian.PutUint32(hdr[64:68], 4)
	binary.LittleEndian.PutUint32(hdr[68:72], uint32(frames))

	// data sub-chunk
	copy(hdr[72:76], "data")
	binary.LittleEndian.PutUint32(hdr[76:80], uint32(dataSize))

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(hdr); err != nil {
		return fmt.Errorf("wav: write header: %w", err)
	}
	var b [4]byte
	for _, v := range samples {
		switch format {
		case Float32:
			binary.LittleEndian.PutUint32(b[:], math.Float32bits(float32(v)))
			_, _ = bw.Write(b[:4])
		case PCM16:
			binary.LittleEndian.PutUint16(b[:], uint16(floatToInt16(v)))
			_, _ = bw.Write(b[:2])
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("wav: write samples: %w", err)
	}
	return nil
}

// floatToInt16 clips v to [-1, 1] and scales it to the int16 range.
func floatToInt16(v float64) int16 {
	v = max(-1, min(1, v))
	return int16(math.Round(v * math.MaxInt16))
}

// WriteFile encodes samples into a new file at path, replacing any existing one.
func WriteFile(path string, samples []float64, channels, sampleRate int, format Format) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("wav: create %q: %w", path, err)
	}
	if err := Encode(f, samples, channels, sampleRate, format); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("wav: close %q: %w", path, err)
	}
	return nil
}

// ReadFile decodes the file at path.
func ReadFile(path string) (*Audio, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wav: read %q: %w", path, err)
	}
	return Decode(data)
}

// Decode parses a complete RIFF/WAVE file held in data.
func Decode(data []byte) (*Audio, error) {
	if len(data) < 12 {
		return nil, errors.New("wav: too short to be a valid RIFF file")
	}
	if string(data[0:4]) != "RIFF" {
		return nil, errors.New("wav: missing RIFF header")
	}
	if string(data[8:12]) != "WAVE" {
		return nil, errors.New("wav: missing WAVE identifier")
	}

	var (
		a        Audio
		tag      uint16
		foundFmt bool
	)

	// Walk RIFF chunks starting immediately after the 12-byte RIFF/WAVE header.
	offset := 12
	for offset+8 <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 || body+16 > len(data) {
				return nil, errors.New("wav: truncated fmt chunk")
			}
			f := data[body:]
			tag = binary.LittleEndian.Uint16(f[0:2])
			a.Channels = int(binary.LittleEndian.Uint16(f[2:4]))
			a.SampleRate = int(binary.LittleEndian.Uint32(f[4:8]))
			a.BitsPerSample = int(binary.LittleEndian.Uint16(f[14:16]))
			if tag == tagExtensible {
				if chunkSize < 40 || body+40 > len(data) {
					return nil, errors.New("wav: truncated extensible fmt chunk")
				}
				tag = binary.LittleEndian.Uint16(f[24:26])
			}
			foundFmt = true
		case "data":
			if !foundFmt {
				return nil, errors.New("wav: data chunk before fmt chunk")
			}
			end := min(body+chunkSize, len(data))
			samples, err := decodeSamples(data[body:end], tag, a.BitsPerSample)
			if err != nil {
				return nil, err
			}
			if a.Channels == 0 || len(samples)%a.Channels != 0 {
				return nil, fmt.Errorf("wav: %d samples do not fill %d channels", len(samples), a.Channels)
			}
			a.Samples = samples
			a.Float = tag == tagFloat
			return &a, nil
		}

		// Advance past this chunk (chunks are word-aligned: pad by 1 if odd size).
		offset = body + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return nil, errors.New("wav: missing data chunk")
}

func decodeSamples(raw []byte, tag uint16, bits int) ([]float64, error) {
	width := bits / 8
	if width == 0 || bits%8 != 0 {
		return nil, fmt.Errorf("wav: unsupported sample width %d bits", bits)
	}
	n := len(raw) / width
	out := make([]float64, n)
	switch {
	case tag == tagFloat && bits == 32:
		for i := range out {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
		}
	case tag == tagFloat && bits == 64:
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
		}
	case tag == tagPCM && bits == 8:
		for i := range out {
			out[i] = (float64(raw[i]) - 128) / 128
		}
	case tag == tagPCM && bits == 16:
		for i := range out {
			out[i] = float64(int16(binary.LittleEndian.Uint16(raw[i*2:]))) / 32768
		}
	case tag == tagPCM && bits == 24:
		for i := range out {
			p := raw[i*3:]
			v := int32(uint32(p[0])<<8|uint32(p[1])<<16|uint32(p[2])<<24) >> 8
			out[i] = float64(v) / (1 << 23)
		}
	case tag == tagPCM && bits == 32:
		for i := range out {
			out[i] = float64(int32(binary.LittleEndian.Uint32(raw[i*4:]))) / (1 << 31)
		}
	default:
		return nil, fmt.Errorf("wav: unsupported encoding tag=0x%04x bits=%d", tag, bits)
	}
	return out, nil
}
