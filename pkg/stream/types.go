package stream

import (
	"fmt"
	"strings"
	"time"
)

// DataType selects one kind of data carried by a streaming session. Values
// are bit flags so that several types can be requested at once, e.g.
// DataRGB | DataEyeTrack.
type DataType uint32

const (
	DataRGB DataType = 1 << iota
	DataSLAM
	DataEyeTrack
	DataAudio
	DataIMU
	DataMagneto
	DataBaro
)

// allDataTypes lists the single-bit values in wire order.
var allDataTypes = []DataType{DataRGB, DataSLAM, DataEyeTrack, DataAudio, DataIMU, DataMagneto, DataBaro}

// Has reports whether every bit in o is also set in d.
func (d DataType) Has(o DataType) bool {
	return o != 0 && d&o == o
}

// Split returns the individual single-bit types set in d, in a stable order.
func (d DataType) Split() []DataType {
	var out []DataType
	for _, t := range allDataTypes {
		if d&t != 0 {
			out = append(out, t)
		}
	}
	return out
}

// String returns a "|"-joined list of the types set in d.
func (d DataType) String() string {
	if d == 0 {
		return "NONE"
	}
	var names []string
	for _, t := range d.Split() {
		names = append(names, t.name())
	}
	if rest := d &^ (DataRGB | DataSLAM | DataEyeTrack | DataAudio | DataIMU | DataMagneto | DataBaro); rest != 0 {
		names = append(names, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(names, "|")
}

func (d DataType) name() string {
	switch d {
	case DataRGB:
		return "RGB"
	case DataSLAM:
		return "SLAM"
	case DataEyeTrack:
		return "EYE_TRACK"
	case DataAudio:
		return "AUDIO"
	case DataIMU:
		return "IMU"
	case DataMagneto:
		return "MAGNETO"
	case DataBaro:
		return "BARO"
	default:
		return "UNKNOWN"
	}
}

// ParseDataTypes parses a "|"- or ","-separated list such as "rgb|eye_track".
func ParseDataTypes(s string) (DataType, error) {
	var d DataType
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		switch strings.ToUpper(strings.TrimSpace(part)) {
		case "RGB":
			d |= DataRGB
		case "SLAM":
			d |= DataSLAM
		case "EYE_TRACK", "EYETRACK", "ET":
			d |= DataEyeTrack
		case "AUDIO":
			d |= DataAudio
		case "IMU":
			d |= DataIMU
		case "MAGNETO":
			d |= DataMagneto
		case "BARO":
			d |= DataBaro
		default:
			return 0, fmt.Errorf("stream: unknown data type %q", part)
		}
	}
	return d, nil
}

// CameraID identifies the camera that produced an [Image]. The numeric values
// match the identifiers used by the device SDK.
type CameraID int

const (
	CameraSLAMLeft  CameraID = 0
	CameraSLAMRight CameraID = 1
	CameraRGB       CameraID = 2
	CameraEyeTrack  CameraID = 3
)

// String returns the human-readable camera name.
func (c CameraID) String() string {
	switch c {
	case CameraSLAMLeft:
		return "slam-left"
	case CameraSLAMRight:
		return "slam-right"
	case CameraRGB:
		return "rgb"
	case CameraEyeTrack:
		return "eye-track"
	default:
		return fmt.Sprintf("camera-%d", int(c))
	}
}

// SampleType describes how the bytes of [Image.Pix] are interpreted.
type SampleType uint8

const (
	SampleUint8 SampleType = iota
	SampleUint16
	SampleFloat32
)

// Size returns the number of bytes per sample.
func (s SampleType) Size() int {
	switch s {
	case SampleUint16:
		return 2
	case SampleFloat32:
		return 4
	default:
		return 1
	}
}

// String returns the numpy-style name of the sample type.
func (s SampleType) String() string {
	switch s {
	case SampleUint8:
		return "uint8"
	case SampleUint16:
		return "uint16"
	case SampleFloat32:
		return "float32"
	default:
		return "unknown"
	}
}

// Image is one decoded camera frame. Pixels are stored row-major and
// interleaved, Channels samples per pixel, each sample little-endian.
// Colour images from the device arrive in BGR order.
type Image struct {
	Width      int
	Height     int
	Channels   int
	SampleType SampleType
	Pix        []byte
}

// Validate checks that Pix holds exactly Width*Height*Channels samples.
func (img Image) Validate() error {
	if img.Width <= 0 || img.Height <= 0 {
		return fmt.Errorf("stream: invalid image size %dx%d", img.Width, img.Height)
	}
	if img.Channels != 1 && img.Channels != 3 {
		return fmt.Errorf("stream: unsupported channel count %d", img.Channels)
	}
	want := img.Width * img.Height * img.Channels * img.SampleType.Size()
	if len(img.Pix) != want {
		return fmt.Errorf("stream: image has %d bytes, want %d for %dx%dx%d %s",
			len(img.Pix), want, img.Width, img.Height, img.Channels, img.SampleType)
	}
	return nil
}

// ImageRecord carries the metadata delivered alongside an [Image].
type ImageRecord struct {
	CameraID         CameraID
	CaptureTimestamp time.Duration
	FrameNumber      uint64
}

// AudioPacket is one block of interleaved microphone samples as delivered by
// the device: signed 4-byte integers, all channels interleaved.
type AudioPacket struct {
	Samples []int32
}

// AudioRecord carries the capture timestamps (nanoseconds, device clock) of an
// [AudioPacket].
type AudioRecord struct {
	CaptureTimestampsNs []int64
}

// SecurityOptions are forwarded to the device session untouched.
type SecurityOptions struct {
	// UseEphemeralCerts asks the device SDK to mint short-lived certificates
	// for this session instead of using persistent ones.
	UseEphemeralCerts bool
}

// DefaultQueueSize is the per-type inbound queue depth used when a
// [SubscriptionConfig] does not specify one.
const DefaultQueueSize = 1

// SubscriptionConfig selects the streams to receive and how they are queued.
type SubscriptionConfig struct {
	// DataTypes is the bitmask of requested streams.
	DataTypes DataType

	// MessageQueueSize is the inbound queue depth per data type. When a
	// queue is full the oldest message is discarded.
	MessageQueueSize map[DataType]int

	// Security is forwarded to the device SDK.
	Security SecurityOptions

	// LogLevel is forwarded to the SDK logger ("debug", "info", ...).
	LogLevel string
}

// QueueSize returns the configured queue depth for t, or [DefaultQueueSize].
func (c SubscriptionConfig) QueueSize(t DataType) int {
	if n, ok := c.MessageQueueSize[t]; ok && n > 0 {
		return n
	}
	return DefaultQueueSize
}

// Validate reports an error for an empty selection, multi-bit queue keys, or
// non-positive queue depths.
func (c SubscriptionConfig) Validate() error {
	if c.DataTypes == 0 {
		return fmt.Errorf("stream: subscription selects no data types")
	}
	for t, n := range c.MessageQueueSize {
		if len(t.Split()) != 1 {
			return fmt.Errorf("stream: queue size key %s must be a single data type", t)
		}
		if n <= 0 {
			return fmt.Errorf("stream: queue size for %s must be positive, got %d", t, n)
		}
	}
	return nil
}
