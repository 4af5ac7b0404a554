package stream

import (
	"strings"
	"testing"
)

func TestDataType_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   DataType
		want string
	}{
		{0, "NONE"},
		{DataRGB, "RGB"},
		{DataRGB | DataEyeTrack, "RGB|EYE_TRACK"},
		{DataAudio, "AUDIO"},
	}
	for _, tc := range tests {
		if got := tc.in.String(); got != tc.want {
			t.Errorf("%d.String() = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDataType_HasAndSplit(t *testing.T) {
	t.Parallel()
	d := DataRGB | DataEyeTrack
	if !d.Has(DataRGB) || !d.Has(DataEyeTrack) {
		t.Errorf("%s should contain RGB and EYE_TRACK", d)
	}
	if d.Has(DataAudio) {
		t.Errorf("%s should not contain AUDIO", d)
	}
	if d.Has(0) {
		t.Error("Has(0) should be false")
	}
	parts := d.Split()
	if len(parts) != 2 || parts[0] != DataRGB || parts[1] != DataEyeTrack {
		t.Errorf("Split() = %v", parts)
	}
}

func TestParseDataTypes(t *testing.T) {
	t.Parallel()
	d, err := ParseDataTypes("rgb|eye_track")
	if err != nil {
		t.Fatalf("ParseDataTypes: %v", err)
	}
	if d != DataRGB|DataEyeTrack {
		t.Errorf("got %s", d)
	}
	if _, err := ParseDataTypes("rgb,bogus"); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestImage_Validate(t *testing.T) {
	t.Parallel()
	ok := Image{Width: 2, Height: 2, Channels: 3, SampleType: SampleUint8, Pix: make([]byte, 12)}
	if err := ok.Validate(); err != nil {
		t.Errorf("valid image: %v", err)
	}
	wide := Image{Width: 2, Height: 2, Channels: 1, SampleType: SampleUint16, Pix: make([]byte, 8)}
	if err := wide.Validate(); err != nil {
		t.Errorf("valid uint16 image: %v", err)
	}
	short := Image{Width: 2, Height: 2, Channels: 1, SampleType: SampleFloat32, Pix: make([]byte, 4)}
	if err := short.Validate(); err == nil {
		t.Error("expected error for short pixel buffer")
	}
	twoCh := Image{Width: 1, Height: 1, Channels: 2, Pix: make([]byte, 2)}
	if err := twoCh.Validate(); err == nil {
		t.Error("expected error for 2 channels")
	}
}

func TestSubscriptionConfig_Validate(t *testing.T) {
	t.Parallel()
	cfg := SubscriptionConfig{
		DataTypes:        DataRGB | DataEyeTrack,
		MessageQueueSize: map[DataType]int{DataRGB: 1, DataEyeTrack: 1},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := (SubscriptionConfig{}).Validate(); err == nil {
		t.Error("expected error for empty selection")
	}
	bad := SubscriptionConfig{DataTypes: DataAudio, MessageQueueSize: map[DataType]int{DataAudio: 0}}
	if err := bad.Validate(); err == nil || !strings.Contains(err.Error(), "positive") {
		t.Errorf("expected positive-size error, got %v", err)
	}
	multi := SubscriptionConfig{DataTypes: DataAudio, MessageQueueSize: map[DataType]int{DataRGB | DataAudio: 2}}
	if err := multi.Validate(); err == nil {
		t.Error("expected error for multi-bit queue key")
	}
}

func TestSubscriptionConfig_QueueSize(t *testing.T) {
	t.Parallel()
	cfg := SubscriptionConfig{MessageQueueSize: map[DataType]int{DataAudio: 10}}
	if got := cfg.QueueSize(DataAudio); got != 10 {
		t.Errorf("QueueSize(AUDIO) = %d, want 10", got)
	}
	if got := cfg.QueueSize(DataRGB); got != DefaultQueueSize {
		t.Errorf("QueueSize(RGB) = %d, want %d", got, DefaultQueueSize)
	}
}

func TestCameraID_String(t *testing.T) {
	t.Parallel()
	if CameraRGB.String() != "rgb" || CameraEyeTrack.String() != "eye-track" {
		t.Errorf("unexpected names: %s %s", CameraRGB, CameraEyeTrack)
	}
	if got := CameraID(9).String(); got != "camera-9" {
		t.Errorf("CameraID(9) = %q", got)
	}
}
