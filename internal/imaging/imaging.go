// Package imaging implements the handful of pixel operations the gaze
// overlay needs: quarter-turn rotation, channel swaps, min-max normalisation
// to 8 bits, gray/colour conversion and filled-circle drawing.
//
// A [Frame] stores interleaved little-endian samples exactly as they arrive
// from the stream, so operations that only move pixels (rotation, channel
// swap) work for every sample type. Operations that read pixel values as
// colours require 8-bit frames; use [Frame.NormalizeU8] first.
package imaging

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/MrWong99/ariastream/pkg/stream"
)

// ErrNot8Bit is returned by colour operations on frames that are not 8-bit.
var ErrNot8Bit = errors.New("imaging: frame is not 8-bit")

// Frame is a row-major interleaved image.
type Frame struct {
	Width    int
	Height   int
	Channels int
	Depth    stream.SampleType
	Pix      []byte

	// BGR reports that 3-channel pixels are stored blue first.
	BGR bool
}

// FromStream copies img into a new frame. Colour images from the device are
// BGR.
func FromStream(img stream.Image) (*Frame, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	pix := make([]byte, len(img.Pix))
	copy(pix, img.Pix)
	return &Frame{
		Width:    img.Width,
		Height:   img.Height,
		Channels: img.Channels,
		Depth:    img.SampleType,
		Pix:      pix,
		BGR:      img.Channels == 3,
	}, nil
}

// NewFrame returns a zeroed 8-bit frame.
func NewFrame(w, h, channels int) *Frame {
	return &Frame{Width: w, Height: h, Channels: channels, Depth: stream.SampleUint8, Pix: make([]byte, w*h*channels)}
}

// Clone returns a deep copy of f.
func (f *Frame) Clone() *Frame {
	c := *f
	c.Pix = make([]byte, len(f.Pix))
	copy(c.Pix, f.Pix)
	return &c
}

func (f *Frame) pixelSize() int { return f.Channels * f.Depth.Size() }

// RotateCW returns f rotated 90° clockwise. Source pixel (x, y) lands at
// (H−1−y, x) in the W'=H, H'=W result.
func (f *Frame) RotateCW() *Frame {
	ps := f.pixelSize()
	out := &Frame{
		Width:    f.Height,
		Height:   f.Width,
		Channels: f.Channels,
		Depth:    f.Depth,
		BGR:      f.BGR,
		Pix:      make([]byte, len(f.Pix)),
	}
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			src := (y*f.Width + x) * ps
			nx, ny := f.Height-1-y, x
			dst := (ny*out.Width + nx) * ps
			copy(out.Pix[dst:dst+ps], f.Pix[src:src+ps])
		}
	}
	return out
}

// RotatePointCW maps a coordinate in an image of height h to the display
// space of the same image rotated 90° clockwise: (h − y, x).
func RotatePointCW(x, y float64, h int) (float64, float64) {
	return float64(h) - y, x
}

// SwapRB exchanges the first and third channel of every pixel in place and
// toggles f.BGR. It is a no-op for single-channel frames.
func (f *Frame) SwapRB() {
	if f.Channels != 3 {
		return
	}
	ss := f.Depth.Size()
	ps := f.pixelSize()
	var tmp [4]byte
	for i := 0; i+ps <= len(f.Pix); i += ps {
		r := f.Pix[i : i+ss]
		b := f.Pix[i+2*ss : i+3*ss]
		copy(tmp[:ss], r)
		copy(r, b)
		copy(b, tmp[:ss])
	}
	f.BGR = !f.BGR
}

// sample returns sample i as float64.
func (f *Frame) sample(i int) float64 {
	switch f.Depth {
	case stream.SampleUint16:
		return float64(binary.LittleEndian.Uint16(f.Pix[i*2:]))
	case stream.SampleFloat32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(f.Pix[i*4:])))
	default:
		return float64(f.Pix[i])
	}
}

// NormalizeU8 returns an 8-bit frame. 8-bit frames are returned as a copy;
// other depths are min-max scaled so the smallest sample maps to 0 and the
// largest to 255. A constant image maps to all zeros.
func (f *Frame) NormalizeU8() *Frame {
	if f.Depth == stream.SampleUint8 {
		return f.Clone()
	}
	n := f.Width * f.Height * f.Channels
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := range n {
		v := f.sample(i)
		if math.IsNaN(v) {
			continue
		}
		lo = min(lo, v)
		hi = max(hi, v)
	}
	out := &Frame{Width: f.Width, Height: f.Height, Channels: f.Channels, Depth: stream.SampleUint8, BGR: f.BGR, Pix: make([]byte, n)}
	span := hi - lo
	if !(span > 0) || math.IsInf(span, 0) {
		return out
	}
	for i := range n {
		v := f.sample(i)
		if math.IsNaN(v) {
			continue
		}
		out.Pix[i] = uint8(max(0, min(255, math.Round((v-lo)*255/span))))
	}
	return out
}

// GrayToBGR expands a single-channel 8-bit frame to three identical
// channels. Three-channel frames are returned unchanged.
func (f *Frame) GrayToBGR() (*Frame, error) {
	if f.Depth != stream.SampleUint8 {
		return nil, ErrNot8Bit
	}
	if f.Channels == 3 {
		return f, nil
	}
	if f.Channels != 1 {
		return nil, fmt.Errorf("imaging: cannot expand %d channels", f.Channels)
	}
	out := NewFrame(f.Width, f.Height, 3)
	out.BGR = true
	for i, v := range f.Pix {
		out.Pix[i*3], out.Pix[i*3+1], out.Pix[i*3+2] = v, v, v
	}
	return out, nil
}

// BGRToGray converts an 8-bit frame to luma using ITU-R BT.601 weights
// (0.299 R + 0.587 G + 0.114 B). Single-channel frames are copied.
func (f *Frame) BGRToGray() (*image.Gray, error) {
	if f.Depth != stream.SampleUint8 {
		return nil, ErrNot8Bit
	}
	g := image.NewGray(image.Rect(0, 0, f.Width, f.Height))
	switch f.Channels {
	case 1:
		copy(g.Pix, f.Pix)
	case 3:
		ri, bi := 0, 2
		if f.BGR {
			ri, bi = 2, 0
		}
		for i := range g.Pix {
			p := f.Pix[i*3 : i*3+3]
			y := 0.299*float64(p[ri]) + 0.587*float64(p[1]) + 0.114*float64(p[bi])
			g.Pix[i] = uint8(min(255, math.Round(y)))
		}
	default:
		return nil, fmt.Errorf("imaging: cannot convert %d channels to gray", f.Channels)
	}
	return g, nil
}

// FillCircle paints every pixel within radius r of (cx, cy) with c, clipped
// to the frame. c is given as RGB and written in the frame's channel order;
// single-channel frames receive its luma.
func (f *Frame) FillCircle(cx, cy, r int, c color.RGBA) error {
	if f.Depth != stream.SampleUint8 {
		return ErrNot8Bit
	}
	px := []byte{c.R, c.G, c.B}
	if f.BGR {
		px[0], px[2] = c.B, c.R
	}
	if f.Channels == 1 {
		px = []byte{color.GrayModel.Convert(c).(color.Gray).Y}
	}
	for y := max(0, cy-r); y <= min(f.Height-1, cy+r); y++ {
		dy := y - cy
		for x := max(0, cx-r); x <= min(f.Width-1, cx+r); x++ {
			dx := x - cx
			if dx*dx+dy*dy > r*r {
				continue
			}
			off := (y*f.Width + x) * f.Channels
			copy(f.Pix[off:off+f.Channels], px)
		}
	}
	return nil
}

// ToImage converts an 8-bit frame to a standard library image suitable for
// encoding.
func (f *Frame) ToImage() (image.Image, error) {
	if f.Depth != stream.SampleUint8 {
		return nil, ErrNot8Bit
	}
	switch f.Channels {
	case 1:
		g := image.NewGray(image.Rect(0, 0, f.Width, f.Height))
		copy(g.Pix, f.Pix)
		return g, nil
	case 3:
		ri, bi := 0, 2
		if f.BGR {
			ri, bi = 2, 0
		}
		img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
		for i := 0; i < f.Width*f.Height; i++ {
			p := f.Pix[i*3 : i*3+3]
			q := img.Pix[i*4 : i*4+4]
			q[0], q[1], q[2], q[3] = p[ri], p[1], p[bi], 0xff
		}
		return img, nil
	}
	return nil, fmt.Errorf("imaging: cannot convert %d channels to an image", f.Channels)
}
