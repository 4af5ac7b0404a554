// Package calib loads device calibration and reprojects eye-gaze estimates
// into camera images.
//
// Calibration is read from a JSON export of the reference recording. All
// poses are rigid transforms written T_a_b, mapping points from frame b into
// frame a. The central pupil frame (CPF) is the origin of gaze rays.
package calib

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Pose is a rigid transform: p' = R p + t.
type Pose struct {
	Rotation    quat.Number // unit quaternion
	Translation r3.Vec
}

// Identity is the transform that leaves points unchanged.
var Identity = Pose{Rotation: quat.Number{Real: 1}}

// Apply transforms v.
func (p Pose) Apply(v r3.Vec) r3.Vec {
	return r3.Add(r3.Rotation(p.Rotation).Rotate(v), p.Translation)
}

// Inverse returns the transform undoing p.
func (p Pose) Inverse() Pose {
	inv := quat.Conj(p.Rotation)
	return Pose{
		Rotation:    inv,
		Translation: r3.Scale(-1, r3.Rotation(inv).Rotate(p.Translation)),
	}
}

// Compose returns p∘q, the transform applying q first and then p.
func (p Pose) Compose(q Pose) Pose {
	return Pose{
		Rotation:    quat.Mul(p.Rotation, q.Rotation),
		Translation: p.Apply(q.Translation),
	}
}

// Camera models accepted in calibration files.
const (
	ModelLinear     = "linear"
	ModelFisheye624 = "fisheye624"
)

// fisheye624Params is the number of distortion coefficients of the
// Fisheye624 model: six radial, two tangential and four thin-prism.
const fisheye624Params = 12

// Camera is the intrinsic and extrinsic calibration of one camera. The
// distortion coefficients are only used by [ModelFisheye624].
type Camera struct {
	Label  string
	Model  string
	FX, FY float64
	CX, CY float64
	Width  int
	Height int

	Radial     [6]float64
	Tangential [2]float64
	ThinPrism  [4]float64

	// TDeviceCamera maps camera coordinates to device coordinates.
	TDeviceCamera Pose
}

// Project maps a point in camera coordinates to pixel coordinates. ok is
// false for points at or behind the image plane and for projections outside
// the image.
func (c *Camera) Project(p r3.Vec) (x, y float64, ok bool) {
	x, y, ok = c.ProjectInFront(p)
	return x, y, ok && c.Contains(x, y)
}

// ProjectInFront maps p to pixel coordinates without clipping to the image.
// inFront is false, and x, y zero, for points at or behind the image plane.
func (c *Camera) ProjectInFront(p r3.Vec) (x, y float64, inFront bool) {
	if p.Z <= 0 {
		return 0, 0, false
	}
	u, v := p.X/p.Z, p.Y/p.Z
	if c.Model == ModelFisheye624 {
		u, v = c.distort(u, v)
	}
	return c.FX*u + c.CX, c.FY*v + c.CY, true
}

// Contains reports whether pixel (x, y) lies inside the image.
func (c *Camera) Contains(x, y float64) bool {
	return x >= 0 && y >= 0 && x < float64(c.Width) && y < float64(c.Height)
}

// distort applies the Fisheye624 model to normalised image coordinates: an
// equidistant fisheye with a radial polynomial in theta, followed by
// tangential and thin-prism terms.
func (c *Camera) distort(a, b float64) (u, v float64) {
	r := math.Hypot(a, b)
	theta := math.Atan(r)
	theta2 := theta * theta

	radial, pow := 1.0, theta2
	for _, k := range c.Radial {
		radial += k * pow
		pow *= theta2
	}
	scale := radial
	if r > 1e-9 {
		scale *= theta / r
	}
	xr, yr := scale*a, scale*b
	r2 := xr*xr + yr*yr
	r4 := r2 * r2

	p0, p1 := c.Tangential[0], c.Tangential[1]
	tan := 2 * (xr*p0 + yr*p1)
	u = xr*(1+tan) + r2*p0
	v = yr*(1+tan) + r2*p1

	s := c.ThinPrism
	u += s[0]*r2 + s[1]*r4
	v += s[2]*r2 + s[3]*r4
	return u, v
}

// Device is the calibration of one headset.
type Device struct {
	Name    string
	Cameras map[string]*Camera

	// StreamLabels maps stream ids such as "214-1" to camera labels.
	StreamLabels map[string]string

	// TDeviceCPF maps central-pupil-frame coordinates to device coordinates.
	TDeviceCPF Pose
}

// Camera returns the camera calibration for label.
func (d *Device) Camera(label string) (*Camera, error) {
	c, ok := d.Cameras[label]
	if !ok {
		return nil, fmt.Errorf("calib: no camera %q (have %v)", label, d.labels())
	}
	return c, nil
}

// LabelForStream resolves a stream id to its camera label.
func (d *Device) LabelForStream(streamID string) (string, error) {
	l, ok := d.StreamLabels[streamID]
	if !ok {
		return "", fmt.Errorf("calib: unknown stream id %q", streamID)
	}
	return l, nil
}

// TransformCPFSensor returns T_cpf_sensor for the camera label.
func (d *Device) TransformCPFSensor(label string) (Pose, error) {
	c, err := d.Camera(label)
	if err != nil {
		return Pose{}, err
	}
	return d.TDeviceCPF.Inverse().Compose(c.TDeviceCamera), nil
}

func (d *Device) labels() []string {
	out := make([]string, 0, len(d.Cameras))
	for l := range d.Cameras {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// GazeDirection returns the unit gaze direction in CPF for yaw and pitch in
// radians: normalize(tan yaw, tan pitch, 1).
func GazeDirection(yaw, pitch float64) r3.Vec {
	return r3.Unit(r3.Vec{X: math.Tan(yaw), Y: math.Tan(pitch), Z: 1})
}

// GazePointAtDepth returns the CPF point depth metres along the gaze ray.
func GazePointAtDepth(yaw, pitch, depth float64) r3.Vec {
	return r3.Scale(depth, GazeDirection(yaw, pitch))
}

// Reprojection is a gaze point in the pixel coordinates of a camera.
type Reprojection struct {
	X, Y float64

	// InFront is false when the point lies at or behind the image plane; X
	// and Y are then meaningless.
	InFront bool

	// OnImage reports an in-front point that lands inside the image.
	OnImage bool
}

// GazeVectorReprojection projects the gaze point at depth into the image of
// the camera identified by label. cam must be the calibration of that
// camera.
func GazeVectorReprojection(yaw, pitch float64, label string, d *Device, cam *Camera, depth float64) (Reprojection, error) {
	tCPFSensor, err := d.TransformCPFSensor(label)
	if err != nil {
		return Reprojection{}, err
	}
	p := tCPFSensor.Inverse().Apply(GazePointAtDepth(yaw, pitch, depth))
	x, y, front := cam.ProjectInFront(p)
	return Reprojection{X: x, Y: y, InFront: front, OnImage: front && cam.Contains(x, y)}, nil
}

// ── JSON ─────────────────────────────────────────────────────────────────────

type poseJSON struct {
	// Quaternion is [w, x, y, z].
	Quaternion  [4]float64 `json:"quaternion"`
	Translation [3]float64 `json:"translation"`
}

func (p poseJSON) pose() (Pose, error) {
	q := quat.Number{Real: p.Quaternion[0], Imag: p.Quaternion[1], Jmag: p.Quaternion[2], Kmag: p.Quaternion[3]}
	n := quat.Abs(q)
	if n == 0 || math.IsNaN(n) {
		return Pose{}, errors.New("zero quaternion")
	}
	return Pose{
		Rotation:    quat.Scale(1/n, q),
		Translation: r3.Vec{X: p.Translation[0], Y: p.Translation[1], Z: p.Translation[2]},
	}, nil
}

type cameraJSON struct {
	Model         string    `json:"model"`
	FX            float64   `json:"fx"`
	FY            float64   `json:"fy"`
	CX            float64   `json:"cx"`
	CY            float64   `json:"cy"`
	Distortion    []float64 `json:"distortion"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	TDeviceCamera poseJSON  `json:"T_device_camera"`
}

type deviceJSON struct {
	Device       string                `json:"device"`
	StreamLabels map[string]string     `json:"stream_labels"`
	TDeviceCPF   poseJSON              `json:"T_device_cpf"`
	Cameras      map[string]cameraJSON `json:"cameras"`
}

// Load reads the calibration file at path.
func Load(path string) (*Device, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("calib: open %q: %w", path, err)
	}
	defer f.Close()
	d, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("calib: %q: %w", path, err)
	}
	return d, nil
}

// Parse decodes and validates calibration JSON from r.
func Parse(r io.Reader) (*Device, error) {
	var raw deviceJSON
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}

	var errs []error
	d := &Device{
		Name:         raw.Device,
		Cameras:      make(map[string]*Camera, len(raw.Cameras)),
		StreamLabels: raw.StreamLabels,
	}
	if d.StreamLabels == nil {
		d.StreamLabels = map[string]string{}
	}
	var err error
	if d.TDeviceCPF, err = raw.TDeviceCPF.pose(); err != nil {
		errs = append(errs, fmt.Errorf("T_device_cpf: %w", err))
	}
	for label, c := range raw.Cameras {
		if c.Model == "" {
			c.Model = ModelLinear
		}
		switch {
		case c.Model != ModelLinear && c.Model != ModelFisheye624:
			errs = append(errs, fmt.Errorf("cameras.%s: unsupported model %q", label, c.Model))
			continue
		case c.Model == ModelFisheye624 && len(c.Distortion) != fisheye624Params:
			errs = append(errs, fmt.Errorf("cameras.%s: fisheye624 needs %d distortion coefficients, got %d",
				label, fisheye624Params, len(c.Distortion)))
			continue
		case c.Model == ModelLinear && len(c.Distortion) != 0:
			errs = append(errs, fmt.Errorf("cameras.%s: linear model takes no distortion", label))
			continue
		}
		if c.FX <= 0 || c.FY <= 0 || c.Width <= 0 || c.Height <= 0 {
			errs = append(errs, fmt.Errorf("cameras.%s: focal lengths and size must be positive", label))
			continue
		}
		pose, err := c.TDeviceCamera.pose()
		if err != nil {
			errs = append(errs, fmt.Errorf("cameras.%s.T_device_camera: %w", label, err))
			continue
		}
		cam := &Camera{
			Label: label,
			Model: c.Model,
			FX:    c.FX, FY: c.FY, CX: c.CX, CY: c.CY,
			Width: c.Width, Height: c.Height,
			TDeviceCamera: pose,
		}
		if c.Model == ModelFisheye624 {
			copy(cam.Radial[:], c.Distortion[0:6])
			copy(cam.Tangential[:], c.Distortion[6:8])
			copy(cam.ThinPrism[:], c.Distortion[8:12])
		}
		d.Cameras[label] = cam
	}
	for id, label := range d.StreamLabels {
		if _, ok := raw.Cameras[label]; !ok {
			errs = append(errs, fmt.Errorf("stream_labels.%s: unknown camera %q", id, label))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return d, nil
}
