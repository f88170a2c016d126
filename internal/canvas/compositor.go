// Package canvas warps an aligned image into the reference frame and
// pads it to a canonical aspect ratio.
package canvas

import (
	"fmt"
	"image"
	"image/color"

	"matchcut/internal/imaging"
	"matchcut/pkg/geometry"

	"gocv.io/x/gocv"
)

// AspectRatio enumerates the supported canonical output shapes.
type AspectRatio int

const (
	AspectPortrait AspectRatio = iota // 9:16
	AspectSquare                      // 1:1
	AspectLandscape                   // 16:9
)

// Value returns width/height for the aspect ratio.
func (a AspectRatio) Value() float64 {
	switch a {
	case AspectSquare:
		return 1
	case AspectLandscape:
		return 16.0 / 9.0
	default:
		return 9.0 / 16.0
	}
}

func (a AspectRatio) String() string {
	switch a {
	case AspectSquare:
		return "1:1"
	case AspectLandscape:
		return "16:9"
	default:
		return "9:16"
	}
}

// ParseAspect maps a config/flag string to an AspectRatio.
func ParseAspect(s string) (AspectRatio, error) {
	switch s {
	case "9:16", "":
		return AspectPortrait, nil
	case "1:1":
		return AspectSquare, nil
	case "16:9":
		return AspectLandscape, nil
	}
	return AspectPortrait, fmt.Errorf("unknown aspect ratio %q", s)
}

// AffineToMat builds a 2x3 CV64F matrix for gocv warps. The caller
// owns the returned Mat.
func AffineToMat(t geometry.AffineTransform) gocv.Mat {
	m := gocv.NewMatWithSize(2, 3, gocv.MatTypeCV64F)
	m.SetDoubleAt(0, 0, t.A)
	m.SetDoubleAt(0, 1, t.B)
	m.SetDoubleAt(0, 2, t.TX)
	m.SetDoubleAt(1, 0, t.C)
	m.SetDoubleAt(1, 1, t.D)
	m.SetDoubleAt(1, 2, t.TY)
	return m
}

// HomographyToMat builds a 3x3 CV64F matrix for gocv warps. The caller
// owns the returned Mat.
func HomographyToMat(h geometry.Homography) gocv.Mat {
	m := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV64F)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.SetDoubleAt(i, j, h[i][j])
		}
	}
	return m
}

// WarpToFrame warps img into a width x height frame using the given
// transform: a perspective warp for a homography, an affine warp for a
// 2x3 transform. Border pixels replicate edge content so warped-in
// empty regions inherit edge color rather than black. The caller owns
// the returned Mat.
func WarpToFrame(img gocv.Mat, t geometry.Transform, width, height int) gocv.Mat {
	sc := imaging.NewScope()
	defer sc.Close()

	dst := gocv.NewMat()
	size := image.Point{X: width, Y: height}

	switch tr := t.(type) {
	case geometry.AffineTransform:
		m := AffineToMat(tr)
		sc.Track(&m)
		gocv.WarpAffineWithParams(img, &dst, m, size,
			gocv.InterpolationLinear, gocv.BorderReplicate, color.RGBA{})
	default:
		m := HomographyToMat(t.Homogeneous())
		sc.Track(&m)
		gocv.WarpPerspectiveWithParams(img, &dst, m, size,
			gocv.InterpolationLinear, gocv.BorderReplicate, color.RGBA{})
	}
	return dst
}

// padding holds per-side pad amounts in pixels.
type padding struct {
	top, bottom, left, right int
}

// padForAspect computes the symmetric padding that brings w x h to the
// target aspect ratio: grow height when the image is too wide, width
// when too tall. An odd leftover pixel always goes to the trailing
// side.
func padForAspect(w, h int, aspect float64) padding {
	if w <= 0 || h <= 0 {
		return padding{}
	}

	current := float64(w) / float64(h)
	var p padding
	if current > aspect {
		finalH := int(float64(w)/aspect + 0.5)
		pad := finalH - h
		if pad < 0 {
			pad = 0
		}
		p.top = pad / 2
		p.bottom = pad - p.top
	} else {
		finalW := int(float64(h)*aspect + 0.5)
		pad := finalW - w
		if pad < 0 {
			pad = 0
		}
		p.left = pad / 2
		p.right = pad - p.left
	}
	return p
}

// PadToAspect pads img to the canonical aspect ratio using reflective
// border extension, which mirrors edge content instead of introducing
// hard solid-color borders. The caller owns the returned Mat.
func PadToAspect(img gocv.Mat, aspect AspectRatio) gocv.Mat {
	p := padForAspect(img.Cols(), img.Rows(), aspect.Value())
	dst := gocv.NewMat()
	gocv.CopyMakeBorder(img, &dst, p.top, p.bottom, p.left, p.right,
		gocv.BorderReflect101, color.RGBA{})
	return dst
}

// Compose warps the target by the final transform into the reference
// frame dimensions, then pads to the canonical aspect ratio. The caller
// owns the returned Mat.
func Compose(img gocv.Mat, t geometry.Transform, refWidth, refHeight int, aspect AspectRatio) (gocv.Mat, error) {
	if img.Empty() {
		return gocv.Mat{}, fmt.Errorf("empty input image")
	}
	if refWidth <= 0 || refHeight <= 0 {
		return gocv.Mat{}, fmt.Errorf("invalid reference frame %dx%d", refWidth, refHeight)
	}

	warped := WarpToFrame(img, t, refWidth, refHeight)
	defer warped.Close()

	return PadToAspect(warped, aspect), nil
}
