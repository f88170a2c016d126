// Package features detects keypoints and binary descriptors for
// alignment. Detection runs on a contrast-equalized grayscale copy so
// that shots of the same sign under different lighting still match.
package features

import (
	"errors"
	"image"

	"matchcut/internal/imaging"
	"matchcut/pkg/geometry"

	"gocv.io/x/gocv"
)

// ErrNoFeatures is escalated by callers when detection finds zero
// descriptors in an input. Detection itself treats an empty result as a
// valid outcome.
var ErrNoFeatures = errors.New("no features detected")

// CLAHE parameters: 8x8 tiles, clip limit 2.0.
const (
	claheClipLimit = 2.0
	claheTileSize  = 8
)

// Set holds the keypoints of one image and their row-aligned binary
// descriptor matrix. The two share a lifecycle: Close releases the
// descriptor matrix and the set must not be used afterwards.
type Set struct {
	Keypoints   []gocv.KeyPoint
	Descriptors gocv.Mat
}

// Close releases the native descriptor matrix.
func (s *Set) Close() error {
	return s.Descriptors.Close()
}

// Len returns the number of keypoints.
func (s *Set) Len() int {
	return len(s.Keypoints)
}

// Empty reports whether detection produced no usable descriptors.
func (s *Set) Empty() bool {
	return len(s.Keypoints) == 0 || s.Descriptors.Empty()
}

// Point returns the location of keypoint i.
func (s *Set) Point(i int) geometry.Point2D {
	kp := s.Keypoints[i]
	return geometry.Point2D{X: kp.X, Y: kp.Y}
}

// Detect extracts AKAZE keypoints and descriptors from a BGR image.
// The image is converted to grayscale and equalized with tile-based
// adaptive histogram equalization before detection. An empty Set (no
// keypoints) is a valid result, not an error. The caller owns the
// returned Set and must Close it.
func Detect(img gocv.Mat) (*Set, error) {
	if img.Empty() {
		return nil, errors.New("empty input image")
	}

	sc := imaging.NewScope()
	defer sc.Close()

	gray := imaging.ToGray(img)
	sc.Track(&gray)

	clahe := gocv.NewCLAHEWithParams(claheClipLimit, image.Pt(claheTileSize, claheTileSize))
	sc.Track(&clahe)

	equalized := gocv.NewMat()
	sc.Track(&equalized)
	clahe.Apply(gray, &equalized)

	akaze := gocv.NewAKAZE()
	sc.Track(&akaze)

	mask := gocv.NewMat()
	sc.Track(&mask)

	keypoints, descriptors := akaze.DetectAndCompute(equalized, mask)
	return &Set{Keypoints: keypoints, Descriptors: descriptors}, nil
}
