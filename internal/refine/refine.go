// Package refine re-registers already-processed images against the
// processed master, the golden template, to correct residual drift
// accumulated through the first alignment pass. Refinement is
// fail-soft: an image that cannot be re-registered is kept as is.
package refine

import (
	"image"
	"image/color"

	"matchcut/internal/canvas"
	"matchcut/internal/estimate"
	"matchcut/internal/features"
	"matchcut/internal/imaging"
	"matchcut/internal/matching"
	"matchcut/pkg/geometry"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// Refiner drives drift correction against a golden template. Stage
// functions are fields so the fail-soft behavior can be exercised
// against stubs.
type Refiner struct {
	log *logrus.Logger

	detect func(img gocv.Mat) (*features.Set, error)
	match  func(query, train *features.Set, mode matching.Mode) ([]matching.Match, error)
	fit    func(src, dst []geometry.Point2D) (geometry.AffineTransform, []int, error)
}

// New creates a Refiner wired to the real stages.
func New(log *logrus.Logger) *Refiner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Refiner{
		log:    log,
		detect: features.Detect,
		match:  matching.MatchDescriptors,
		fit: func(src, dst []geometry.Point2D) (geometry.AffineTransform, []int, error) {
			return estimate.AffineRANSAC(src, dst, estimate.DefaultIterations, estimate.DefaultThreshold)
		},
	}
}

// Apply re-registers img onto the golden template and returns the
// drift-corrected image with an alpha channel: pixels warped in from
// outside the source stay fully transparent instead of inheriting edge
// content. Drift between processed images is small, so matching runs in
// the relaxed mode. Any stage failure logs a warning and returns an
// untouched copy of img. The caller owns the returned Mat.
func (r *Refiner) Apply(template, img gocv.Mat) gocv.Mat {
	t, err := r.solve(template, img)
	if err != nil {
		r.log.WithField("reason", err.Error()).Warn("drift correction skipped, keeping first-pass result")
		return img.Clone()
	}

	sc := imaging.NewScope()
	defer sc.Close()

	var bgra gocv.Mat
	if img.Channels() == 4 {
		bgra = img.Clone()
	} else {
		bgra = gocv.NewMat()
		gocv.CvtColor(img, &bgra, gocv.ColorBGRToBGRA)
	}
	sc.Track(&bgra)

	m := canvas.AffineToMat(t)
	sc.Track(&m)

	out := gocv.NewMat()
	gocv.WarpAffineWithParams(bgra, &out, m,
		image.Point{X: template.Cols(), Y: template.Rows()},
		gocv.InterpolationLinear, gocv.BorderConstant, color.RGBA{})
	return out
}

// solve computes the residual affine mapping img onto the template.
func (r *Refiner) solve(template, img gocv.Mat) (geometry.AffineTransform, error) {
	sc := imaging.NewScope()
	defer sc.Close()

	tmplSet, err := r.detect(template)
	if err != nil {
		return geometry.AffineTransform{}, err
	}
	sc.Track(tmplSet)

	imgSet, err := r.detect(img)
	if err != nil {
		return geometry.AffineTransform{}, err
	}
	sc.Track(imgSet)

	if tmplSet.Empty() || imgSet.Empty() {
		return geometry.AffineTransform{}, features.ErrNoFeatures
	}

	matches, err := r.match(imgSet, tmplSet, matching.ModeGreedy)
	if err != nil {
		return geometry.AffineTransform{}, err
	}

	src, dst := matching.Points(matches, imgSet, tmplSet)
	t, _, err := r.fit(src, dst)
	if err != nil {
		return geometry.AffineTransform{}, err
	}
	return t, nil
}
