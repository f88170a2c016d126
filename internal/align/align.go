// Package align orchestrates feature detection, matching and transform
// estimation for one reference/target image pair. Strategy fallbacks
// are an explicit ordered list, so the fallback order is a testable
// property rather than implicit control flow.
package align

import (
	"fmt"
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

// Options selects the alignment behavior for one pair.
type Options struct {
	Greedy      bool // relaxed ratio test, lower match minimum
	Refine      bool // two-stage affine refinement
	Perspective bool // estimate a homography instead of an affine
	IsMaster    bool // target is the reference itself
}

// Mode returns the matching mode implied by the options.
func (o Options) Mode() matching.Mode {
	if o.Greedy {
		return matching.ModeGreedy
	}
	return matching.ModeNormal
}

// Result carries the final transform for a pair plus a diagnostic
// rendering of the matched keypoints. The caller owns the Diagnostic
// Mat.
type Result struct {
	Transform   geometry.Transform
	Diagnostic  gocv.Mat
	GoodMatches int
	Strategy    string
}

// Aligner drives one-pair alignment. The stage functions are fields so
// the strategy chain can be exercised against stubs.
type Aligner struct {
	log *logrus.Logger

	detect        func(img gocv.Mat) (*features.Set, error)
	match         func(query, train *features.Set, mode matching.Mode) ([]matching.Match, error)
	fitAffine     func(src, dst []geometry.Point2D) (geometry.AffineTransform, []int, error)
	fitHomography func(src, dst []geometry.Point2D) (geometry.Homography, []int, error)
	warp          func(img gocv.Mat, t geometry.Transform, w, h int) gocv.Mat
}

// New creates an Aligner wired to the real detection, matching and
// estimation stages.
func New(log *logrus.Logger) *Aligner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Aligner{
		log:    log,
		detect: features.Detect,
		match:  matching.MatchDescriptors,
		fitAffine: func(src, dst []geometry.Point2D) (geometry.AffineTransform, []int, error) {
			return estimate.AffineRANSAC(src, dst, estimate.DefaultIterations, estimate.DefaultThreshold)
		},
		fitHomography: func(src, dst []geometry.Point2D) (geometry.Homography, []int, error) {
			return estimate.HomographyRANSAC(src, dst, estimate.DefaultIterations, estimate.DefaultThreshold)
		},
		warp: canvas.WarpToFrame,
	}
}

// pair bundles the per-call state shared by strategies. All native
// objects it references are tracked by the call's scope.
type pair struct {
	scope     *imaging.Scope
	reference gocv.Mat
	target    gocv.Mat
	refSet    *features.Set
	tgtSet    *features.Set
	src, dst  []geometry.Point2D
	mode      matching.Mode
}

// strategy is one attempt at producing a transform for a pair. A
// returned error means "try the next strategy".
type strategy struct {
	name string
	run  func(p *pair) (geometry.Transform, error)
}

// Align computes the transform mapping target onto reference. The
// master-vs-master case short-circuits to an identity transform with a
// 1x1 placeholder diagnostic and never runs detection.
func (a *Aligner) Align(reference, target gocv.Mat, opts Options) (*Result, error) {
	if opts.IsMaster {
		return identityResult(opts), nil
	}
	if reference.Empty() || target.Empty() {
		return nil, fmt.Errorf("empty input image")
	}

	sc := imaging.NewScope()
	defer sc.Close()

	refSet, err := a.detect(reference)
	if err != nil {
		return nil, fmt.Errorf("reference feature extraction: %w", err)
	}
	sc.Track(refSet)

	tgtSet, err := a.detect(target)
	if err != nil {
		return nil, fmt.Errorf("target feature extraction: %w", err)
	}
	sc.Track(tgtSet)

	if refSet.Empty() || tgtSet.Empty() {
		return nil, features.ErrNoFeatures
	}

	mode := opts.Mode()
	matches, err := a.match(tgtSet, refSet, mode)
	if err != nil {
		return nil, err
	}

	p := &pair{
		scope:     sc,
		reference: reference,
		target:    target,
		refSet:    refSet,
		tgtSet:    tgtSet,
		mode:      mode,
	}
	p.src, p.dst = matching.Points(matches, tgtSet, refSet)

	var transform geometry.Transform
	var used string
	var lastErr error
	for _, s := range a.strategiesFor(opts) {
		transform, lastErr = s.run(p)
		if lastErr == nil {
			used = s.name
			break
		}
		a.log.WithFields(logrus.Fields{
			"strategy": s.name,
			"matches":  len(matches),
		}).Warnf("alignment strategy failed: %v", lastErr)
	}
	if transform == nil {
		return nil, fmt.Errorf("all alignment strategies exhausted: %w", lastErr)
	}

	a.log.WithFields(logrus.Fields{
		"strategy": used,
		"matches":  len(matches),
	}).Debug("alignment solved")

	return &Result{
		Transform:   transform,
		Diagnostic:  drawDiagnostic(target, tgtSet, reference, refSet, matches),
		GoodMatches: len(matches),
		Strategy:    used,
	}, nil
}

// strategiesFor returns the ordered fallback chain for the flags.
func (a *Aligner) strategiesFor(opts Options) []strategy {
	if opts.Perspective {
		return []strategy{
			{name: "coarse-fine homography", run: a.coarseFineHomography},
			{name: "direct homography", run: a.directHomography},
		}
	}
	if opts.Refine {
		return []strategy{
			{name: "refined affine", run: a.refinedAffine},
		}
	}
	return []strategy{
		{name: "single affine", run: a.singleAffine},
	}
}

// singleAffine fits one robust affine on the raw correspondences.
func (a *Aligner) singleAffine(p *pair) (geometry.Transform, error) {
	t, _, err := a.fitAffine(p.src, p.dst)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// directHomography fits one robust homography on the raw
// correspondences. The raw set already passed the mode's match-count
// gate, so no re-check happens here; the fit itself can still fail.
func (a *Aligner) directHomography(p *pair) (geometry.Transform, error) {
	h, _, err := a.fitHomography(p.src, p.dst)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// coarseFineHomography fits a coarse affine, warps the target by it,
// re-matches against the reference, and fits a residual homography on
// the re-matched correspondences. The refinement operates in the
// coarse-warped coordinate space, so it composes as refine * affine
// (affine applied first). Any stage failure hands control to the next
// strategy in the chain.
func (a *Aligner) coarseFineHomography(p *pair) (geometry.Transform, error) {
	coarse, _, err := a.fitAffine(p.src, p.dst)
	if err != nil {
		return nil, fmt.Errorf("coarse affine: %w", err)
	}

	rsrc, rdst, err := a.rematch(p, coarse)
	if err != nil {
		return nil, fmt.Errorf("rematch after coarse warp: %w", err)
	}

	refine, _, err := a.fitHomography(rsrc, rdst)
	if err != nil {
		return nil, fmt.Errorf("refinement homography: %w", err)
	}

	return refine.Mul(coarse.Homogeneous()), nil
}

// refinedAffine fits a coarse affine, warps, re-matches and fits a
// second affine on the refined correspondences. An insufficient
// re-match keeps the first affine silently: refinement is opportunistic
// for non-perspective alignment.
func (a *Aligner) refinedAffine(p *pair) (geometry.Transform, error) {
	first, _, err := a.fitAffine(p.src, p.dst)
	if err != nil {
		return nil, err
	}

	rsrc, rdst, err := a.rematch(p, first)
	if err != nil {
		a.log.WithField("reason", err.Error()).Debug("affine refinement skipped, keeping first fit")
		return first, nil
	}

	second, _, err := a.fitAffine(rsrc, rdst)
	if err != nil {
		a.log.WithField("reason", err.Error()).Debug("affine refinement fit failed, keeping first fit")
		return first, nil
	}

	// second operates in the space produced by first: embed both to
	// 3x3, take the product, extract the 2x3 result.
	composed := second.Homogeneous().Mul(first.Homogeneous())
	return composed.ToAffine(), nil
}

// rematch warps the target by the coarse transform and re-runs
// detection and matching against the reference on the warped image.
func (a *Aligner) rematch(p *pair, coarse geometry.AffineTransform) (src, dst []geometry.Point2D, err error) {
	warped := a.warp(p.target, coarse, p.reference.Cols(), p.reference.Rows())
	p.scope.Track(&warped)

	warpedSet, err := a.detect(warped)
	if err != nil {
		return nil, nil, err
	}
	p.scope.Track(warpedSet)

	if warpedSet.Empty() {
		return nil, nil, features.ErrNoFeatures
	}

	rematches, err := a.match(warpedSet, p.refSet, p.mode)
	if err != nil {
		return nil, nil, err
	}

	src, dst = matching.Points(rematches, warpedSet, p.refSet)
	return src, dst, nil
}

// identityResult is the master-vs-master short-circuit: an identity
// transform of the requested kind and a 1x1 placeholder diagnostic.
func identityResult(opts Options) *Result {
	var t geometry.Transform = geometry.Identity()
	if opts.Perspective {
		t = geometry.IdentityHomography()
	}
	return &Result{
		Transform:  t,
		Diagnostic: gocv.NewMatWithSize(1, 1, gocv.MatTypeCV8UC3),
		Strategy:   "identity",
	}
}

// drawDiagnostic renders matched keypoint pairs between target and
// reference for visual inspection of alignment quality. The match
// renderer accepts only 1- and 3-channel images, so inputs carrying an
// alpha channel (drift-corrected artifacts) are flattened to BGR first.
func drawDiagnostic(target gocv.Mat, tgtSet *features.Set, reference gocv.Mat, refSet *features.Set, matches []matching.Match) gocv.Mat {
	sc := imaging.NewScope()
	defer sc.Close()

	tgt := imaging.ToBGR(target)
	sc.Track(&tgt)
	ref := imaging.ToBGR(reference)
	sc.Track(&ref)

	dm := make([]gocv.DMatch, len(matches))
	for i, m := range matches {
		dm[i] = gocv.DMatch{QueryIdx: m.Query, TrainIdx: m.Train, Distance: m.Distance}
	}

	out := gocv.NewMat()
	gocv.DrawMatches(tgt, tgtSet.Keypoints, ref, refSet.Keypoints, dm, &out,
		color.RGBA{G: 255, A: 255}, color.RGBA{R: 255, A: 255}, nil, gocv.DrawDefault)
	return out
}
