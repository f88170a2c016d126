// Package estimate fits robust 2D transforms (affine and projective)
// from noisy point correspondences using RANSAC consensus.
package estimate

import (
	"errors"
	"fmt"
	"math/rand"

	"matchcut/pkg/geometry"

	"gonum.org/v1/gonum/mat"
)

// ErrNoConsensus is returned when RANSAC cannot find a transform
// supported by enough inliers. Callers treat it as fatal for the
// current strategy and may fall back to another one.
var ErrNoConsensus = errors.New("no consensus transform found")

// Default RANSAC budget. The inlier threshold is in pixels.
const (
	DefaultIterations = 2000
	DefaultThreshold  = 3.0
)

// AffineRANSAC computes a robust 2x3 affine transform mapping src
// points onto dst points. It samples minimal 3-point subsets, scores
// inlier agreement, and refits the winner on all inliers by least
// squares. Returns the transform, the inlier indices, and
// ErrNoConsensus when no supported fit exists.
func AffineRANSAC(src, dst []geometry.Point2D, iterations int, threshold float64) (geometry.AffineTransform, []int, error) {
	if len(src) != len(dst) {
		return geometry.AffineTransform{}, nil, fmt.Errorf("point count mismatch: %d vs %d", len(src), len(dst))
	}
	if len(src) < 3 {
		return geometry.AffineTransform{}, nil, fmt.Errorf("need at least 3 correspondences, got %d: %w", len(src), ErrNoConsensus)
	}

	n := len(src)
	bestInliers := []int{}
	var bestTransform geometry.AffineTransform

	for iter := 0; iter < iterations; iter++ {
		indices := rand.Perm(n)[:3]

		sample := make([]geometry.Point2D, 3)
		target := make([]geometry.Point2D, 3)
		for i, idx := range indices {
			sample[i] = src[idx]
			target[i] = dst[idx]
		}

		transform, err := affineFromPoints(sample, target)
		if err != nil {
			continue // degenerate sample (collinear points)
		}

		var inliers []int
		for i := range src {
			if transform.Apply(src[i]).Distance(dst[i]) < threshold {
				inliers = append(inliers, i)
			}
		}

		if len(inliers) > len(bestInliers) {
			bestInliers = inliers
			bestTransform = transform
		}
	}

	if len(bestInliers) < 3 {
		return geometry.AffineTransform{}, nil, ErrNoConsensus
	}

	// Refit on all inliers for sub-pixel accuracy
	inlierSrc := make([]geometry.Point2D, len(bestInliers))
	inlierDst := make([]geometry.Point2D, len(bestInliers))
	for i, idx := range bestInliers {
		inlierSrc[i] = src[idx]
		inlierDst[i] = dst[idx]
	}

	finalTransform, err := affineLeastSquares(inlierSrc, inlierDst)
	if err != nil {
		return bestTransform, bestInliers, nil
	}
	return finalTransform, bestInliers, nil
}

// affineFromPoints computes an affine transform from exactly 3 point pairs.
func affineFromPoints(src, dst []geometry.Point2D) (geometry.AffineTransform, error) {
	if len(src) != 3 || len(dst) != 3 {
		return geometry.AffineTransform{}, fmt.Errorf("need exactly 3 points")
	}

	// [x', y'] = [a, b, tx; c, d, ty] * [x, y, 1]
	A := mat.NewDense(6, 6, nil)
	B := mat.NewVecDense(6, nil)

	for i := 0; i < 3; i++ {
		x, y := src[i].X, src[i].Y
		xp, yp := dst[i].X, dst[i].Y

		A.Set(i*2, 0, x)
		A.Set(i*2, 1, y)
		A.Set(i*2, 2, 1)
		B.SetVec(i*2, xp)

		A.Set(i*2+1, 3, x)
		A.Set(i*2+1, 4, y)
		A.Set(i*2+1, 5, 1)
		B.SetVec(i*2+1, yp)
	}

	var params mat.VecDense
	if err := params.SolveVec(A, B); err != nil {
		return geometry.AffineTransform{}, err
	}

	return geometry.AffineTransform{
		A:  params.AtVec(0),
		B:  params.AtVec(1),
		TX: params.AtVec(2),
		C:  params.AtVec(3),
		D:  params.AtVec(4),
		TY: params.AtVec(5),
	}, nil
}

// affineLeastSquares solves the overdetermined system for n >= 3 pairs
// using QR decomposition.
func affineLeastSquares(src, dst []geometry.Point2D) (geometry.AffineTransform, error) {
	n := len(src)
	if n < 3 {
		return geometry.AffineTransform{}, fmt.Errorf("need at least 3 points")
	}

	A := mat.NewDense(n*2, 6, nil)
	B := mat.NewVecDense(n*2, nil)

	for i := 0; i < n; i++ {
		x, y := src[i].X, src[i].Y
		xp, yp := dst[i].X, dst[i].Y

		A.Set(i*2, 0, x)
		A.Set(i*2, 1, y)
		A.Set(i*2, 2, 1)
		B.SetVec(i*2, xp)

		A.Set(i*2+1, 3, x)
		A.Set(i*2+1, 4, y)
		A.Set(i*2+1, 5, 1)
		B.SetVec(i*2+1, yp)
	}

	var qr mat.QR
	qr.Factorize(A)

	var params mat.VecDense
	if err := qr.SolveVecTo(&params, false, B); err != nil {
		return geometry.AffineTransform{}, err
	}

	return geometry.AffineTransform{
		A:  params.AtVec(0),
		B:  params.AtVec(1),
		TX: params.AtVec(2),
		C:  params.AtVec(3),
		D:  params.AtVec(4),
		TY: params.AtVec(5),
	}, nil
}

// ResidualError computes the mean distance between transformed src
// points and their dst counterparts.
func ResidualError(src, dst []geometry.Point2D, t geometry.Transform) float64 {
	if len(src) != len(dst) || len(src) == 0 {
		return 0
	}
	var total float64
	for i := range src {
		total += t.Apply(src[i]).Distance(dst[i])
	}
	return total / float64(len(src))
}
