package estimate

import (
	"fmt"
	"math"
	"math/rand"

	"matchcut/pkg/geometry"

	"gonum.org/v1/gonum/mat"
)

// HomographyRANSAC computes a robust 3x3 projective transform mapping
// src points onto dst points. It samples minimal 4-point subsets with
// an exact solve, scores inlier agreement, and refits the winner on all
// inliers with a normalized DLT. Returns ErrNoConsensus when no
// supported fit exists.
func HomographyRANSAC(src, dst []geometry.Point2D, iterations int, threshold float64) (geometry.Homography, []int, error) {
	if len(src) != len(dst) {
		return geometry.Homography{}, nil, fmt.Errorf("point count mismatch: %d vs %d", len(src), len(dst))
	}
	if len(src) < 4 {
		return geometry.Homography{}, nil, fmt.Errorf("need at least 4 correspondences, got %d: %w", len(src), ErrNoConsensus)
	}

	n := len(src)
	bestInliers := []int{}
	var bestH geometry.Homography

	for iter := 0; iter < iterations; iter++ {
		indices := rand.Perm(n)[:4]

		var sample, target [4]geometry.Point2D
		for i, idx := range indices {
			sample[i] = src[idx]
			target[i] = dst[idx]
		}

		h, err := homographyFromPoints(sample, target)
		if err != nil {
			continue // degenerate sample (three collinear points)
		}

		var inliers []int
		for i := range src {
			p := h.Apply(src[i])
			if math.IsInf(p.X, 0) {
				continue
			}
			if p.Distance(dst[i]) < threshold {
				inliers = append(inliers, i)
			}
		}

		if len(inliers) > len(bestInliers) {
			bestInliers = inliers
			bestH = h
		}
	}

	if len(bestInliers) < 4 {
		return geometry.Homography{}, nil, ErrNoConsensus
	}

	inlierSrc := make([]geometry.Point2D, len(bestInliers))
	inlierDst := make([]geometry.Point2D, len(bestInliers))
	for i, idx := range bestInliers {
		inlierSrc[i] = src[idx]
		inlierDst[i] = dst[idx]
	}

	refined, err := homographyDLT(inlierSrc, inlierDst)
	if err != nil {
		return bestH.Normalize(), bestInliers, nil
	}
	return refined, bestInliers, nil
}

// homographyFromPoints solves the exact 8x8 linear system for four
// point pairs, fixing h22 = 1.
func homographyFromPoints(src, dst [4]geometry.Point2D) (geometry.Homography, error) {
	A := mat.NewDense(8, 8, nil)
	B := mat.NewVecDense(8, nil)

	for i := 0; i < 4; i++ {
		x, y := src[i].X, src[i].Y
		xp, yp := dst[i].X, dst[i].Y
		r := 2 * i

		// x' = (h00 x + h01 y + h02) / (h20 x + h21 y + 1)
		A.Set(r, 0, x)
		A.Set(r, 1, y)
		A.Set(r, 2, 1)
		A.Set(r, 6, -x*xp)
		A.Set(r, 7, -y*xp)
		B.SetVec(r, xp)

		// y' = (h10 x + h11 y + h12) / (h20 x + h21 y + 1)
		A.Set(r+1, 3, x)
		A.Set(r+1, 4, y)
		A.Set(r+1, 5, 1)
		A.Set(r+1, 6, -x*yp)
		A.Set(r+1, 7, -y*yp)
		B.SetVec(r+1, yp)
	}

	var h mat.VecDense
	if err := h.SolveVec(A, B); err != nil {
		return geometry.Homography{}, err
	}

	return geometry.Homography{
		{h.AtVec(0), h.AtVec(1), h.AtVec(2)},
		{h.AtVec(3), h.AtVec(4), h.AtVec(5)},
		{h.AtVec(6), h.AtVec(7), 1},
	}, nil
}

// homographyDLT solves the overdetermined system for n >= 4 pairs via
// the direct linear transform with Hartley normalization: both point
// sets are translated to their centroid and scaled to mean distance
// sqrt(2) before the SVD, which conditions the system.
func homographyDLT(src, dst []geometry.Point2D) (geometry.Homography, error) {
	n := len(src)
	if n < 4 {
		return geometry.Homography{}, fmt.Errorf("need at least 4 points")
	}
	if n == 4 {
		// The 8x9 thin SVD does not expose the null vector; the exact
		// solve is the right tool for a minimal set.
		var s, d [4]geometry.Point2D
		copy(s[:], src)
		copy(d[:], dst)
		return homographyFromPoints(s, d)
	}

	tSrc, ok := normalizingTransform(src)
	if !ok {
		return geometry.Homography{}, fmt.Errorf("degenerate source points")
	}
	tDst, ok := normalizingTransform(dst)
	if !ok {
		return geometry.Homography{}, fmt.Errorf("degenerate destination points")
	}

	A := mat.NewDense(2*n, 9, nil)
	for i := 0; i < n; i++ {
		p := tSrc.Apply(src[i])
		q := tDst.Apply(dst[i])
		r := 2 * i

		A.Set(r, 0, -p.X)
		A.Set(r, 1, -p.Y)
		A.Set(r, 2, -1)
		A.Set(r, 6, q.X*p.X)
		A.Set(r, 7, q.X*p.Y)
		A.Set(r, 8, q.X)

		A.Set(r+1, 3, -p.X)
		A.Set(r+1, 4, -p.Y)
		A.Set(r+1, 5, -1)
		A.Set(r+1, 6, q.Y*p.X)
		A.Set(r+1, 7, q.Y*p.Y)
		A.Set(r+1, 8, q.Y)
	}

	var svd mat.SVD
	if ok := svd.Factorize(A, mat.SVDThinV); !ok {
		return geometry.Homography{}, fmt.Errorf("SVD failed to converge")
	}
	var v mat.Dense
	svd.VTo(&v)

	// Null space: right singular vector of the smallest singular value.
	_, cols := v.Dims()
	h := make([]float64, 9)
	for i := 0; i < 9; i++ {
		h[i] = v.At(i, cols-1)
	}

	normalized := geometry.Homography{
		{h[0], h[1], h[2]},
		{h[3], h[4], h[5]},
		{h[6], h[7], h[8]},
	}

	// Denormalize: H = tDst^-1 * H' * tSrc
	tDstInv, ok := tDst.Inverse()
	if !ok {
		return geometry.Homography{}, fmt.Errorf("normalization not invertible")
	}
	full := tDstInv.Homogeneous().Mul(normalized).Mul(tSrc.Homogeneous())
	return full.Normalize(), nil
}

// normalizingTransform returns the similarity transform that moves the
// centroid to the origin and scales the mean distance to sqrt(2).
func normalizingTransform(pts []geometry.Point2D) (geometry.AffineTransform, bool) {
	c := geometry.Centroid(pts)

	var meanDist float64
	for _, p := range pts {
		meanDist += p.Distance(c)
	}
	meanDist /= float64(len(pts))
	if meanDist < 1e-12 {
		return geometry.AffineTransform{}, false
	}

	s := math.Sqrt2 / meanDist
	return geometry.AffineTransform{
		A: s, B: 0, TX: -s * c.X,
		C: 0, D: s, TY: -s * c.Y,
	}, true
}
