package geometry

import (
	"math"
	"testing"
)

const tol = 1e-6

func pointsClose(a, b Point2D, eps float64) bool {
	return math.Abs(a.X-b.X) < eps && math.Abs(a.Y-b.Y) < eps
}

func TestAffineApplyRotationTranslation(t *testing.T) {
	tr := Translation(5, -3).Compose(Rotation(math.Pi / 2))
	got := tr.Apply(Point2D{X: 1, Y: 0})
	want := Point2D{X: 5, Y: -2}
	if !pointsClose(got, want, tol) {
		t.Fatalf("got (%v,%v), want (%v,%v)", got.X, got.Y, want.X, want.Y)
	}
}

func TestAffineInverseRoundTrip(t *testing.T) {
	tr := Translation(12.5, -7).Compose(Rotation(0.3)).Compose(Scale(1.2, 0.8))
	inv, ok := tr.Inverse()
	if !ok {
		t.Fatal("expected invertible transform")
	}

	pts := []Point2D{{0, 0}, {100, 50}, {-3.5, 42}, {700, 400}}
	for _, p := range pts {
		back := inv.Apply(tr.Apply(p))
		if !pointsClose(back, p, tol) {
			t.Errorf("round trip of (%v,%v) gave (%v,%v)", p.X, p.Y, back.X, back.Y)
		}
	}
}

func TestSingularAffineHasNoInverse(t *testing.T) {
	if _, ok := Scale(0, 1).Inverse(); ok {
		t.Fatal("expected singular transform to have no inverse")
	}
}

// Composing a homography with an embedded affine via matrix product must
// equal applying the affine first and the homography second.
func TestHomographyAffineComposition(t *testing.T) {
	a := Translation(5, 5).Compose(Rotation(0.25))
	h := Homography{
		{1.05, 0.02, -3},
		{-0.01, 0.98, 4},
		{1e-4, -2e-5, 1},
	}

	composed := h.Mul(a.Homogeneous())

	pts := []Point2D{{0, 0}, {0.5, 0.25}, {1, 1}, {0.1, 0.9}, {-0.4, 0.7}}
	for _, p := range pts {
		sequential := h.Apply(a.Apply(p))
		direct := composed.Apply(p)
		if !pointsClose(sequential, direct, tol) {
			t.Errorf("point (%v,%v): sequential (%v,%v) != composed (%v,%v)",
				p.X, p.Y, sequential.X, sequential.Y, direct.X, direct.Y)
		}
	}
}

func TestAffineEmbeddingRoundTrip(t *testing.T) {
	a := Rotation(1.1).Compose(Translation(-4, 9))
	h := a.Homogeneous()
	if !h.IsAffine() {
		t.Fatal("embedded affine must report IsAffine")
	}
	back := h.ToAffine()
	if back != a {
		t.Fatalf("embedding round trip changed transform: %+v != %+v", back, a)
	}
}

func TestAffineProductViaEmbeddingMatchesCompose(t *testing.T) {
	a1 := Rotation(0.2).Compose(Translation(3, 1))
	a2 := Scale(1.1, 0.9).Compose(Translation(-2, 5))

	viaEmbedding := a2.Homogeneous().Mul(a1.Homogeneous())
	if !viaEmbedding.IsAffine() {
		t.Fatal("product of two embedded affines must stay affine")
	}

	direct := a2.Compose(a1)
	got := viaEmbedding.ToAffine()
	for _, p := range []Point2D{{0, 0}, {10, 20}, {-5, 7}} {
		if !pointsClose(got.Apply(p), direct.Apply(p), tol) {
			t.Errorf("embedding product disagrees with Compose at (%v,%v)", p.X, p.Y)
		}
	}
}

func TestHomographyNormalize(t *testing.T) {
	h := Homography{{2, 0, 4}, {0, 2, -6}, {0, 0, 2}}
	n := h.Normalize()
	if n[2][2] != 1 {
		t.Fatalf("expected h22 == 1, got %v", n[2][2])
	}
	// Same projective mapping before and after.
	p := Point2D{X: 3, Y: -1}
	if !pointsClose(h.Apply(p), n.Apply(p), tol) {
		t.Fatal("normalization changed the mapping")
	}
}

func TestCentroidAndBoundingBox(t *testing.T) {
	pts := []Point2D{{0, 0}, {4, 0}, {4, 2}, {0, 2}}
	c := Centroid(pts)
	if !pointsClose(c, Point2D{X: 2, Y: 1}, tol) {
		t.Fatalf("centroid (%v,%v)", c.X, c.Y)
	}
	bb := BoundingBox(pts)
	if bb.X != 0 || bb.Y != 0 || bb.Width != 4 || bb.Height != 2 {
		t.Fatalf("bounding box %+v", bb)
	}
}
