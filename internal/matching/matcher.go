// Package matching finds candidate keypoint correspondences between two
// descriptor sets via k-nearest-neighbor Hamming matching and Lowe's
// ratio test.
package matching

import (
	"fmt"

	"matchcut/internal/features"
	"matchcut/internal/imaging"
	"matchcut/pkg/geometry"

	"gocv.io/x/gocv"
)

// Mode selects the ratio-test strictness. Greedy mode trades match
// quality for a higher chance of finding any usable correspondence set.
type Mode int

const (
	ModeNormal Mode = iota
	ModeGreedy
)

// RatioThreshold returns the Lowe ratio-test threshold for the mode.
func (m Mode) RatioThreshold() float64 {
	if m == ModeGreedy {
		return 0.85
	}
	return 0.75
}

// MinGoodMatches returns the minimum surviving match count for the mode.
func (m Mode) MinGoodMatches() int {
	if m == ModeGreedy {
		return 5
	}
	return 10
}

func (m Mode) String() string {
	if m == ModeGreedy {
		return "greedy"
	}
	return "normal"
}

// Match pairs a query keypoint index with a train keypoint index.
type Match struct {
	Query    int
	Train    int
	Distance float64
}

// InsufficientMatchesError reports that the ratio-test survivors fell
// below the mode minimum. It is the expected, dominant failure of the
// whole engine, so the message carries the numbers a user needs.
type InsufficientMatchesError struct {
	Count    int
	Required int
	Ratio    float64
}

func (e *InsufficientMatchesError) Error() string {
	return fmt.Sprintf("insufficient good matches: %d found, %d required at ratio %.2f (greedy mode may help)",
		e.Count, e.Required, e.Ratio)
}

// MatchDescriptors finds ratio-test-filtered correspondences from query
// to train. Returns features.ErrNoFeatures when either set is empty and
// *InsufficientMatchesError when too few candidates survive the test.
func MatchDescriptors(query, train *features.Set, mode Mode) ([]Match, error) {
	if query.Empty() || train.Empty() {
		return nil, features.ErrNoFeatures
	}

	sc := imaging.NewScope()
	defer sc.Close()

	matcher := gocv.NewBFMatcherWithParams(gocv.NormHamming, false)
	sc.Track(&matcher)

	knn := matcher.KnnMatch(query.Descriptors, train.Descriptors, 2)
	good := filterRatio(knn, mode.RatioThreshold())

	if len(good) < mode.MinGoodMatches() {
		return nil, &InsufficientMatchesError{
			Count:    len(good),
			Required: mode.MinGoodMatches(),
			Ratio:    mode.RatioThreshold(),
		}
	}
	return good, nil
}

// filterRatio keeps a candidate only when its nearest neighbor is
// clearly better than the second-nearest. Candidates without a second
// neighbor are dropped: they cannot be disambiguated.
func filterRatio(knn [][]gocv.DMatch, ratio float64) []Match {
	good := make([]Match, 0, len(knn))
	for _, pair := range knn {
		if len(pair) < 2 {
			continue
		}
		if pair[0].Distance < ratio*pair[1].Distance {
			good = append(good, Match{
				Query:    pair[0].QueryIdx,
				Train:    pair[0].TrainIdx,
				Distance: pair[0].Distance,
			})
		}
	}
	return good
}

// Points resolves matches into paired coordinate lists: src from the
// query set, dst from the train set, index-aligned.
func Points(matches []Match, query, train *features.Set) (src, dst []geometry.Point2D) {
	src = make([]geometry.Point2D, len(matches))
	dst = make([]geometry.Point2D, len(matches))
	for i, m := range matches {
		src[i] = query.Point(m.Query)
		dst[i] = train.Point(m.Train)
	}
	return src, dst
}
