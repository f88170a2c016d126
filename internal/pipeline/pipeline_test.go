package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"matchcut/internal/align"
	"matchcut/internal/canvas"
	"matchcut/internal/estimate"
	"matchcut/internal/imaging"
	"matchcut/pkg/geometry"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

const (
	composedSize  = 10
	correctedSize = 7
)

// stubbed wires a Pipeline whose stages work on marker-sized Mats:
// compose yields 10x10, drift correction 7x7, so the passes that ran
// on an artifact are readable from its dimensions.
func stubbed(failAlign map[string]bool) *Pipeline {
	p := New(testLogger())
	p.alignPair = func(reference, target gocv.Mat, opts align.Options) (*align.Result, error) {
		if len(failAlign) > 0 && failAlign[fmt.Sprintf("%dx%d", target.Cols(), target.Rows())] {
			return nil, estimate.ErrNoConsensus
		}
		var tr geometry.Transform = geometry.Identity()
		if opts.Perspective {
			tr = geometry.IdentityHomography()
		}
		return &align.Result{
			Transform:  tr,
			Diagnostic: gocv.NewMatWithSize(1, 1, gocv.MatTypeCV8UC3),
			Strategy:   "stub",
		}, nil
	}
	p.compose = func(img gocv.Mat, t geometry.Transform, w, h int, aspect canvas.AspectRatio) (gocv.Mat, error) {
		return gocv.NewMatWithSize(composedSize, composedSize, gocv.MatTypeCV8UC3), nil
	}
	p.correct = func(template, img gocv.Mat) gocv.Mat {
		return gocv.NewMatWithSize(correctedSize, correctedSize, gocv.MatTypeCV8UC4)
	}
	return p
}

// batch builds n uniquely sized items so stubs can tell them apart.
// Item k is (20+k)x(20+k); the master is item 0.
func batch(t *testing.T, n int) []Item {
	t.Helper()
	items := make([]Item, n)
	for i := range items {
		side := 20 + i
		items[i] = Item{
			Name:  fmt.Sprintf("img-%d", i),
			Image: gocv.NewMatWithSize(side, side, gocv.MatTypeCV8UC3),
		}
	}
	t.Cleanup(func() {
		for i := range items {
			items[i].Image.Close()
		}
	})
	return items
}

func TestRunEnsembleLeavesMasterUntouched(t *testing.T) {
	p := stubbed(nil)
	items := batch(t, 5)

	res, err := p.Run(context.Background(), items, Config{
		Master:   "img-0",
		Ensemble: true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	defer res.Close()

	if len(res.Artifacts) != 5 {
		t.Fatalf("got %d artifacts, want 5", len(res.Artifacts))
	}
	if res.RunID == "" {
		t.Error("run must carry an ID")
	}

	for _, a := range res.Artifacts {
		if a.Name == "img-0" {
			if a.Image.Cols() != composedSize {
				t.Errorf("master artifact was modified after stage 1 (size %d)", a.Image.Cols())
			}
			continue
		}
		if a.Image.Cols() != correctedSize {
			t.Errorf("%s skipped drift correction (size %d)", a.Name, a.Image.Cols())
		}
	}
}

func TestRunMasterNotFound(t *testing.T) {
	p := stubbed(nil)
	items := batch(t, 3)

	_, err := p.Run(context.Background(), items, Config{Master: "missing.jpg"})
	if !errors.Is(err, ErrMasterNotFound) {
		t.Fatalf("expected ErrMasterNotFound, got %v", err)
	}
}

func TestRunRecordsPerFileFailureAndContinues(t *testing.T) {
	// Item 2 is 22x22; make its alignment fail.
	p := stubbed(map[string]bool{"22x22": true})
	items := batch(t, 5)

	res, err := p.Run(context.Background(), items, Config{Master: "img-0"})
	if err != nil {
		t.Fatalf("one bad image aborted the batch: %v", err)
	}
	defer res.Close()

	if len(res.Artifacts) != 4 {
		t.Errorf("got %d artifacts, want 4", len(res.Artifacts))
	}
	if len(res.Failures) != 1 || res.Failures[0].Name != "img-2" {
		t.Fatalf("failures = %+v", res.Failures)
	}
	if _, ok := findArtifact(res.Artifacts, "img-2"); ok {
		t.Error("failed item must be excluded from the output set")
	}

	summary := res.FailureSummary()
	if !strings.Contains(summary, "img-2") || !strings.Contains(summary, "1 of 5") {
		t.Errorf("summary %q lacks the failed item or the counts", summary)
	}
}

func TestComposeFailureRecordsAndReleasesDiagnostic(t *testing.T) {
	p := stubbed(nil)
	p.compose = func(img gocv.Mat, tr geometry.Transform, w, h int, aspect canvas.AspectRatio) (gocv.Mat, error) {
		// Item 1 is 21x21.
		if img.Cols() == 21 {
			return gocv.Mat{}, fmt.Errorf("canvas rejected frame")
		}
		return gocv.NewMatWithSize(composedSize, composedSize, gocv.MatTypeCV8UC3), nil
	}
	items := batch(t, 3)

	before := imaging.LiveObjects()
	res, err := p.Run(context.Background(), items, Config{Master: "img-0"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	defer res.Close()

	if len(res.Failures) != 1 || res.Failures[0].Name != "img-1" {
		t.Fatalf("failures = %+v", res.Failures)
	}
	if len(res.Artifacts) != 2 {
		t.Errorf("got %d artifacts, want 2", len(res.Artifacts))
	}
	if got := imaging.LiveObjects(); got != before {
		t.Errorf("diagnostic of the failed item leaked: %d tracked objects outstanding", got-before)
	}
}

func TestRunCancelBetweenFiles(t *testing.T) {
	p := stubbed(nil)
	items := batch(t, 5)

	ctx, cancel := context.WithCancel(context.Background())
	processed := 0
	_, err := p.Run(ctx, items, Config{
		Master: "img-0",
		Progress: func(done, total int, name string) {
			processed++
			if processed == 2 {
				cancel()
			}
		},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
	if processed != 2 {
		t.Errorf("processed %d files after cancel, want 2", processed)
	}
}

func TestRunProgressCoversAllPasses(t *testing.T) {
	p := stubbed(nil)
	items := batch(t, 3)

	var calls int
	res, err := p.Run(context.Background(), items, Config{
		Master:   "img-0",
		Ensemble: true,
		Progress: func(done, total int, name string) { calls++ },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	defer res.Close()

	// 3 alignment files + 3 ensemble files.
	if calls != 6 {
		t.Errorf("progress called %d times, want 6", calls)
	}
}

func TestRunPerspectiveReplacesNonMasterArtifacts(t *testing.T) {
	p := stubbed(nil)
	items := batch(t, 3)

	var sawPerspective bool
	inner := p.alignPair
	p.alignPair = func(reference, target gocv.Mat, opts align.Options) (*align.Result, error) {
		if opts.Perspective {
			sawPerspective = true
		}
		return inner(reference, target, opts)
	}

	res, err := p.Run(context.Background(), items, Config{
		Master:      "img-0",
		Perspective: true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	defer res.Close()

	if !sawPerspective {
		t.Error("perspective sub-pass never requested a projective fit")
	}
	if len(res.Artifacts) != 3 {
		t.Errorf("got %d artifacts, want 3", len(res.Artifacts))
	}
}

func TestRunEnsembleThenPerspective(t *testing.T) {
	p := stubbed(nil)
	items := batch(t, 4)

	// The ensemble pass hands 4-channel drift-corrected artifacts to
	// the perspective sub-pass; the sub-pass must take them as they are.
	var perspectiveTargets []int
	inner := p.alignPair
	p.alignPair = func(reference, target gocv.Mat, opts align.Options) (*align.Result, error) {
		if opts.Perspective {
			perspectiveTargets = append(perspectiveTargets, target.Channels())
		}
		return inner(reference, target, opts)
	}

	res, err := p.Run(context.Background(), items, Config{
		Master:      "img-0",
		Ensemble:    true,
		Perspective: true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	defer res.Close()

	if len(res.Artifacts) != 4 {
		t.Fatalf("got %d artifacts, want 4", len(res.Artifacts))
	}
	if len(perspectiveTargets) != 3 {
		t.Fatalf("perspective pass saw %d targets, want the 3 non-master items", len(perspectiveTargets))
	}
	for _, ch := range perspectiveTargets {
		if ch != 4 {
			t.Errorf("perspective pass received a %d-channel target, want the ensemble's 4-channel output", ch)
		}
	}
	for _, a := range res.Artifacts {
		if a.Name == "img-0" && a.Image.Cols() != composedSize {
			t.Errorf("master artifact modified after stage 1")
		}
	}
}

func TestRunPerspectiveFailureKeepsEarlierArtifact(t *testing.T) {
	p := stubbed(nil)
	items := batch(t, 3)

	inner := p.alignPair
	p.alignPair = func(reference, target gocv.Mat, opts align.Options) (*align.Result, error) {
		if opts.Perspective {
			return nil, estimate.ErrNoConsensus
		}
		return inner(reference, target, opts)
	}

	res, err := p.Run(context.Background(), items, Config{
		Master:      "img-0",
		Perspective: true,
	})
	if err != nil {
		t.Fatalf("sub-pass failure aborted the run: %v", err)
	}
	defer res.Close()

	for _, a := range res.Artifacts {
		if a.Image.Empty() {
			t.Errorf("%s lost its stage-1 artifact", a.Name)
		}
	}
}

type fakeSynth struct {
	mu   sync.Mutex
	fail map[int]bool
	call int
}

func (s *fakeSynth) Synthesize(ctx context.Context, prompt string, refs []gocv.Mat) (gocv.Mat, error) {
	s.mu.Lock()
	s.call++
	n := s.call
	s.mu.Unlock()
	if s.fail[n] {
		return gocv.Mat{}, fmt.Errorf("backend rejected request %d", n)
	}
	return gocv.NewMatWithSize(30, 30, gocv.MatTypeCV8UC3), nil
}

func TestVariationsPartialFailureTolerantJoin(t *testing.T) {
	p := stubbed(nil)
	template := gocv.NewMatWithSize(30, 30, gocv.MatTypeCV8UC3)
	defer template.Close()

	// Second request fails; the siblings must still come back.
	synth := &fakeSynth{fail: map[int]bool{2: true}}
	vars, err := p.Variations(context.Background(), synth, "logo at night", template, nil, 4)
	if err != nil {
		t.Fatalf("Variations: %v", err)
	}
	defer func() {
		for _, v := range vars {
			v.Image.Close()
		}
	}()

	if len(vars) != 3 {
		t.Fatalf("got %d variations, want 3", len(vars))
	}
	for i := 1; i < len(vars); i++ {
		if vars[i-1].Index >= vars[i].Index {
			t.Errorf("variations out of order: %d before %d", vars[i-1].Index, vars[i].Index)
		}
	}
	for _, v := range vars {
		if v.Image.Cols() != correctedSize {
			t.Errorf("variation %d skipped drift correction", v.Index)
		}
	}
}

func TestVariationsAllFailed(t *testing.T) {
	p := stubbed(nil)
	template := gocv.NewMatWithSize(30, 30, gocv.MatTypeCV8UC3)
	defer template.Close()

	synth := &fakeSynth{fail: map[int]bool{1: true, 2: true}}
	if _, err := p.Variations(context.Background(), synth, "prompt", template, nil, 2); err == nil {
		t.Fatal("expected error when every variation fails")
	}
}

func TestVariationsZeroCount(t *testing.T) {
	p := stubbed(nil)
	vars, err := p.Variations(context.Background(), nil, "prompt", gocv.Mat{}, nil, 0)
	if err != nil || vars != nil {
		t.Fatalf("zero count must be a no-op, got %v, %v", vars, err)
	}
}
