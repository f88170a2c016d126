// Package pipeline sequences master-vs-target alignment across a file
// set: a first alignment pass over every item, an optional ensemble
// drift-correction pass against the processed master, and an optional
// perspective sub-pass. One bad image never aborts the batch; per-file
// failures are accumulated and reported alongside the artifacts that
// did succeed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"matchcut/internal/align"
	"matchcut/internal/canvas"
	"matchcut/internal/imaging"
	"matchcut/internal/refine"
	"matchcut/pkg/geometry"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// Pipeline-level invariant violations. Both abort the whole run.
var (
	ErrMasterNotFound         = errors.New("master image not found in batch")
	ErrProcessedMasterMissing = errors.New("processed master missing from stage results")
)

// Item is one input image of a batch.
type Item struct {
	Name  string
	Image gocv.Mat
}

// Artifact is one processed output. The caller owns both Mats.
type Artifact struct {
	Name       string
	Image      gocv.Mat
	Diagnostic gocv.Mat
}

// Close releases the artifact's native buffers.
func (a *Artifact) Close() error {
	err := a.Image.Close()
	if derr := a.Diagnostic.Close(); err == nil {
		err = derr
	}
	return err
}

// Config selects the behavior of one batch run.
type Config struct {
	Master      string
	Greedy      bool
	Refine      bool
	Perspective bool
	Ensemble    bool
	Aspect      canvas.AspectRatio

	// Progress, when set, is called after each file of each pass.
	Progress func(done, total int, name string)
}

// FileFailure records one item that produced no artifact.
type FileFailure struct {
	Name string
	Err  error
}

// Result is the outcome of one batch run. Artifacts hold the items
// that aligned; Failures the ones that did not. The caller owns the
// artifacts and must Close them.
type Result struct {
	RunID     string
	Artifacts []*Artifact
	Failures  []FileFailure
}

// Close releases every artifact.
func (r *Result) Close() error {
	var first error
	for _, a := range r.Artifacts {
		if err := a.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// FailureSummary combines per-file failures into one message, empty
// when the whole batch succeeded.
func (r *Result) FailureSummary() string {
	if len(r.Failures) == 0 {
		return ""
	}
	parts := make([]string, len(r.Failures))
	for i, f := range r.Failures {
		parts[i] = fmt.Sprintf("%s: %v", f.Name, f.Err)
	}
	return fmt.Sprintf("%d of %d items failed: %s",
		len(r.Failures), len(r.Failures)+len(r.Artifacts), strings.Join(parts, "; "))
}

// Pipeline drives batch runs. The stage functions are fields so batch
// control flow can be exercised without the vision stack.
type Pipeline struct {
	log *logrus.Logger

	alignPair func(reference, target gocv.Mat, opts align.Options) (*align.Result, error)
	compose   func(img gocv.Mat, t geometry.Transform, w, h int, aspect canvas.AspectRatio) (gocv.Mat, error)
	correct   func(template, img gocv.Mat) gocv.Mat
}

// New creates a Pipeline wired to the real aligner and refiner.
func New(log *logrus.Logger) *Pipeline {
	if log == nil {
		log = logrus.StandardLogger()
	}
	aligner := align.New(log)
	refiner := refine.New(log)
	return &Pipeline{
		log:       log,
		alignPair: aligner.Align,
		compose:   canvas.Compose,
		correct:   refiner.Apply,
	}
}

// Run aligns every item of the batch against the designated master,
// then applies the configured correction passes. Cancellation is
// honored between files, never mid-alignment. A per-file failure is
// recorded and the run continues; only pipeline-level invariant
// violations or cancellation abort the run.
func (p *Pipeline) Run(ctx context.Context, items []Item, cfg Config) (*Result, error) {
	master, ok := findItem(items, cfg.Master)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMasterNotFound, cfg.Master)
	}

	res := &Result{RunID: uuid.NewString()}
	log := p.log.WithField("run_id", res.RunID)
	log.WithFields(logrus.Fields{
		"items":  len(items),
		"master": cfg.Master,
	}).Info("batch run started")

	if err := p.alignmentPass(ctx, items, master, cfg, res); err != nil {
		res.Close()
		return nil, err
	}

	if cfg.Ensemble {
		if err := p.ensemblePass(ctx, cfg, res); err != nil {
			res.Close()
			return nil, err
		}
	}

	if cfg.Perspective {
		if err := p.perspectivePass(ctx, cfg, res); err != nil {
			res.Close()
			return nil, err
		}
	}

	log.WithFields(logrus.Fields{
		"artifacts": len(res.Artifacts),
		"failures":  len(res.Failures),
	}).Info("batch run finished")
	return res, nil
}

// alignmentPass is stage 1: every item, master included, is aligned
// against the master and composed onto the canonical canvas.
func (p *Pipeline) alignmentPass(ctx context.Context, items []Item, master Item, cfg Config, res *Result) error {
	refW, refH := master.Image.Cols(), master.Image.Rows()

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("batch aborted: %w", err)
		}

		opts := align.Options{
			Greedy:   cfg.Greedy,
			Refine:   cfg.Refine,
			IsMaster: item.Name == master.Name,
		}

		ar, err := p.alignPair(master.Image, item.Image, opts)
		if err != nil {
			p.log.WithField("item", item.Name).Warnf("alignment failed: %v", err)
			res.Failures = append(res.Failures, FileFailure{Name: item.Name, Err: err})
			p.progress(cfg, i+1, len(items), item.Name)
			continue
		}

		art, err := p.buildArtifact(item.Name, item.Image, ar, refW, refH, cfg.Aspect)
		if err != nil {
			res.Failures = append(res.Failures, FileFailure{Name: item.Name, Err: err})
			p.progress(cfg, i+1, len(items), item.Name)
			continue
		}

		res.Artifacts = append(res.Artifacts, art)
		p.progress(cfg, i+1, len(items), item.Name)
	}
	return nil
}

// ensemblePass re-aligns every non-master artifact against the
// processed master to reduce cross-image drift. The master's own
// artifact is the golden template and stays untouched.
func (p *Pipeline) ensemblePass(ctx context.Context, cfg Config, res *Result) error {
	template, ok := findArtifact(res.Artifacts, cfg.Master)
	if !ok {
		return ErrProcessedMasterMissing
	}

	for i, art := range res.Artifacts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("batch aborted: %w", err)
		}
		if art.Name == cfg.Master {
			p.progress(cfg, i+1, len(res.Artifacts), art.Name)
			continue
		}

		corrected := p.correct(template.Image, art.Image)
		art.Image.Close()
		art.Image = corrected
		p.progress(cfg, i+1, len(res.Artifacts), art.Name)
	}
	return nil
}

// perspectivePass re-aligns every non-master artifact against the
// processed master with a projective model and replaces the artifact
// wholesale. A per-file failure here keeps the earlier artifact: the
// sub-pass improves results, it never destroys them.
func (p *Pipeline) perspectivePass(ctx context.Context, cfg Config, res *Result) error {
	template, ok := findArtifact(res.Artifacts, cfg.Master)
	if !ok {
		return ErrProcessedMasterMissing
	}
	refW, refH := template.Image.Cols(), template.Image.Rows()

	for i, art := range res.Artifacts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("batch aborted: %w", err)
		}
		if art.Name == cfg.Master {
			p.progress(cfg, i+1, len(res.Artifacts), art.Name)
			continue
		}

		opts := align.Options{Greedy: cfg.Greedy, Perspective: true}
		ar, err := p.alignPair(template.Image, art.Image, opts)
		if err != nil {
			p.log.WithField("item", art.Name).Warnf("perspective pass failed, keeping earlier result: %v", err)
			p.progress(cfg, i+1, len(res.Artifacts), art.Name)
			continue
		}

		replacement, err := p.buildArtifact(art.Name, art.Image, ar, refW, refH, cfg.Aspect)
		if err != nil {
			p.log.WithField("item", art.Name).Warnf("perspective compose failed, keeping earlier result: %v", err)
			p.progress(cfg, i+1, len(res.Artifacts), art.Name)
			continue
		}

		art.Image.Close()
		art.Diagnostic.Close()
		*art = *replacement
		p.progress(cfg, i+1, len(res.Artifacts), art.Name)
	}
	return nil
}

// buildArtifact composes one aligned pair into an output artifact.
// The diagnostic stays scope-tracked until composition succeeds, so a
// compose failure releases it instead of leaking it; on success
// ownership detaches to the artifact.
func (p *Pipeline) buildArtifact(name string, img gocv.Mat, ar *align.Result, refW, refH int, aspect canvas.AspectRatio) (*Artifact, error) {
	sc := imaging.NewScope()
	defer sc.Close()
	sc.Track(&ar.Diagnostic)

	composed, err := p.compose(img, ar.Transform, refW, refH, aspect)
	if err != nil {
		return nil, err
	}

	sc.Detach(&ar.Diagnostic)
	return &Artifact{Name: name, Image: composed, Diagnostic: ar.Diagnostic}, nil
}

func (p *Pipeline) progress(cfg Config, done, total int, name string) {
	if cfg.Progress != nil {
		cfg.Progress(done, total, name)
	}
}

func findItem(items []Item, name string) (Item, bool) {
	for _, it := range items {
		if it.Name == name {
			return it, true
		}
	}
	return Item{}, false
}

func findArtifact(arts []*Artifact, name string) (*Artifact, bool) {
	for _, a := range arts {
		if a.Name == name {
			return a, true
		}
	}
	return nil, false
}
