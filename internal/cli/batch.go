package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"matchcut/internal/imaging"
	"matchcut/internal/pipeline"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newBatchCmd(a *app) *cobra.Command {
	var masterName, diagDir string

	cmd := &cobra.Command{
		Use:   "batch <directory>",
		Short: "Align every image in a directory against a designated master",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.applyFlags(cmd); err != nil {
				return err
			}
			if masterName == "" {
				return fmt.Errorf("--master is required")
			}
			if diagDir == "" {
				diagDir = a.cfg.DiagnosticDir
			}
			return runBatch(a, args[0], masterName, diagDir)
		},
	}

	cmd.Flags().StringVar(&masterName, "master", "", "file name of the master image within the directory")
	cmd.Flags().StringVar(&diagDir, "diag-dir", "", "write match diagnostic images to this directory")
	cmd.Flags().Bool("greedy", false, "relax the match ratio test")
	cmd.Flags().Bool("refine", true, "two-stage affine refinement")
	cmd.Flags().Bool("perspective", false, "run the perspective sub-pass")
	cmd.Flags().Bool("ensemble", true, "run drift correction against the processed master")
	cmd.Flags().String("aspect", "9:16", "canonical output aspect ratio (9:16, 1:1, 16:9)")
	cmd.Flags().String("out", "out", "output directory")
	return cmd
}

func runBatch(a *app, dir, masterName, diagDir string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	items, err := loadBatch(dir)
	if err != nil {
		return err
	}
	defer func() {
		for i := range items {
			items[i].Image.Close()
		}
	}()
	if len(items) == 0 {
		return fmt.Errorf("no images found in %s", dir)
	}

	p := pipeline.New(a.log)
	res, err := p.Run(ctx, items, pipeline.Config{
		Master:      masterName,
		Greedy:      a.cfg.Greedy,
		Refine:      a.cfg.Refine,
		Perspective: a.cfg.Perspective,
		Ensemble:    a.cfg.Ensemble,
		Aspect:      a.cfg.AspectRatio(),
		Progress: func(done, total int, name string) {
			a.log.WithFields(logrus.Fields{
				"done":  done,
				"total": total,
				"item":  name,
			}).Info("progress")
		},
	})
	if err != nil {
		return err
	}
	defer res.Close()

	if err := os.MkdirAll(a.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	if diagDir != "" {
		if err := os.MkdirAll(diagDir, 0o755); err != nil {
			return fmt.Errorf("creating diagnostic directory: %w", err)
		}
	}

	for _, art := range res.Artifacts {
		outPath := filepath.Join(a.cfg.OutputDir, art.Name)
		if err := imaging.Save(outPath, art.Image); err != nil {
			return err
		}
		if diagDir != "" && !art.Diagnostic.Empty() {
			if err := imaging.Save(filepath.Join(diagDir, "diag_"+art.Name), art.Diagnostic); err != nil {
				return err
			}
		}
	}

	if summary := res.FailureSummary(); summary != "" {
		a.log.Warn(summary)
		if len(res.Artifacts) == 0 {
			return fmt.Errorf("batch produced no artifacts: %s", summary)
		}
	}
	a.log.WithFields(logrus.Fields{
		"run_id":    res.RunID,
		"artifacts": len(res.Artifacts),
		"output":    a.cfg.OutputDir,
	}).Info("batch complete")
	return nil
}

// loadBatch reads every image in dir, sorted by name for stable runs.
func loadBatch(dir string) ([]pipeline.Item, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading batch directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && isImagePath(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	items := make([]pipeline.Item, 0, len(names))
	for _, name := range names {
		img, err := imaging.Load(filepath.Join(dir, name))
		if err != nil {
			for i := range items {
				items[i].Image.Close()
			}
			return nil, fmt.Errorf("loading %s: %w", name, err)
		}
		items = append(items, pipeline.Item{Name: name, Image: img})
	}
	return items, nil
}
