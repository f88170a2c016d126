package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"matchcut/internal/align"
	"matchcut/internal/canvas"
	"matchcut/internal/imaging"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"gocv.io/x/gocv"
)

func newWatchCmd(a *app) *cobra.Command {
	var masterPath string

	cmd := &cobra.Command{
		Use:   "watch <directory>",
		Short: "Watch a directory and align new images as they appear",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.applyFlags(cmd); err != nil {
				return err
			}
			if masterPath == "" {
				return fmt.Errorf("--master is required")
			}
			return runWatch(a, args[0], masterPath)
		},
	}

	cmd.Flags().StringVar(&masterPath, "master", "", "path to the reference image")
	cmd.Flags().Bool("greedy", false, "relax the match ratio test")
	cmd.Flags().Bool("refine", true, "two-stage affine refinement")
	cmd.Flags().Bool("perspective", false, "estimate a projective transform")
	cmd.Flags().String("aspect", "9:16", "canonical output aspect ratio (9:16, 1:1, 16:9)")
	cmd.Flags().String("out", "out", "output directory")
	return cmd
}

func runWatch(a *app, dir, masterPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reference, err := imaging.Load(masterPath)
	if err != nil {
		return fmt.Errorf("loading reference: %w", err)
	}
	defer reference.Close()

	if err := os.MkdirAll(a.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	aligner := align.New(a.log)
	a.log.WithField("dir", dir).Info("watching for new images")

	for {
		select {
		case <-ctx.Done():
			a.log.Info("watch stopped")
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) || !isImagePath(event.Name) {
				continue
			}
			if err := alignOne(a, aligner, reference, event.Name); err != nil {
				a.log.WithField("file", event.Name).Warnf("skipping: %v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.log.Warnf("watch error: %v", err)
		}
	}
}

func alignOne(a *app, aligner *align.Aligner, reference gocv.Mat, path string) error {
	target, err := imaging.Load(path)
	if err != nil {
		return err
	}
	defer target.Close()

	res, err := aligner.Align(reference, target, align.Options{
		Greedy:      a.cfg.Greedy,
		Refine:      a.cfg.Refine,
		Perspective: a.cfg.Perspective,
	})
	if err != nil {
		return err
	}
	defer res.Diagnostic.Close()

	composed, err := canvas.Compose(target, res.Transform, reference.Cols(), reference.Rows(), a.cfg.AspectRatio())
	if err != nil {
		return err
	}
	defer composed.Close()

	outPath := filepath.Join(a.cfg.OutputDir, filepath.Base(path))
	if err := imaging.Save(outPath, composed); err != nil {
		return err
	}
	a.log.WithField("output", outPath).Info("aligned new image")
	return nil
}
