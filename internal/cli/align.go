package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"matchcut/internal/align"
	"matchcut/internal/canvas"
	"matchcut/internal/imaging"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newAlignCmd(a *app) *cobra.Command {
	var diagPath string

	cmd := &cobra.Command{
		Use:   "align <reference> <target>",
		Short: "Align one target image onto a reference image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.applyFlags(cmd); err != nil {
				return err
			}
			return runAlign(a, args[0], args[1], diagPath)
		},
	}

	cmd.Flags().Bool("greedy", false, "relax the match ratio test")
	cmd.Flags().Bool("refine", true, "two-stage affine refinement")
	cmd.Flags().Bool("perspective", false, "estimate a projective transform")
	cmd.Flags().String("aspect", "9:16", "canonical output aspect ratio (9:16, 1:1, 16:9)")
	cmd.Flags().String("out", "out", "output directory")
	cmd.Flags().StringVar(&diagPath, "diag", "", "write the match diagnostic image to this path")
	return cmd
}

func runAlign(a *app, refPath, tgtPath, diagPath string) error {
	reference, err := imaging.Load(refPath)
	if err != nil {
		return fmt.Errorf("loading reference: %w", err)
	}
	defer reference.Close()

	target, err := imaging.Load(tgtPath)
	if err != nil {
		return fmt.Errorf("loading target: %w", err)
	}
	defer target.Close()

	aligner := align.New(a.log)
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

	if err := os.MkdirAll(a.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	outPath := filepath.Join(a.cfg.OutputDir, filepath.Base(tgtPath))
	if err := imaging.Save(outPath, composed); err != nil {
		return err
	}

	if diagPath = defaultDiagPath(diagPath, a.cfg.DiagnosticDir, tgtPath); diagPath != "" {
		if err := os.MkdirAll(filepath.Dir(diagPath), 0o755); err != nil {
			return fmt.Errorf("creating diagnostic directory: %w", err)
		}
		if err := imaging.Save(diagPath, res.Diagnostic); err != nil {
			return err
		}
	}

	a.log.WithFields(logrus.Fields{
		"strategy": res.Strategy,
		"matches":  res.GoodMatches,
		"output":   outPath,
	}).Info("pair aligned")
	return nil
}
