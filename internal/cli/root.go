// Package cli wires the command-line surface: one-pair alignment,
// batch runs, directory watching and version reporting.
package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"matchcut/internal/config"
	"matchcut/internal/telemetry"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// app carries the state shared by all commands, built once in the
// root's persistent pre-run.
type app struct {
	cfgPath       string
	telemetryPath string

	cfg  config.Config
	log  *logrus.Logger
	ring *telemetry.Ring
}

// Execute runs the CLI and returns the command error, if any. The
// telemetry dump runs after the command either way: a failed run is
// when the captured events matter most.
func Execute() error {
	root, a := newRootCmd()
	err := root.Execute()
	if derr := a.dumpTelemetry(); derr != nil && err == nil {
		err = derr
	}
	return err
}

func newRootCmd() (*cobra.Command, *app) {
	a := &app{}

	root := &cobra.Command{
		Use:           "matchcut",
		Short:         "Align batches of near-duplicate photos onto a common reference frame",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.cfgPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log = cfg.Logger()
			a.ring = telemetry.NewRing(cfg.TelemetryCapacity)
			a.log.AddHook(a.ring)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "path to a JSON config file")
	root.PersistentFlags().StringVar(&a.telemetryPath, "telemetry", "", "write captured log events to this file as JSON lines")

	root.AddCommand(
		newAlignCmd(a),
		newBatchCmd(a),
		newWatchCmd(a),
		newVersionCmd(),
	)
	return root, a
}

// applyFlags folds explicitly set flags over the loaded config.
func (a *app) applyFlags(cmd *cobra.Command) error {
	f := cmd.Flags()
	for name, dst := range map[string]*bool{
		"greedy":      &a.cfg.Greedy,
		"refine":      &a.cfg.Refine,
		"perspective": &a.cfg.Perspective,
		"ensemble":    &a.cfg.Ensemble,
	} {
		if f.Changed(name) {
			v, err := f.GetBool(name)
			if err != nil {
				return err
			}
			*dst = v
		}
	}
	if f.Changed("aspect") {
		v, err := f.GetString("aspect")
		if err != nil {
			return err
		}
		a.cfg.Aspect = v
	}
	if f.Changed("out") {
		v, err := f.GetString("out")
		if err != nil {
			return err
		}
		a.cfg.OutputDir = v
	}
	return a.cfg.Validate()
}

func (a *app) dumpTelemetry() error {
	if a.telemetryPath == "" || a.ring == nil {
		return nil
	}
	f, err := os.Create(a.telemetryPath)
	if err != nil {
		return fmt.Errorf("creating telemetry file: %w", err)
	}
	defer f.Close()
	return a.ring.Dump(f)
}

// defaultDiagPath resolves where a pair's diagnostic image goes: an
// explicit flag wins, otherwise the configured diagnostic directory
// supplies a per-target default, otherwise no diagnostic is written.
func defaultDiagPath(flagValue, diagDir, targetPath string) string {
	if flagValue != "" {
		return flagValue
	}
	if diagDir == "" {
		return ""
	}
	return filepath.Join(diagDir, "diag_"+filepath.Base(targetPath))
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".tif":  true,
	".tiff": true,
}

func isImagePath(path string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(path))]
}
