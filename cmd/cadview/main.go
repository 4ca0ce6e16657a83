// Command cadview shows, inspects and converts 3D CAD models.
//
//	cadview view part.glb
//	cadview info a.stl b.obj
//	cadview snapshot -o part.png part.dae
//	cadview export -o part.stl part.fbx
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/soypat/cadview"
	"github.com/soypat/cadview/glload"
	"github.com/soypat/cadview/glrender"
	"github.com/soypat/cadview/internal/logx"
	"github.com/soypat/cadview/viewer"
	"github.com/spf13/cobra"
)

var (
	flagVerbose int
	flagQuiet   bool
	flagConfig  string
	flagFormat  string
)

var rootCmd = &cobra.Command{
	Use:          "cadview",
	Short:        "Interactive 3D CAD model viewer",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logx.UserLevel = logx.LevelFromFlags(flagVerbose >= 2, flagVerbose == 1, flagQuiet)
		logx.SetDefaultLogger()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.CountVarP(&flagVerbose, "verbose", "v", "informational output, -vv for debug output")
	pf.BoolVarP(&flagQuiet, "quiet", "q", false, "only show errors")
	pf.StringVar(&flagConfig, "config", "", "TOML configuration file")
	pf.StringVar(&flagFormat, "format", "", "model format token, overrides the file extension")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (viewer.Config, error) {
	if flagConfig == "" {
		return viewer.DefaultConfig(), nil
	}
	return viewer.LoadConfigFile(flagConfig)
}

// source picks the model from the arguments, falling back to the configured model.
func source(cfg viewer.Config, args []string) viewer.ModelSource {
	if len(args) == 0 {
		return cfg.Model
	}
	return viewer.ModelSource{URL: args[0], Format: flagFormat}
}

var viewCmd = &cobra.Command{
	Use:   "view [file|url]",
	Short: "Open a window showing a model",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if watch, _ := cmd.Flags().GetBool("watch"); watch {
			cfg.Watch = true
		}
		cb := viewer.Callbacks{
			OnLoadError: func(err *viewer.LoadError) { slog.Error("load failed", "err", err) },
			OnSelect: func(id string) {
				if id != "" {
					fmt.Fprintln(cmd.OutOrStdout(), "selected", id)
				}
			},
		}
		return viewer.Run(cmd.Context(), source(cfg, args), cfg, cb, slog.Default())
	},
}

var infoCmd = &cobra.Command{
	Use:   "info file|url...",
	Short: "Display format, mesh count, triangle count and bounds of models",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		reg := glload.NewRegistry(cfg.Loader)
		sources := make([]glload.Source, len(args))
		for i, arg := range args {
			sources[i] = glload.Source{URL: arg, Format: flagFormat}
		}
		results, err := reg.LoadAll(cmd.Context(), sources, 4)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		for i, res := range results {
			root := res.Root(filepath.Base(args[i]), nil)
			printInfo(w, args[i], res, root)
			root.Dispose()
		}
		return nil
	},
}

func printInfo(w io.Writer, name string, res glload.Result, root *cadview.Node) {
	var meshes, tris int
	root.Walk(func(n *cadview.Node) bool {
		if n.IsMesh() {
			meshes++
			tris += n.Geometry.TriangleCount()
		}
		return true
	})
	fmt.Fprintf(w, "%s\n", name)
	fmt.Fprintf(w, "  Format: %s\n", res.Format)
	if res.Placeholder {
		fmt.Fprintf(w, "  Placeholder: format not recognized\n")
	}
	fmt.Fprintf(w, "  Meshes: %d\n", meshes)
	fmt.Fprintf(w, "  Triangles: %d\n", tris)
	if bb, ok := root.WorldBounds(); ok {
		sz := bb.Size()
		fmt.Fprintf(w, "  Min: %.6g %.6g %.6g\n", bb.Min.X, bb.Min.Y, bb.Min.Z)
		fmt.Fprintf(w, "  Max: %.6g %.6g %.6g\n", bb.Max.X, bb.Max.Y, bb.Max.Z)
		fmt.Fprintf(w, "  Size: %.6g x %.6g x %.6g\n", sz.X, sz.Y, sz.Z)
	}
}

// headless loads src into a viewer drawing with the software backend and
// waits for the model to attach.
func headless(ctx context.Context, cfg viewer.Config, src viewer.ModelSource) (*viewer.Viewer, error) {
	var loadErr error
	cb := viewer.Callbacks{OnLoadError: func(err *viewer.LoadError) { loadErr = err }}
	v, err := viewer.New(glrender.NewHeadless(), cfg, cb, slog.Default())
	if err != nil {
		return nil, err
	}
	if _, err := v.LoadModel(ctx, src); err != nil {
		v.Close()
		return nil, err
	}
	v.Wait()
	if err := v.Step(); err != nil {
		v.Close()
		return nil, err
	}
	if loadErr != nil {
		v.Close()
		return nil, loadErr
	}
	return v, nil
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot [file|url]",
	Short: "Render a model to a PNG image without a window",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		width, _ := flags.GetInt("width")
		height, _ := flags.GetInt("height")
		out, _ := flags.GetString("output")
		if width > 0 && height > 0 {
			cfg.Width, cfg.Height = width, height
		}
		v, err := headless(cmd.Context(), cfg, source(cfg, args))
		if err != nil {
			return err
		}
		defer v.Close()
		return writeOutput(out, func(w io.Writer) error {
			return v.Snapshot(w, cfg.Width, cfg.Height)
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export [file|url]",
	Short: "Convert a model to binary STL in world coordinates",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out, _ := cmd.Flags().GetString("output")
		// Export does not draw; a minimal viewport keeps the software targets small.
		cfg.Width, cfg.Height = 1, 1
		v, err := headless(cmd.Context(), cfg, source(cfg, args))
		if err != nil {
			return err
		}
		defer v.Close()
		return writeOutput(out, func(w io.Writer) error {
			n, err := v.ExportSTL(w)
			slog.Info("exported STL", "triangles", n, "output", out)
			return err
		})
	},
}

// writeOutput writes to the named file, or stdout for "-".
func writeOutput(name string, fn func(io.Writer) error) error {
	if name == "-" {
		return fn(os.Stdout)
	}
	fp, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := fn(fp); err != nil {
		fp.Close()
		return err
	}
	return fp.Close()
}

func init() {
	viewCmd.Flags().Bool("watch", false, "reload the model when the file changes")
	snapshotCmd.Flags().StringP("output", "o", "cadview.png", "output PNG file, - for stdout")
	snapshotCmd.Flags().Int("width", 0, "image width, defaults to the configured viewport")
	snapshotCmd.Flags().Int("height", 0, "image height, defaults to the configured viewport")
	exportCmd.Flags().StringP("output", "o", "cadview.stl", "output STL file, - for stdout")
	rootCmd.AddCommand(viewCmd, infoCmd, snapshotCmd, exportCmd)
}
