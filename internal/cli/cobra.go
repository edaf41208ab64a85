package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"edgedetect/internal/analysis"
	"edgedetect/internal/batch"
	"edgedetect/internal/camera"
	"edgedetect/internal/codec"
	"edgedetect/internal/edge"
	"edgedetect/internal/fsutil"
	"edgedetect/internal/jobs"
	"edgedetect/internal/server"
	"edgedetect/internal/sheet"
	"edgedetect/internal/testimage"
)

// NewRootCmd creates the root Cobra command. The caller closes root once the
// command returns.
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "edgedetect",
		Short: "Classical edge detection for images, folders and live video",
		Long: `edgedetect runs grayscale, Gaussian blur, Sobel, Laplacian and Canny over
images from the command line, a watched folder, a web API or a camera.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return root.setup(cmd.Context())
		},
	}
	rootCmd.PersistentFlags().StringVarP(&root.cfgPath, "config", "c", "", "config file (default $EDGEDETECT_CONFIG or ./config.yaml)")

	rootCmd.AddCommand(newDetectCmd(root))
	rootCmd.AddCommand(newBatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newCameraCmd(root))
	rootCmd.AddCommand(newAnalyzeCmd(root))
	rootCmd.AddCommand(newSheetCmd(root))
	rootCmd.AddCommand(newTestImageCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// processFlags override the configured stage parameters and output
// encoding. Only flags given on the command line apply.
type processFlags struct {
	blurKernel string
	sigma      float64
	sobel      int
	laplacian  int
	cannyLow   int
	cannyHigh  int
	format     string
	quality    int
	sheet      bool
}

func addProcessFlags(cmd *cobra.Command, pf *processFlags) {
	f := cmd.Flags()
	f.StringVar(&pf.blurKernel, "blur-kernel", "", "Gaussian kernel, N or WxH, odd values")
	f.Float64Var(&pf.sigma, "sigma", 0, "Gaussian sigma")
	f.IntVar(&pf.sobel, "sobel-kernel", 0, "Sobel aperture (1, 3, 5 or 7)")
	f.IntVar(&pf.laplacian, "laplacian-kernel", 0, "Laplacian aperture (odd, 1-31)")
	f.IntVar(&pf.cannyLow, "canny-low", 0, "Canny lower threshold")
	f.IntVar(&pf.cannyHigh, "canny-high", 0, "Canny upper threshold")
	f.StringVar(&pf.format, "format", "", "output format (jpg|png|bmp|tiff)")
	f.IntVar(&pf.quality, "quality", 0, "JPEG quality 1-100")
	f.BoolVar(&pf.sheet, "sheet", false, "also write a contact sheet per image")
}

func (r *Root) runnerOptions(cmd *cobra.Command, pf *processFlags) (batch.Options, error) {
	opts := batch.OptionsFromConfig(r.cfg)
	f := cmd.Flags()
	p := &opts.Params
	if f.Changed("blur-kernel") {
		k, err := edge.ParseKernel(pf.blurKernel)
		if err != nil {
			return opts, err
		}
		p.BlurKernel = k
	}
	if f.Changed("sigma") {
		p.Sigma = pf.sigma
	}
	if f.Changed("sobel-kernel") {
		p.SobelKernel = pf.sobel
	}
	if f.Changed("laplacian-kernel") {
		p.LaplacianKernel = pf.laplacian
	}
	if f.Changed("canny-low") {
		p.CannyLow = pf.cannyLow
	}
	if f.Changed("canny-high") {
		p.CannyHigh = pf.cannyHigh
	}
	if err := p.Validate(); err != nil {
		return opts, err
	}
	if f.Changed("format") {
		format, err := codec.ParseFormat(pf.format)
		if err != nil {
			return opts, err
		}
		opts.Format = format
	}
	if f.Changed("quality") {
		if pf.quality < 1 || pf.quality > 100 {
			return opts, fmt.Errorf("quality %d not in 1..100", pf.quality)
		}
		opts.Quality = pf.quality
	}
	if f.Changed("sheet") {
		opts.Sheet = pf.sheet
	}
	return opts, nil
}

func newDetectCmd(root *Root) *cobra.Command {
	var (
		pf     processFlags
		output string
	)

	cmd := &cobra.Command{
		Use:   "detect <image>",
		Short: "Run every stage over one image",
		Long: `Run grayscale, blur, Sobel, Laplacian and Canny over an image and write
each result as <output>/<name>_<stage>.<format>.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			opts, err := root.runnerOptions(cmd, &pf)
			if err != nil {
				return err
			}
			if output == "" {
				output = root.cfg.Output.Directory
			}
			pl, err := root.queue(ctx, opts, 1)
			if err != nil {
				return err
			}

			res, err := root.enqueueAndWait(ctx, pl, jobs.Job{
				ID:        newID("detect"),
				Type:      jobs.JobDetect,
				InputPath: args[0],
				Output:    output,
				Options:   map[string]any{"source": "cli"},
			})
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Processed %s\n", args[0])
			outputs, _ := res.Meta["outputs"].([]string)
			for _, p := range outputs {
				fmt.Fprintf(w, "  saved %s\n", p)
			}
			return nil
		},
	}
	addProcessFlags(cmd, &pf)
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory (default from config)")
	return cmd
}

func newBatchCmd(root *Root) *cobra.Command {
	var (
		pf      processFlags
		input   string
		output  string
		workers int
		watch   bool
	)

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Process every image in a folder",
		Long: `Process every supported image directly inside the input folder. A file
that fails is reported and the rest continue. With --watch the folder is
then monitored and new images are processed as they arrive.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			opts, err := root.runnerOptions(cmd, &pf)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("workers") {
				if workers < 1 {
					return fmt.Errorf("workers must be at least 1")
				}
				opts.Workers = workers
			}
			if input == "" {
				input = root.cfg.Batch.InputDir
			}
			if output == "" {
				output = root.cfg.Output.Directory
			}

			pl, err := root.queue(ctx, opts, 1)
			if err != nil {
				return err
			}
			res, err := root.enqueueAndWait(ctx, pl, jobs.Job{
				ID:        newID("batch"),
				Type:      jobs.JobBatch,
				InputPath: input,
				Output:    output,
				Options:   map[string]any{"source": "cli", "workers": opts.Workers},
			})
			w := cmd.OutOrStdout()
			if res.Meta != nil {
				printSummary(w, res.Meta)
			}
			// per-image failures are reported above, not fatal
			if err != nil && !hasFailures(res.Meta) {
				return err
			}

			if !watch {
				return nil
			}
			watcher, err := root.newRunner(opts).NewWatcher(input, output)
			if err != nil {
				return err
			}
			watcher.OnResult = func(fr batch.FileResult) {
				if fr.Err != nil {
					fmt.Fprintf(w, "[FAIL] %s: %v\n", filepath.Base(fr.File), fr.Err)
					return
				}
				fmt.Fprintf(w, "[OK] %s (%d outputs)\n", filepath.Base(fr.File), len(fr.Outputs))
			}
			fmt.Fprintf(w, "Watching %s (Ctrl+C to stop)\n", input)
			return watcher.Run(ctx)
		},
	}
	addProcessFlags(cmd, &pf)
	cmd.Flags().StringVarP(&input, "input", "i", "", "input folder (default from config)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output folder (default from config)")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "images processed in parallel (default from config)")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep watching the input folder after the first pass")
	return cmd
}

func hasFailures(meta map[string]any) bool {
	n, _ := meta["failed"].(int)
	return n > 0
}

func printSummary(w io.Writer, meta map[string]any) {
	total, _ := meta["total"].(int)
	ok, _ := meta["succeeded"].(int)
	failed, _ := meta["failed"].(int)
	ms, _ := meta["duration_ms"].(int64)
	fmt.Fprintf(w, "Processed %d images in %dms: %d succeeded, %d failed\n", total, ms, ok, failed)
	failures, _ := meta["failures"].([]map[string]any)
	for _, f := range failures {
		fmt.Fprintf(w, "  [FAIL] %v: %v\n", f["file"], f["error"])
	}
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the web API",
		Long: `Start the HTTP server: image endpoints under /api, queued folder jobs,
job events over SSE and websocket, and Prometheus metrics on /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := *root.cfg
			if cmd.Flags().Changed("host") {
				cfg.Web.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Web.Port = port
			}

			pl, err := root.queue(ctx, batch.OptionsFromConfig(&cfg), cfg.Performance.MaxWorkers)
			if err != nil {
				return err
			}
			store, err := root.openStore()
			if err != nil {
				return err
			}
			root.log.WithField("addr", cfg.Addr()).Info("starting server")
			return root.serveFn(ctx, server.Deps{
				Config:   &cfg,
				Log:      root.log,
				Store:    store,
				Pipeline: pl,
				Metrics:  root.metrics,
			})
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (default from config)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (default from config)")
	return cmd
}

func newCameraCmd(root *Root) *cobra.Command {
	var (
		device int
		mode   string
		width  int
		height int
	)

	cmd := &cobra.Command{
		Use:   "camera",
		Short: "Show live edge detection from a camera",
		Long: `Open a camera and show the selected stage with a help overlay.
Keys: 0 original, 1 Sobel X, 2 Sobel Y, 3 Sobel combined, 4 Laplacian,
5 Canny, 6 overview of every stage, q quits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cam := root.cfg.Camera
			f := cmd.Flags()
			if f.Changed("index") {
				cam.Device = device
			}
			if f.Changed("width") {
				cam.Width = width
			}
			if f.Changed("height") {
				cam.Height = height
			}
			if f.Changed("mode") {
				cam.DefaultMode = mode
			}
			m, err := camera.ParseMode(cam.DefaultMode)
			if err != nil {
				return err
			}
			return root.cameraFn(cmd.Context(), cam, camera.Options{
				Params:  root.cfg.Params(),
				Mode:    m,
				Log:     root.log,
				Metrics: root.metrics,
			})
		},
	}
	cmd.Flags().IntVar(&device, "index", 0, "camera device index")
	cmd.Flags().StringVar(&mode, "mode", "", "initial mode (original|sobel_x|sobel_y|sobel_combined|laplacian|canny|overview)")
	cmd.Flags().IntVar(&width, "width", 0, "capture width")
	cmd.Flags().IntVar(&height, "height", 0, "capture height")
	return cmd
}

// analyzeOutput is analysis.Report plus per-stage edge density.
type analyzeOutput struct {
	analysis.Report
	EdgeDensity map[string]float64 `json:"edge_density"`
}

func newAnalyzeCmd(root *Root) *cobra.Command {
	var histogram bool

	cmd := &cobra.Command{
		Use:   "analyze <image>",
		Short: "Print image statistics and edge density as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := codec.ReadFile(args[0])
			if err != nil {
				return err
			}
			defer src.Close()

			report, err := analysis.Analyze(src)
			if err != nil {
				return err
			}
			if !histogram {
				report.Histogram.Values = nil
			}
			run, err := edge.Process(src, root.cfg.Params())
			if err != nil {
				return err
			}
			defer run.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(analyzeOutput{Report: report, EdgeDensity: analysis.Densities(run)})
		},
	}
	cmd.Flags().BoolVar(&histogram, "histogram", false, "include the 256-bin histogram")
	return cmd
}

func newSheetCmd(root *Root) *cobra.Command {
	var (
		dir    string
		format string
		out    string
		tile   int
	)

	cmd := &cobra.Command{
		Use:   "sheet <name>",
		Short: "Combine saved stage outputs of one image into a contact sheet",
		Long: `Read <dir>/<name>_<stage>.<format> for every stage and lay them out in a
2x4 grid, written to <dir>/<name>_results.<format> unless --out is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				dir = root.cfg.Output.Directory
			}
			f := root.cfg.OutputFormat()
			if format != "" {
				var err error
				if f, err = codec.ParseFormat(format); err != nil {
					return err
				}
			}
			base := args[0]

			var paths, missing []string
			for _, s := range edge.AllStages() {
				p := fsutil.StageOutputPath(dir, base, s.String(), f.Ext())
				if _, err := os.Stat(p); err != nil {
					missing = append(missing, p)
					continue
				}
				paths = append(paths, p)
			}
			if len(missing) > 0 {
				return fmt.Errorf("missing result files (run detect first):\n  %s", strings.Join(missing, "\n  "))
			}

			img, err := sheet.FromFiles(paths, tile)
			if err != nil {
				return err
			}
			if out == "" {
				out = fsutil.StageOutputPath(dir, base, "results", f.Ext())
			}
			if err := sheet.Save(out, img, root.cfg.Output.Quality); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Contact sheet written to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "folder holding the stage outputs (default from config)")
	cmd.Flags().StringVar(&format, "format", "", "extension of the stage outputs (default from config)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "sheet path")
	cmd.Flags().IntVar(&tile, "tile", sheet.DefaultTile, "tile edge in pixels")
	return cmd
}

func newTestImageCmd(root *Root) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "testimage",
		Short: "Draw a synthetic shapes image to try the detectors on",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := testimage.Write(output, root.cfg.Output.Quality); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Test image created: %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", testimage.DefaultPath, "image path; the format follows the extension")
	return cmd
}
