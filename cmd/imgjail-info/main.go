package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/imgjail"
	"github.com/GriffinCanCode/imgjail/internal/registry"
)

const (
	colorReset = "\033[0m"
	colorRed   = "\033[31m"
	colorCyan  = "\033[36m"
	colorGray  = "\033[90m"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:      "imgjail-info",
		Usage:     "decode images in a sandbox and describe them",
		Version:   version,
		ArgsUsage: "FILE...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "sandbox",
				Value: "",
				Usage: "sandbox mechanism: auto, bwrap, flatpak-spawn, namespaces, seccomp or disabled (default from IMGJAIL_SANDBOX)",
			},
			&cli.UintFlag{
				Name:  "frames",
				Value: 1,
				Usage: "frames to decode per file, 0 for all",
			},
			&cli.IntFlag{
				Name:  "concurrency",
				Value: 4,
				Usage: "files decoded at once",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print one JSON object per file",
			},
		},
		Action: describe,
		Commands: []*cli.Command{
			{
				Name:   "formats",
				Usage:  "list mime types and the decoder registered for each",
				Action: formats,
			},
		},
	}
}

type frameReport struct {
	Index   uint32  `json:"index"`
	Width   uint32  `json:"width"`
	Height  uint32  `json:"height"`
	Stride  uint32  `json:"stride"`
	Format  string  `json:"memory_format"`
	DelayMs float64 `json:"delay_ms,omitempty"`
}

type report struct {
	File       string        `json:"file"`
	MimeType   string        `json:"mime_type,omitempty"`
	Format     string        `json:"format,omitempty"`
	Width      uint32        `json:"width,omitempty"`
	Height     uint32        `json:"height,omitempty"`
	FrameCount uint32        `json:"frame_count,omitempty"`
	ICCProfile int           `json:"icc_profile_bytes,omitempty"`
	CICP       []int         `json:"cicp,omitempty"`
	Sandbox    string        `json:"sandbox,omitempty"`
	Frames     []frameReport `json:"frames,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorKind  string        `json:"error_kind,omitempty"`
}

func describe(c *cli.Context) error {
	files := c.Args().Slice()
	if len(files) == 0 {
		return cli.Exit("no files given", 2)
	}

	var opts []imgjail.LoaderOption
	if name := c.String("sandbox"); name != "" {
		selector, err := imgjail.ParseSandboxSelector(name)
		if err != nil {
			return cli.Exit(err, 2)
		}
		opts = append(opts, imgjail.WithSandboxSelector(selector))
	}

	rt, err := imgjail.DefaultRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	opts = append(opts, imgjail.WithRuntime(rt))

	reports := make([]report, len(files))
	g, ctx := errgroup.WithContext(c.Context)
	g.SetLimit(max(c.Int("concurrency"), 1))
	for i, file := range files {
		g.Go(func() error {
			reports[i] = inspect(ctx, file, c.Uint("frames"), opts)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range reports {
		if r.Error != "" {
			failed++
		}
		if c.Bool("json") {
			if err := printJSON(c.App.Writer, r); err != nil {
				return err
			}
			continue
		}
		printText(c.App.Writer, r, colorEnabled(c.App.Writer))
	}

	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d files failed", failed, len(files)), 1)
	}
	return nil
}

func inspect(ctx context.Context, file string, maxFrames uint, opts []imgjail.LoaderOption) report {
	r := report{File: file}
	fail := func(err error) report {
		r.Error = err.Error()
		r.ErrorKind = imgjail.KindOf(err).String()
		return r
	}

	img, err := imgjail.NewLoader(imgjail.PathSource(file), opts...).Load(ctx)
	if err != nil {
		return fail(err)
	}
	defer img.Close()

	info := img.Info()
	r.MimeType = info.MimeType
	r.Format = info.FormatName
	r.Width = info.Width
	r.Height = info.Height
	r.FrameCount = info.FrameCount
	r.ICCProfile = len(info.ICCProfile)
	for _, v := range info.CICP {
		r.CICP = append(r.CICP, int(v))
	}
	r.Sandbox = img.Sandbox().String()

	for maxFrames == 0 || uint(len(r.Frames)) < maxFrames {
		frame, err := img.NextFrame(ctx)
		if errors.Is(err, imgjail.EndOfDocument) {
			break
		}
		if err != nil {
			return fail(err)
		}
		r.Frames = append(r.Frames, frameReport{
			Index:   frame.Index(),
			Width:   frame.Width(),
			Height:  frame.Height(),
			Stride:  frame.Stride(),
			Format:  frame.MemoryFormat().String(),
			DelayMs: float64(frame.Delay()) / float64(time.Millisecond),
		})
		frame.Close()
	}
	return r
}

func printJSON(w io.Writer, r report) error {
	data, err := sonic.Marshal(r)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

func printText(w io.Writer, r report, color bool) {
	paint := func(code, s string) string {
		if !color {
			return s
		}
		return code + s + colorReset
	}

	fmt.Fprintln(w, paint(colorCyan, r.File))
	if r.MimeType != "" {
		fmt.Fprintf(w, "  %s (%s), %dx%d", r.MimeType, r.Format, r.Width, r.Height)
		if r.FrameCount > 0 {
			fmt.Fprintf(w, ", %d frames", r.FrameCount)
		}
		if r.ICCProfile > 0 {
			fmt.Fprintf(w, ", icc=%dB", r.ICCProfile)
		}
		if len(r.CICP) == 4 {
			fmt.Fprintf(w, ", cicp=%d/%d/%d/%d", r.CICP[0], r.CICP[1], r.CICP[2], r.CICP[3])
		}
		fmt.Fprintln(w, paint(colorGray, " sandbox="+r.Sandbox))
	}
	for _, f := range r.Frames {
		fmt.Fprintf(w, "  #%d %dx%d stride=%d %s", f.Index, f.Width, f.Height, f.Stride, f.Format)
		if f.DelayMs > 0 {
			fmt.Fprintf(w, " delay=%gms", f.DelayMs)
		}
		fmt.Fprintln(w)
	}
	if r.Error != "" {
		fmt.Fprintln(w, "  "+paint(colorRed, r.Error))
	}
}

func formats(c *cli.Context) error {
	rt, err := imgjail.DefaultRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	color := colorEnabled(c.App.Writer)
	seen := make(map[string]bool)
	list := append(registry.DefaultMimeTypes(), rt.MimeTypes()...)
	for _, mimeType := range list {
		if seen[mimeType] {
			continue
		}
		seen[mimeType] = true

		spec, ok := rt.Decoder(mimeType)
		switch {
		case !ok && color:
			fmt.Fprintf(c.App.Writer, "%-28s %s\n", mimeType, colorGray+"no decoder"+colorReset)
		case !ok:
			fmt.Fprintf(c.App.Writer, "%-28s no decoder\n", mimeType)
		default:
			fmt.Fprintf(c.App.Writer, "%-28s %s\n", mimeType, spec.Exec)
		}
	}
	return nil
}

func colorEnabled(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
