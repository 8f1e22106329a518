package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// All linker flags are set at build time.
var (
	version = "dev"
	commit  = "none"
)

const purgeInterval = time.Hour

type gridFlags struct {
	iconSize, gap int
	columns, rows int
	width, height int
}

func (f *gridFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.iconSize, "icon-size", DefaultIconSize, "avatar size in pixels")
	cmd.Flags().IntVar(&f.gap, "gap", DefaultGap, "gap and padding in pixels")
	cmd.Flags().IntVar(&f.columns, "columns", 0, "maximum columns (0 derives from width)")
	cmd.Flags().IntVar(&f.rows, "rows", 0, "maximum rows (0 derives from height)")
	cmd.Flags().IntVar(&f.width, "width", 0, "canvas width (0 sizes to the grid)")
	cmd.Flags().IntVar(&f.height, "height", 0, "canvas height (0 sizes to the grid)")
}

// request starts from the configured grid and overrides what was set on
// the command line.
func (f *gridFlags) request(cmd *cobra.Command, g GridConfig) LayoutRequest {
	req := LayoutRequest{
		IconSize:        g.IconSize,
		Gap:             g.Gap,
		MaxColumns:      g.MaxColumns,
		MaxRows:         g.MaxRows,
		RequestedWidth:  g.Width,
		RequestedHeight: g.Height,
	}
	set := func(name string, dst *int, v int) {
		if cmd.Flags().Changed(name) {
			*dst = v
		}
	}
	set("icon-size", &req.IconSize, f.iconSize)
	set("gap", &req.Gap, f.gap)
	set("columns", &req.MaxColumns, f.columns)
	set("rows", &req.MaxRows, f.rows)
	set("width", &req.RequestedWidth, f.width)
	set("height", &req.RequestedHeight, f.height)
	if req.IconSize <= 0 {
		req.IconSize = DefaultIconSize
	}
	return req
}

func newRootCmd() *cobra.Command {
	var configFile string
	cfg := &Config{}

	root := &cobra.Command{
		Use:           "donorgraph",
		Short:         "Render HCB donor avatars as an image grid.",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := LoadConfig(configFile, nil)
			if err != nil {
				return err
			}
			*cfg = loaded
			SetupLogging(cfg.Log.Level, cfg.Log.Pretty)
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default conf/config.json)")

	serve := newServeCmd(cfg)
	root.RunE = serve.RunE
	root.AddCommand(serve, newRenderCmd(cfg), newLayoutCmd(cfg))
	return root
}

func newServeCmd(cfg *Config) *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve donor grids over HTTP (default).",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if address != "" {
				cfg.Server.Address = address
			}
			app, err := NewApp(*cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go app.ReqCache.PurgeExpired(ctx, purgeInterval)

			return NewServer(&app.Config, app.Source, app.Acquirer, app.Renderer, app.Metrics).Run(ctx)
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "listen address (overrides server.address)")
	return cmd
}

func newRenderCmd(cfg *Config) *cobra.Command {
	var out string
	var flags gridFlags
	cmd := &cobra.Command{
		Use:   "render ORG",
		Short: "Render the donor grid of an organization to a PNG file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			org := args[0]
			if out == "" {
				out = org + ".png"
			}
			app, err := NewApp(*cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			req := flags.request(cmd, cfg.Grid)
			urls := app.Source.AvatarURLs(ctx, org, req.IconSize)
			acq, err := app.Acquirer.AcquireAvatars(ctx, urls, req)
			if err != nil {
				return err
			}
			var img []byte
			if len(acq.Images) == 0 {
				img, err = app.Renderer.RenderNoDonors(org)
			} else {
				img, err = app.Renderer.RenderGrid(acq.Images, acq.Layout, req.IconSize, req.Gap)
			}
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, img, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			log.Info().Str("org", org).Str("file", out).Int("avatars", len(acq.Images)).
				Interface("layout", acq.Layout).Msg("rendered")
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default ORG.png)")
	flags.register(cmd)
	return cmd
}

func newLayoutCmd(cfg *Config) *cobra.Command {
	var count int
	var flags gridFlags
	cmd := &cobra.Command{
		Use:   "layout",
		Short: "Print the grid layout for a number of avatars as JSON.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := flags.request(cmd, cfg.Grid)
			req.AvatarCount = count
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(ComputeLayout(req))
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "number of avatars")
	flags.register(cmd)
	return cmd
}
