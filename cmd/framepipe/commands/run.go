package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	conc "github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/framepipe/internal/api"
	"github.com/bryanchriswhite/framepipe/internal/logger"
	"github.com/bryanchriswhite/framepipe/internal/pipeline"
)

var (
	headless  bool
	apiListen string
	mjpeg     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the capture/display/record pipeline",
	Long: `Run the pipeline until the quit key is pressed, the API receives a quit
command or the process is interrupted.

The pipeline starts stopped. Press 2 to run, 1 to stop, 3 to rewind both
files and keep running, q to quit.`,
	Example: `  # Run with the configured files and framebuffer
  framepipe run

  # 640x480 gray video in an X11 window
  framepipe run --width 640 --height 480 --depth 1 --display x11 --input in.raw --output out.raw

  # No keyboard, controlled over HTTP, with an MJPEG preview
  framepipe run --headless --display none --api 127.0.0.1:8080 --mjpeg`,
	RunE: runPipeline,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&headless, "headless", false, "no keyboard control; start running immediately")
	runCmd.Flags().StringVar(&apiListen, "api", "", "enable the HTTP API on this address")
	runCmd.Flags().BoolVar(&mjpeg, "mjpeg", false, "serve an MJPEG preview on the API at /stream")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	configMgr, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if apiListen != "" {
		cfg.API.Enabled = true
		cfg.API.Listen = apiListen
	}
	if mjpeg {
		cfg.Display.MJPEG = true
	}

	// The UI stage owns the terminal, keep logs off its output.
	if !headless {
		logger.InitWriter(os.Stderr, cfg.LogLevel, pretty)
	}

	log := logger.WithComponent("run")
	log.Info().
		Str("config", configMgr.GetConfigPath()).
		Str("input", cfg.Files.Input).
		Str("output", cfg.Files.Output).
		Str("display", cfg.Display.Backend).
		Msg("Starting framepipe")

	if cfg.Display.MJPEG && !cfg.API.Enabled {
		log.Warn().Msg("MJPEG preview enabled without the API; nothing will serve it")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := pipeline.New(ctx, cfg, pipeline.Options{Headless: headless})
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}

	tasks := conc.New().WithErrors()
	tasks.Go(p.Run)
	if cfg.API.Enabled {
		server := api.NewServer(p.Control(), func() any { return p.Stats() }, p.MJPEG())
		tasks.Go(func() error {
			if err := server.Start(p.Control().Context(), cfg.API.Listen); err != nil {
				p.Control().Quit()
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		})
	}

	if err := tasks.Wait(); err != nil {
		return err
	}

	log.Info().Msg("framepipe exited")
	return nil
}
