package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bryanchriswhite/framepipe/internal/config"
	"github.com/bryanchriswhite/framepipe/internal/logger"
)

var (
	cfgFile string
	pretty  bool
	rootCmd = &cobra.Command{
		Use:   "framepipe",
		Short: "framepipe - looping raw video capture, display and record pipeline",
		Long: `framepipe reads a raw video file in a loop, shows every frame on a
framebuffer or X11 window with a STOP/RUN/EXIT menu, and records the same
frames to an output file that rewinds in step with the input.

Features:
  • Fixed pool of reference-counted frame buffers
  • Bounded display and record queues
  • Keyboard control: 2 run, 1 stop, 3 reset, q quit
  • Linux framebuffer, X11 and MJPEG preview outputs
  • Optional HTTP control API with a websocket state stream`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.Init(viper.GetString("log_level"), pretty)
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/framepipe/config.yaml)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.BoolVar(&pretty, "pretty", false, "human-readable console logs")
	flags.Int("width", 0, "frame width in pixels")
	flags.Int("height", 0, "frame height in pixels")
	flags.Int("depth", 0, "bytes per pixel (1, 3 or 4)")
	flags.String("input", "", "raw video input file")
	flags.String("output", "", "raw video output file")
	flags.String("display", "", "display backend (fbdev, x11, none)")

	// Bind flags to viper
	viper.BindPFlag("log_level", flags.Lookup("log-level"))
	viper.BindPFlag("frame.width", flags.Lookup("width"))
	viper.BindPFlag("frame.height", flags.Lookup("height"))
	viper.BindPFlag("frame.depth", flags.Lookup("depth"))
	viper.BindPFlag("files.input", flags.Lookup("input"))
	viper.BindPFlag("files.output", flags.Lookup("output"))
	viper.BindPFlag("display.backend", flags.Lookup("display"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// loadConfig reads the config file and applies any flags given on the
// command line. Flags are not written back to the file.
func loadConfig() (*config.Manager, *config.Config, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	configMgr.Override(applyFlags)

	cfg := configMgr.Get()
	logger.Init(cfg.LogLevel, pretty)
	return configMgr, cfg, nil
}

func applyFlags(cfg *config.Config) {
	if viper.IsSet("log_level") {
		if v := viper.GetString("log_level"); v != "" {
			cfg.LogLevel = v
		}
	}
	if viper.IsSet("frame.width") {
		cfg.Frame.Width = viper.GetInt("frame.width")
	}
	if viper.IsSet("frame.height") {
		cfg.Frame.Height = viper.GetInt("frame.height")
	}
	if viper.IsSet("frame.depth") {
		cfg.Frame.Depth = viper.GetInt("frame.depth")
	}
	if viper.IsSet("files.input") {
		cfg.Files.Input = viper.GetString("files.input")
	}
	if viper.IsSet("files.output") {
		cfg.Files.Output = viper.GetString("files.output")
	}
	if viper.IsSet("display.backend") {
		cfg.Display.Backend = viper.GetString("display.backend")
	}
}
