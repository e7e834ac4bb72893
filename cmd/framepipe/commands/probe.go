package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/framepipe/internal/rawvideo"
)

var probeCmd = &cobra.Command{
	Use:   "probe [FILE]",
	Short: "Check a raw video file against the frame size",
	Long: `Report how many whole frames a raw video file holds at the configured
width, height and depth. Defaults to the configured input file.`,
	Example: `  # Probe the configured input
  framepipe probe

  # Probe another file as 640x480 RGB
  framepipe probe --width 640 --height 480 --depth 3 clip.raw`,
	Args: cobra.MaximumNArgs(1),
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	path := cfg.Files.Input
	if len(args) == 1 {
		path = args[0]
	}

	frameSize, err := cfg.FrameSize()
	if err != nil {
		return err
	}
	res, err := rawvideo.Probe(path, frameSize)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "file:       %s\n", path)
	fmt.Fprintf(out, "size:       %d bytes\n", res.Size)
	fmt.Fprintf(out, "frame:      %dx%dx%d (%d bytes)\n", cfg.Frame.Width, cfg.Frame.Height, cfg.Frame.Depth, res.FrameSize)
	fmt.Fprintf(out, "frames:     %d\n", res.Frames)
	fmt.Fprintf(out, "remainder:  %d bytes\n", res.Remainder)

	switch {
	case res.Frames == 0 && res.Remainder == 0:
		return fmt.Errorf("%s: %w", path, rawvideo.ErrEmptyStream)
	case res.Remainder != 0:
		return fmt.Errorf("%s: %d trailing bytes do not form a whole frame", path, res.Remainder)
	}
	return nil
}
