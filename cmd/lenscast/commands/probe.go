package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/lenscast/internal/output"
)

var probeCmd = &cobra.Command{
	Use:   "probe URL",
	Short: "Read frames from an MJPEG stream",
	Long: `Connect to an MJPEG stream, read a number of frames and report their
sizes and the observed frame rate. Frames can optionally be saved to disk.`,
	Example: `  # Read 10 frames from the wide stream
  lenscast probe localhost:8000

  # Save 30 frames as JPEG files
  lenscast probe http://camera.local:8001/ --frames 30 --out ./frames`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

var (
	probeFrames  int
	probeOut     string
	probeTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(probeCmd)

	probeCmd.Flags().IntVarP(&probeFrames, "frames", "n", 10, "number of frames to read")
	probeCmd.Flags().StringVarP(&probeOut, "out", "o", "", "directory to save frames in")
	probeCmd.Flags().DurationVarP(&probeTimeout, "timeout", "t", 30*time.Second, "overall timeout")
}

func runProbe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
	defer cancel()

	return probe(ctx, cmd.OutOrStdout(), streamURL(args[0]), probeFrames, probeOut)
}

// streamURL accepts host:port shorthand for http://host:port/
func streamURL(arg string) string {
	if strings.Contains(arg, "://") {
		return arg
	}
	return "http://" + arg + "/"
}

func probe(ctx context.Context, out io.Writer, url string, frames int, dir string) error {
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	fr, err := output.OpenStream(ctx, nil, url)
	if err != nil {
		return err
	}
	defer fr.Close()

	start := time.Now()
	var total int
	for i := 1; i <= frames; i++ {
		data, err := fr.Next()
		if err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		total += len(data)

		line := fmt.Sprintf("frame %d: %d bytes", i, len(data))
		if dir != "" {
			path := filepath.Join(dir, fmt.Sprintf("frame-%05d.jpg", i))
			if err := os.WriteFile(path, data, 0644); err != nil {
				return fmt.Errorf("failed to save frame: %w", err)
			}
			line += " -> " + path
		}
		fmt.Fprintln(out, line)
	}

	elapsed := time.Since(start)
	if frames > 0 && elapsed > 0 {
		fmt.Fprintf(out, "%d frames, %d bytes in %s (%.1f fps, avg %d bytes)\n",
			frames, total, elapsed.Round(time.Millisecond),
			float64(frames)/elapsed.Seconds(), total/frames)
	}
	return nil
}
