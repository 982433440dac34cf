package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/lenscast/internal/config"
)

var streamsCmd = &cobra.Command{
	Use:   "streams",
	Short: "List configured streams",
	Long:  `List every stream in the configuration with its port and frame source.`,
	Example: `  # List streams in table format (default)
  lenscast streams

  # List streams in JSON format
  lenscast streams --format json`,
	RunE: runStreams,
}

var streamsFormat string

func init() {
	rootCmd.AddCommand(streamsCmd)

	streamsCmd.Flags().StringVarP(&streamsFormat, "format", "f", "table", "output format (table or json)")
}

func runStreams(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	return printStreams(cmd.OutOrStdout(), configMgr.Get(), streamsFormat)
}

func printStreams(out io.Writer, cfg *config.Config, format string) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(cfg.Streams)
	case "table":
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", format)
	}

	if len(cfg.Streams) == 0 {
		fmt.Fprintln(out, "No streams configured.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPORT\tENABLED\tSOURCE\tDETAIL")
	for _, s := range cfg.Streams {
		fmt.Fprintf(w, "%s\t%d\t%t\t%s\t%s\n", s.ID, s.Port, s.IsEnabled(), s.Source.Type, sourceDetail(s.Source))
	}
	return w.Flush()
}

func sourceDetail(src config.SourceConfig) string {
	switch src.Type {
	case config.SourcePattern:
		return fmt.Sprintf("%dx%d @ %d fps, q%d", src.Width, src.Height, src.FPS, src.Quality)
	case config.SourceDirectory:
		return fmt.Sprintf("%s @ %d fps", src.Dir, src.FPS)
	case config.SourceRelay:
		return src.URL
	default:
		return "-"
	}
}
