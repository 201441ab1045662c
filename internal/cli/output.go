package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// Format represents the output format type
type Format string

const (
	// FormatText is the default human-readable text format
	FormatText Format = "text"
	// FormatJSON is the JSON output format
	FormatJSON Format = "json"
)

// textRenderer is implemented by results that know their text layout.
type textRenderer interface {
	renderText(w io.Writer) error
}

// Formatter writes command results in the selected format
type Formatter struct {
	format Format
	writer io.Writer
}

// NewFormatter creates a Formatter writing to w
func NewFormatter(format Format, w io.Writer) *Formatter {
	return &Formatter{format: format, writer: w}
}

// Output writes data in the configured format
func (f *Formatter) Output(data any) error {
	switch f.format {
	case FormatJSON:
		enc := json.NewEncoder(f.writer)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case FormatText:
		if r, ok := data.(textRenderer); ok {
			return r.renderText(f.writer)
		}
		_, err := fmt.Fprintf(f.writer, "%v\n", data)
		return err
	default:
		return fmt.Errorf("unsupported output format: %s", f.format)
	}
}

// IsJSON returns true if the format is JSON
func (f *Formatter) IsJSON() bool {
	return f.format == FormatJSON
}

// addFormatFlag adds the --output flag to cmd
func addFormatFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", string(FormatText), "Output format (text|json)")
}

// formatFromCmd reads the --output flag
func formatFromCmd(cmd *cobra.Command) (Format, error) {
	s, err := cmd.Flags().GetString("output")
	if err != nil {
		return FormatText, err
	}
	switch f := Format(s); f {
	case FormatText, FormatJSON:
		return f, nil
	default:
		return FormatText, fmt.Errorf("invalid output format: %s (must be 'text' or 'json')", s)
	}
}
