package main

import (
	"encoding/json"
	"fmt"
	"io"
)

// writeJSON prints v for scripts consuming `--json`. Output is a single
// indented document terminated by a newline.
func writeJSON(out io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	_, err = fmt.Fprintf(out, "%s\n", data)
	return err
}
