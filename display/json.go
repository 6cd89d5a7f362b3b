// Package display renders command results for people and for programs.
package display

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// CallerEnv set to "agent" makes JSON the default output of every command
const CallerEnv = "HANDOFF_CALLER"

// ShouldOutputJSON reports whether cmd should print JSON: an explicit
// --json flag wins, otherwise agent callers get JSON.
func ShouldOutputJSON(cmd *cobra.Command) bool {
	if cmd != nil && cmd.Flags().Lookup("json") != nil && cmd.Flags().Changed("json") {
		v, _ := cmd.Flags().GetBool("json")
		return v
	}
	return os.Getenv(CallerEnv) == "agent"
}

// WriteJSON writes v as indented JSON followed by a newline
func WriteJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
