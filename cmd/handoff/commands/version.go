package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/handoff/display"
	"github.com/teranos/handoff/version"
)

// VersionCmd represents the version command
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show handoff version information",
	Long:  `Display version, build time, commit hash, and platform information for the handoff binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		info := version.Get()

		if display.ShouldOutputJSON(cmd) {
			if err := display.WriteJSON(cmd.OutOrStdout(), info); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error formatting JSON: %v\n", err)
			}
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), info.String())
		}
	},
}

func init() {
	VersionCmd.Flags().BoolP("json", "j", false, "Output version info as JSON")
}
