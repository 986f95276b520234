// Package cli implements the voxclaw command tree.
package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/voxclaw/voxclaw/internal/cli.version=1.2.3"
	version = "0.4.1"
	logo    = "\n" +
		" __     __        ____ _\n" +
		" \\ \\   / /____  _/ ___| | __ ___      __\n" +
		"  \\ \\ / / _ \\ \\/ / |   | |/ _` \\ \\ /\\ / /\n" +
		"   \\ V / (_) >  <| |___| | (_| |\\ V  V /\n" +
		"    \\_/ \\___/_/\\_\\\\____|_|\\__,_| \\_/\\_/\n"
)

var rootCmd = &cobra.Command{
	Use:   "voxclaw",
	Short: "VoxClaw - async chat assistant",
	Long:  color.CyanString(logo) + "\nAn asynchronous multi-tasking assistant living in your chat apps.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cronCmd)
	rootCmd.AddCommand(whatsappCmd)
}

func printHeader(title string) {
	fmt.Println(color.CyanString(logo))
	if title != "" {
		fmt.Println(title)
		fmt.Println("─────────────────────")
	}
}
