package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume every paused task",
	Run: func(cmd *cobra.Command, args []string) {
		client, err := dialRunningInstance()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if err := client.post("/resume", nil, nil); err != nil {
			fmt.Fprintf(os.Stderr, "Error resuming: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Resumed.")
	},
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}
