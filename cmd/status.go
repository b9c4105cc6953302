package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/surge-downloader/surge/internal/app"
	"github.com/surge-downloader/surge/internal/utils"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether surge is running and its aggregate throughput",
	Run: func(cmd *cobra.Command, args []string) {
		if port := app.ReadPort(); port == 0 {
			fmt.Println("surge is not running.")
			return
		}

		client, err := dialRunningInstance()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		var speed map[string]float64
		if err := client.get("/speed", &speed); err != nil {
			fmt.Fprintf(os.Stderr, "Error reading speed: %v\n", err)
			os.Exit(1)
		}

		var tasks []app.TaskView
		if err := client.get("/tasks", &tasks); err != nil {
			fmt.Fprintf(os.Stderr, "Error listing tasks: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("surge is running. %d task(s), %s/s aggregate\n",
			len(tasks), utils.ConvertBytesToHumanReadable(int64(speed["bytes_per_sec"])))
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
