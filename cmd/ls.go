package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/surge-downloader/surge/internal/app"
	"github.com/surge-downloader/surge/internal/utils"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List the running instance's tasks",
	Run:   runLs,
}

func runLs(cmd *cobra.Command, args []string) {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	watch, _ := cmd.Flags().GetBool("watch")

	client, err := dialRunningInstance()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if !watch {
		printTasks(client, jsonOutput)
		return
	}
	for {
		fmt.Print("\033[H\033[2J")
		printTasks(client, jsonOutput)
		time.Sleep(time.Second)
	}
}

func printTasks(client *controlClient, jsonOutput bool) {
	var tasks []app.TaskView
	if err := client.get("/tasks", &tasks); err != nil {
		fmt.Fprintf(os.Stderr, "Error listing tasks: %v\n", err)
		os.Exit(1)
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(tasks, "", "  ")
		fmt.Println(string(data))
		return
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tURL\tSTATE\tSIZE\tDEST")
	for _, t := range tasks {
		size := "-"
		if t.Length > 0 {
			size = utils.ConvertBytesToHumanReadable(t.Length)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", t.ID, truncate(t.URL, 40), t.State, size, t.DestPath)
	}
	w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	rootCmd.AddCommand(lsCmd)
	lsCmd.Flags().Bool("json", false, "output as JSON")
	lsCmd.Flags().Bool("watch", false, "refresh once a second")
}
