package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var listSchedulesCmd = &cobra.Command{
	Use:   "list-schedules",
	Short: "list the cron schedules registered on the server",
	Args:  cobra.NoArgs,
	RunE: func(c *cobra.Command, args []string) error {
		var schedules []map[string]any
		if err := newAPIClient().get("/schedules", &schedules); err != nil {
			fail(err.Error())
			return err
		}

		if len(schedules) == 0 {
			info("no schedules registered")
			return nil
		}

		pretty, _ := json.MarshalIndent(schedules, "", "  ")
		fmt.Println(string(pretty))
		return nil
	},
}

func init() { rootCmd.AddCommand(listSchedulesCmd) }
