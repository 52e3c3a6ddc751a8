package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get <flow-id>",
	Short: "fetch a flow's current snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		var snap map[string]any
		if err := newAPIClient().get("/flows/"+args[0], &snap); err != nil {
			fail(err.Error())
			return err
		}

		pretty, _ := json.MarshalIndent(snap, "", "  ")
		fmt.Println(string(pretty))
		return nil
	},
}

func init() { rootCmd.AddCommand(getCmd) }
