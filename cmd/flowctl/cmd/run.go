package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

var runInput string

var runCmd = &cobra.Command{
	Use:   "run <flow-name>",
	Short: "start a new instance of a registered flow",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		var body any
		if runInput != "" {
			if err := json.Unmarshal([]byte(runInput), &body); err != nil {
				return err
			}
		}

		var result map[string]any
		if err := newAPIClient().post("/flows/"+args[0]+"/run", body, &result); err != nil {
			fail(err.Error())
			return err
		}

		success("started flow " + formatFlowID(result))
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runInput, "input", "", "JSON input state for the flow")
	rootCmd.AddCommand(runCmd)
}

func formatFlowID(result map[string]any) string {
	if id, ok := result["FlowID"].(string); ok {
		return id
	}
	return "(unknown id)"
}
