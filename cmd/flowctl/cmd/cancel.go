package cmd

import "github.com/spf13/cobra"

var cancelCmd = &cobra.Command{
	Use:   "cancel <flow-id>",
	Short: "cancel a running or suspended flow",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		var result map[string]any
		if err := newAPIClient().post("/flows/"+args[0]+"/cancel", nil, &result); err != nil {
			fail(err.Error())
			return err
		}
		success("cancelled flow " + args[0])
		return nil
	},
}

func init() { rootCmd.AddCommand(cancelCmd) }
