package cmd

import "github.com/spf13/cobra"

var resumeCmd = &cobra.Command{
	Use:   "resume <flow-id>",
	Short: "re-check a suspended flow's wait condition and advance it if satisfied",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		var result map[string]any
		if err := newAPIClient().post("/flows/"+args[0]+"/resume", nil, &result); err != nil {
			fail(err.Error())
			return err
		}
		success("resumed flow " + args[0])
		return nil
	},
}

func init() { rootCmd.AddCommand(resumeCmd) }
