// Package cmd implements flowctl's cobra command tree, grounded on the
// teacher's cmd/cli/cmd (root.go: persistent flags, viper config
// binding, color helpers).
package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "flowctl",
	Short:   "flowctl - operate a flowcore durable workflow engine",
	Version: "1.0.0",
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./flowctl.yaml)")
	rootCmd.PersistentFlags().String("api-url", "http://localhost:8080", "flowd base URL")
	viper.BindPFlag("api.url", rootCmd.PersistentFlags().Lookup("api-url"))

	rootCmd.PersistentFlags().Int("api-max-retries", 3, "max retries for a flowd request")
	rootCmd.PersistentFlags().Duration("api-retry-base-delay", 500*time.Millisecond, "initial backoff delay between flowd retries")
	rootCmd.PersistentFlags().Duration("api-retry-max-delay", 30*time.Second, "cap on backoff delay between flowd retries")
	rootCmd.PersistentFlags().Duration("api-timeout", 60*time.Second, "per-attempt timeout for a flowd request")
	viper.BindPFlag("api.max_retries", rootCmd.PersistentFlags().Lookup("api-max-retries"))
	viper.BindPFlag("api.retry_base_delay", rootCmd.PersistentFlags().Lookup("api-retry-base-delay"))
	viper.BindPFlag("api.retry_max_delay", rootCmd.PersistentFlags().Lookup("api-retry-max-delay"))
	viper.BindPFlag("api.timeout", rootCmd.PersistentFlags().Lookup("api-timeout"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("flowctl")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.flowctl")
	}

	viper.SetEnvPrefix("FLOWCTL")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
}

func green(s string) string  { return "\033[32m" + s + "\033[0m" }
func red(s string) string    { return "\033[31m" + s + "\033[0m" }
func cyan(s string) string   { return "\033[36m" + s + "\033[0m" }

func success(msg string) { fmt.Println(green("✓ ") + msg) }
func fail(msg string)    { fmt.Fprintln(os.Stderr, red("✗ ")+msg) }
func info(msg string)    { fmt.Println(cyan("ℹ ") + msg) }
