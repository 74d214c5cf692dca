// Command s3db is a thin cobra CLI over the pkg/database library,
// grounded on the teacher's cmd/cli/cmd command-group layout (one file
// per command family, wired into rootCmd from init()).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:     "s3db",
	Short:   "Inspect and drive an s3db-backed document database from the command line",
	Version: "0.1.0",
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&flagConnectionString, "connection", "c", os.Getenv("S3DB_DSN"), "connection string (s3://key:secret@host/bucket/prefix?useFake=true)")
	rootCmd.PersistentFlags().StringVar(&flagEncryptionKey, "encryption-key", os.Getenv("S3DB_ENCRYPTION_KEY"), "encryption key for encrypted attributes")
	rootCmd.PersistentFlags().StringVar(&flagConfigFile, "config", os.ExpandEnv("$HOME/.s3db/config.yaml"), "path to the CLI's YAML config file")

	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(pluginsCmd)
	rootCmd.AddCommand(resourceCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
