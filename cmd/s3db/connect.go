package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to the database, loading or initializing its manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		db, err := connectDatabase(ctx)
		if err != nil {
			return err
		}
		defer db.Disconnect(ctx)

		resources := db.Resources()
		fmt.Printf("connected; %d resource(s) in the manifest\n", len(resources))
		for _, name := range resources {
			fmt.Printf("  %s\n", name)
		}
		return nil
	},
}
