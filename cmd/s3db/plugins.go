package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "List the registered collaborator plugins and their lifecycle state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		db, err := connectDatabase(ctx)
		if err != nil {
			return err
		}
		defer db.Disconnect(ctx)

		framework := db.Plugins()
		plugins := framework.Plugins()
		if len(plugins) == 0 {
			fmt.Println("no plugins registered")
			return nil
		}
		for _, p := range plugins {
			state, _ := framework.State(p.ID())
			fmt.Printf("%-24s %s\n", p.ID(), state)
		}
		return nil
	},
}
