package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/s3db-go/s3db/pkg/health"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Report the connected database's rolled-up health status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		db, err := connectDatabase(ctx)
		if err != nil {
			return err
		}
		defer db.Disconnect(ctx)

		checker := db.Health()
		fmt.Printf("overall: %s\n", checker.GetOverallStatus())
		for _, check := range checker.GetAllChecks() {
			fmt.Printf("  %-20s %-10s %s\n", check.Name, check.Status, check.Message)
		}
		if checker.GetOverallStatus() != health.StatusHealthy {
			return fmt.Errorf("database is not healthy")
		}
		return nil
	},
}
