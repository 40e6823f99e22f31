package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/mirelabs/dermatrack/internal/config"
	"github.com/mirelabs/dermatrack/internal/database/postgres"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Fail analysis records stuck in PROCESSING",
	Long: `Fail analysis records that have been stuck in the PROCESSING state
longer than the given age. A record only stays in PROCESSING when the server
crashed mid-pipeline; sweeping marks those runs failed so clients polling the
status endpoint stop waiting.

Examples:
  # Sweep records processing for more than an hour (the default)
  dermatrack sweep

  # Sweep more aggressively
  dermatrack sweep --older-than 10

  # JSON output for scripting
  dermatrack sweep --json`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().Int("older-than", 60, "Minimum age in minutes before a PROCESSING record is swept")
	sweepCmd.Flags().Bool("json", false, "Output as JSON instead of progress bar")
}

// SweepResult represents the result of a sweep operation
type SweepResult struct {
	Success    bool     `json:"success"`
	Swept      int      `json:"swept"`
	Errors     int      `json:"errors"`
	RecordIDs  []string `json:"record_ids,omitempty"`
	DurationMs int64    `json:"duration_ms"`
}

func runSweep(cmd *cobra.Command, args []string) error {
	olderThan := time.Duration(mustGetInt(cmd, "older-than")) * time.Minute
	jsonOutput := mustGetBool(cmd, "json")

	cfg := config.Load()
	if cfg.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL environment variable is required")
	}

	pool, err := postgres.Initialize(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	defer pool.Close()

	ctx := context.Background()
	repo := postgres.NewRecordRepository(pool)

	start := time.Now()
	ids, err := repo.ListStuck(ctx, olderThan)
	if err != nil {
		return fmt.Errorf("listing stuck records: %w", err)
	}

	if len(ids) == 0 {
		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(SweepResult{Success: true})
		}
		fmt.Println("No stuck records found")
		return nil
	}

	var bar *progressbar.ProgressBar
	if !jsonOutput {
		bar = progressbar.NewOptions(len(ids),
			progressbar.OptionSetDescription("Sweeping stuck records"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
		)
	}

	result := SweepResult{Success: true, RecordIDs: ids}
	message := fmt.Sprintf("analysis timed out after %s, swept", olderThan)
	for _, id := range ids {
		if err := repo.Fail(ctx, id, message); err != nil {
			result.Errors++
			result.Success = false
		} else {
			result.Swept++
		}
		if bar != nil {
			bar.Add(1)
		}
	}
	result.DurationMs = time.Since(start).Milliseconds()

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(result)
	}

	fmt.Printf("\nSwept %d of %d stuck records", result.Swept, len(ids))
	if result.Errors > 0 {
		fmt.Printf(" (%d errors)", result.Errors)
	}
	fmt.Println()
	return nil
}
