package tasks

import (
	"context"
	"fmt"
	"time"
)

// newProfileRefreshTask copies current profile display data into the
// participant snapshots of conversations and summaries.
func newProfileRefreshTask(deps TaskDeps) TaskFunc {
	log := deps.Logger.With("task", ProfileRefresh)

	return func(ctx context.Context) error {
		startTime := time.Now()

		updated, err := deps.Store.RefreshParticipantSnapshots(ctx)
		if err != nil {
			return fmt.Errorf("profile refresh failed: %w", err)
		}

		log.InfoContext(ctx, "Participant snapshots refreshed", "rows_updated", updated, "duration", time.Since(startTime))
		return nil
	}
}
