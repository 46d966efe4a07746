package tasks

import "context"

// Task names, matching the keys of the scheduler.tasks configuration section.
const (
	SQLMaintenance = "sql_maintenance"
	ProfileRefresh = "profile_refresh"
)

// TaskFunc is the signature of every scheduled task. The context is cancelled
// when the scheduler shuts down.
type TaskFunc func(ctx context.Context) error

// RegisterAllTasks returns every task keyed by its configuration name.
func RegisterAllTasks(deps TaskDeps) map[string]TaskFunc {
	tasks := map[string]TaskFunc{
		SQLMaintenance: newSQLMaintenanceTask(deps),
		ProfileRefresh: newProfileRefreshTask(deps),
	}

	deps.Logger.Info("Initialized scheduled tasks", "count", len(tasks))
	return tasks
}
