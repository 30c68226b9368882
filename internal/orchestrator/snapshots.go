package orchestrator

import (
	"context"
	"os"
	"path/filepath"

	"nanoclaw/internal/shared/jsonx"
	"nanoclaw/internal/store"
)

const snapshotRunLimit = 50

// writeSnapshots mirrors a read-only view of the registry, the run ledger and
// the scheduled tasks into each lane's IPC directory so in-container agents
// can inspect system state without database access.
func (o *Orchestrator) writeSnapshots(ctx context.Context) {
	groups, err := o.store.ListGroups(ctx)
	if err != nil {
		o.logger.Warn("snapshot groups: %v", err)
		return
	}

	for _, g := range groups {
		dir := o.cfg.SnapshotDir(g.Folder)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			o.logger.Warn("snapshot dir %s: %v", dir, err)
			continue
		}

		o.writeSnapshot(dir, "available_groups.json", groups)

		runs, err := o.laneRuns(ctx, g.Folder)
		if err != nil {
			o.logger.Warn("snapshot runs for %s: %v", g.Folder, err)
		} else {
			o.writeSnapshot(dir, "worker_runs.json", runs)
		}

		tasks, err := o.store.ListScheduledTasks(ctx, g.Folder)
		if err != nil {
			o.logger.Warn("snapshot tasks for %s: %v", g.Folder, err)
		} else {
			o.writeSnapshot(dir, "tasks.json", tasks)
		}
	}
}

// laneRuns scopes the ledger view: worker lanes see only their own runs,
// the main and planner lanes see everything.
func (o *Orchestrator) laneRuns(ctx context.Context, folder string) ([]store.WorkerRun, error) {
	if o.isWorkerFolder(folder) {
		return o.store.ListWorkerRunsByGroup(ctx, folder, snapshotRunLimit)
	}
	return o.store.ListWorkerRuns(ctx, snapshotRunLimit)
}

// writeSnapshot writes atomically via rename so an in-container reader never
// sees a torn file.
func (o *Orchestrator) writeSnapshot(dir, name string, v any) {
	data, err := jsonx.MarshalIndent(v, "", "  ")
	if err != nil {
		o.logger.Warn("snapshot marshal %s: %v", name, err)
		return
	}
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		o.logger.Warn("snapshot write %s: %v", name, err)
		return
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		o.logger.Warn("snapshot rename %s: %v", name, err)
	}
}
