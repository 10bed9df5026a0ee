package db

import (
	"fmt"

	"tangled.sh/tangled.sh/loom/engine"
	"tangled.sh/tangled.sh/loom/notifier"
)

// JobRow is the persisted status line of one job, what the run detail
// view renders.
type JobRow struct {
	RunID   string           `json:"run_id"`
	Key     string           `json:"key"`
	Stage   string           `json:"stage"`
	Variant string           `json:"variant,omitempty"`
	Status  engine.RunStatus `json:"status"`
	Detail  string           `json:"detail,omitempty"`
}

// CreateJobs records every job of a freshly accepted run as pending,
// in graph order.
func (db *DB) CreateJobs(runID string, jobs []*engine.Job, n *notifier.Notifier) error {
	for _, job := range jobs {
		_, err := db.Exec(`
			insert into jobs (run_id, key, stage, variant, status)
			values (?, ?, ?, ?, ?)
		`, runID, job.Key(), job.Stage.ID, job.Variant.Key(), engine.StatusPending)
		if err != nil {
			return fmt.Errorf("job %s: %w", job.Key(), err)
		}
	}
	n.NotifyAll()
	return nil
}

func (db *DB) MarkJob(runID, key string, status engine.RunStatus, detail string, n *notifier.Notifier) error {
	_, err := db.Exec(`
		update jobs
		set status = ?, detail = ?, updated = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where run_id = ? and key = ?
	`, status, detail, runID, key)
	if err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

// CancelPendingJobs flips every still-pending job of a run to
// cancelled, for runs withdrawn before a scheduler picked them up.
func (db *DB) CancelPendingJobs(runID, detail string, n *notifier.Notifier) error {
	_, err := db.Exec(`
		update jobs
		set status = ?, detail = ?, updated = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where run_id = ? and status = ?
	`, engine.StatusCancelled, detail, runID, engine.StatusPending)
	if err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

func (db *DB) GetJobs(runID string) ([]JobRow, error) {
	rows, err := db.Query(`
		select run_id, key, stage, variant, status, detail
		from jobs
		where run_id = ?
		order by id asc
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []JobRow
	for rows.Next() {
		var j JobRow
		if err := rows.Scan(&j.RunID, &j.Key, &j.Stage, &j.Variant, &j.Status, &j.Detail); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return jobs, nil
}
