package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"tangled.sh/tangled.sh/loom/engine"
	"tangled.sh/tangled.sh/loom/notifier"
	"tangled.sh/tangled.sh/loom/workflow"
)

// Run is one pipeline execution, from trigger to verdict.
type Run struct {
	Seq     int64            `json:"seq"`
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Project string           `json:"project,omitempty"` // secret scope the run unlocks
	Trigger workflow.Trigger `json:"trigger"`
	Status  engine.RunStatus `json:"status"`

	// only meaningful once the run finished
	Detail string `json:"detail,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (db *DB) CreateRun(id, name, project string, trigger workflow.Trigger, n *notifier.Notifier) error {
	triggerJson, err := json.Marshal(trigger)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		insert into runs (id, name, project, trigger_json, status)
		values (?, ?, ?, ?, ?)
	`, id, name, project, string(triggerJson), engine.StatusPending)
	if err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

func (db *DB) MarkRunRunning(id string, n *notifier.Notifier) error {
	_, err := db.Exec(`
		update runs
		set status = ?, updated = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where id = ?
	`, engine.StatusRunning, id)
	if err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

func (db *DB) MarkRunFinished(id string, status engine.RunStatus, detail string, n *notifier.Notifier) error {
	_, err := db.Exec(`
		update runs
		set status = ?,
		    detail = ?,
		    updated = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
		    finished = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where id = ?
	`, status, detail, id)
	if err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

func (db *DB) GetRun(id string) (Run, error) {
	row := db.QueryRow(`
		select seq, id, name, project, trigger_json, status, detail, created, updated, finished
		from runs
		where id = ?
	`, id)
	return scanRun(row)
}

// GetRuns pages through runs in insertion order. Pass the last seen
// Seq as the cursor, zero for the beginning.
func (db *DB) GetRuns(cursor int64) ([]Run, error) {
	whereClause := ""
	args := []any{}
	if cursor > 0 {
		whereClause = "where seq > ?"
		args = append(args, cursor)
	}

	query := fmt.Sprintf(`
		select seq, id, name, project, trigger_json, status, detail, created, updated, finished
		from runs
		%s
		order by seq asc
		limit 100
	`, whereClause)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var r Run
	var triggerJson, created, updated string
	var finished sql.NullString

	err := row.Scan(&r.Seq, &r.ID, &r.Name, &r.Project, &triggerJson, &r.Status, &r.Detail, &created, &updated, &finished)
	if err != nil {
		return r, err
	}

	if err := json.Unmarshal([]byte(triggerJson), &r.Trigger); err != nil {
		return r, fmt.Errorf("invalid trigger on run %s: %w", r.ID, err)
	}
	if t, err := time.Parse(time.RFC3339, created); err == nil {
		r.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updated); err == nil {
		r.UpdatedAt = t
	}
	if finished.Valid {
		if t, err := time.Parse(time.RFC3339, finished.String); err == nil {
			r.FinishedAt = &t
		}
	}

	return r, nil
}
