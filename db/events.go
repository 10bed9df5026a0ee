package db

import (
	"encoding/json"
	"fmt"
	"time"

	"tangled.sh/tangled.sh/loom/engine"
	"tangled.sh/tangled.sh/loom/notifier"
)

type Event struct {
	RunID     string `json:"run_id"`
	Created   int64  `json:"created"`
	EventJson string `json:"event"`
}

// StatusEvent is the payload inside Event.EventJson: one status
// transition of a run or of a single job. Job is empty for run-level
// transitions.
type StatusEvent struct {
	RunID     string           `json:"run_id"`
	Job       string           `json:"job,omitempty"`
	Status    engine.RunStatus `json:"status"`
	Detail    string           `json:"detail,omitempty"`
	CreatedAt string           `json:"created_at"`
}

func (d *DB) InsertEvent(event Event, notifier *notifier.Notifier) error {
	_, err := d.Exec(
		`insert into events (run_id, event, created) values (?, ?, ?)`,
		event.RunID,
		event.EventJson,
		event.Created,
	)

	notifier.NotifyAll()

	return err
}

func (d *DB) CreateStatusEvent(runID, job string, status engine.RunStatus, detail string, n *notifier.Notifier) error {
	now := time.Now()
	s := StatusEvent{
		RunID:     runID,
		Job:       job,
		Status:    status,
		Detail:    detail,
		CreatedAt: now.Format(time.RFC3339),
	}

	eventJson, err := json.Marshal(s)
	if err != nil {
		return err
	}

	event := Event{
		RunID:     runID,
		Created:   now.UnixNano(),
		EventJson: string(eventJson),
	}

	return d.InsertEvent(event, n)
}

// GetEvents pages through events in commit order. Pass the last seen
// Created as the cursor, zero for the beginning.
func (d *DB) GetEvents(cursor int64) ([]Event, error) {
	whereClause := ""
	args := []any{}
	if cursor > 0 {
		whereClause = "where created > ?"
		args = append(args, cursor)
	}

	query := fmt.Sprintf(`
		select run_id, event, created
		from events
		%s
		order by created asc
		limit 100
	`, whereClause)

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evts []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.RunID, &ev.EventJson, &ev.Created); err != nil {
			return nil, err
		}
		evts = append(evts, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return evts, nil
}
