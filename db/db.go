package db

import (
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func Make(dbPath string) (*DB, error) {
	// https://github.com/mattn/go-sqlite3#connection-string
	opts := []string{
		"_foreign_keys=1",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_auto_vacuum=incremental",
	}

	db, err := sql.Open("sqlite3", dbPath+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		-- one row per pipeline execution
		create table if not exists runs (
			seq integer primary key autoincrement,
			id text not null unique,
			name text not null,
			project text not null default '',
			trigger_json text not null,
			status text not null,
			detail text not null default '',
			created text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			updated text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			finished text
		);

		-- one row per materialized job of a run, in graph order
		create table if not exists jobs (
			id integer primary key autoincrement,
			run_id text not null references runs(id),
			key text not null,
			stage text not null,
			variant text not null default '',
			status text not null,
			detail text not null default '',
			updated text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),

			unique (run_id, key)
		);

		-- status event per transition
		create table if not exists events (
			run_id text not null,
			event text not null, -- json
			created integer not null -- unix nanos
		);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}
