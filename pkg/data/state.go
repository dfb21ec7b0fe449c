package data

import (
	"database/sql"

	"github.com/pkg/errors"
)

var (
	stateQueries = map[string]string{
		"history":         "SELECT COUNT(*) FROM history",
		"history_users":   "SELECT COUNT(DISTINCT user_id) FROM history",
		"detection":       "SELECT COUNT(*) FROM detection",
		"detection_block": "SELECT COUNT(*) FROM detection WHERE decision = 'block'",
		"schema_version":  "SELECT COALESCE(MAX(version), 0) FROM schema_version",
	}
)

// GetDataState returns the current state of the database.
func GetDataState(db *sql.DB) (map[string]int64, error) {
	if db == nil {
		return nil, ErrDBNotInitialized
	}

	state := make(map[string]int64)
	for k, v := range stateQueries {
		stmt, err := db.Prepare(v)
		if err != nil {
			return nil, errors.Wrapf(err, "error preparing %s statement", k)
		}

		count, err := getCount(stmt)
		stmt.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "error getting %s count", k)
		}
		state[k] = count
	}

	return state, nil
}

func getCount(stmt *sql.Stmt) (int64, error) {
	row := stmt.QueryRow()

	var count int64
	err := row.Scan(&count)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, errors.Wrap(err, "failed to scan row")
	}

	return count, nil
}

var purgeTables = []string{"history", "detection"}

// Purge deletes all history and detection rows, keeping the schema.
func Purge(db *sql.DB) error {
	if db == nil {
		return ErrDBNotInitialized
	}
	for _, t := range purgeTables {
		if _, err := db.Exec("DELETE FROM " + t); err != nil {
			return errors.Wrapf(err, "error purging %s", t)
		}
	}
	return nil
}
