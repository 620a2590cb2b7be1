package domain

import (
	"database/sql"
	"fmt"
)

// ParseIsolation maps a config name to a database/sql isolation level.
// The empty string means the driver default.
func ParseIsolation(name string) (sql.IsolationLevel, error) {
	switch name {
	case "":
		return sql.LevelDefault, nil
	case "read-uncommitted":
		return sql.LevelReadUncommitted, nil
	case "read-committed":
		return sql.LevelReadCommitted, nil
	case "repeatable-read":
		return sql.LevelRepeatableRead, nil
	case "serializable":
		return sql.LevelSerializable, nil
	}
	return sql.LevelDefault, fmt.Errorf("unknown isolation level %q", name)
}
