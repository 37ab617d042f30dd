package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// mysqlDuplicateEntry is ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS stepgraph_threads (
			thread_id VARCHAR(255) NOT NULL PRIMARY KEY,
			tip_id VARCHAR(64) NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS stepgraph_checkpoints (
			thread_id VARCHAR(255) NOT NULL,
			checkpoint_id VARCHAR(64) NOT NULL,
			parent_id VARCHAR(64) NOT NULL DEFAULT '',
			step INT NOT NULL,
			source VARCHAR(16) NOT NULL,
			state LONGBLOB NOT NULL,
			tasks JSON NOT NULL,
			interrupts JSON NOT NULL,
			metadata JSON NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_id),
			INDEX idx_stepgraph_cp_parent (thread_id, parent_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	},
	isDuplicate: func(err error) bool {
		var me *mysql.MySQLError
		return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
	},
}

// MySQLStore is a MySQL/MariaDB implementation of Store.
//
// Designed for:
//   - Production services with several workers sharing threads
//   - Long-running threads that survive process restarts
//   - Audit trails over checkpoint history
//
// The state column is stored as raw bytes so encoded state round-trips
// byte-for-byte; the structured columns use the JSON type.
type MySQLStore struct {
	*sqlStore
}

// NewMySQLStore creates a new MySQL-backed store.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...&paramN=valueN]
//
// Security Warning:
//
//	NEVER hardcode credentials in your source code. Use environment variables
//	or the STEPGRAPH_STORE override of the config file.
//
// Example:
//
//	st, err := store.NewMySQLStore("user:pass@tcp(localhost:3306)/stepgraph")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s, err := newSQLStore(ctx, db, mysqlDialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &MySQLStore{sqlStore: s}, nil
}
