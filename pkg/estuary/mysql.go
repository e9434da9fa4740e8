package estuary

import (
	"context"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/cohenjo/changestream/pkg/config"
	"github.com/cohenjo/changestream/pkg/events"
)

// MySQLEndpoint appends every event as a row of an event log table.
type MySQLEndpoint struct {
	tableName string
	conn      *sqlx.DB
	insert    string
}

// mysqlRow mirrors the event log table columns
type mysqlRow struct {
	Token         string `db:"token"`
	OperationType string `db:"operation_type"`
	Database      string `db:"db"`
	Collection    string `db:"coll"`
	DocumentKey   []byte `db:"document_key"`
	Payload       []byte `db:"payload"`
}

func NewMySQLEndpoint(cfg config.TargetConfig) (*MySQLEndpoint, error) {
	conn, err := sqlx.Open("mysql", mysqlDSN(cfg))
	if err != nil {
		return nil, NewConnectionError("mysql", "error while connecting to MySQL db", err)
	}

	endpoint := newMySQLEndpoint(conn, cfg.Collection)
	if _, err := conn.Exec(endpoint.createTableStatement()); err != nil {
		conn.Close()
		return nil, NewConnectionError("mysql", "cannot create event table", err)
	}
	return endpoint, nil
}

func newMySQLEndpoint(conn *sqlx.DB, table string) *MySQLEndpoint {
	return &MySQLEndpoint{
		tableName: table,
		conn:      conn,
		insert:    insertStatement(table),
	}
}

// mysqlDSN uses the URI as a DSN when given, otherwise builds one from the
// target fields.
func mysqlDSN(cfg config.TargetConfig) string {
	if cfg.URI != "" {
		return cfg.URI
	}
	port := cfg.Port
	if port == 0 {
		port = 3306
	}

	dsn := mysql.NewConfig()
	dsn.User = cfg.Username
	dsn.Passwd = cfg.Password
	dsn.Net = "tcp"
	dsn.Addr = fmt.Sprintf("%s:%d", cfg.Host, port)
	dsn.DBName = cfg.Database
	dsn.InterpolateParams = true
	return dsn.FormatDSN()
}

func insertStatement(table string) string {
	return fmt.Sprintf("INSERT IGNORE INTO `%s` (token, operation_type, db, coll, document_key, payload) "+
		"VALUES (:token, :operation_type, :db, :coll, :document_key, :payload)", table)
}

func (std *MySQLEndpoint) createTableStatement() string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s` ("+
		"id BIGINT AUTO_INCREMENT PRIMARY KEY, "+
		"token VARCHAR(512) NOT NULL UNIQUE, "+
		"operation_type VARCHAR(16) NOT NULL, "+
		"db VARCHAR(64) NOT NULL, "+
		"coll VARCHAR(255) NOT NULL, "+
		"document_key JSON NULL, "+
		"payload JSON NOT NULL)", std.tableName)
}

func newMySQLRow(record *events.RecordEvent) mysqlRow {
	row := mysqlRow{
		Token:         record.Token,
		OperationType: record.Action,
		Database:      record.Schema,
		Collection:    record.Collection,
		Payload:       record.Data,
	}
	if len(record.Key) > 0 {
		row.DocumentKey = record.Key
	}
	return row
}

func (std *MySQLEndpoint) WriteEvent(ctx context.Context, record *events.RecordEvent) error {
	result, err := std.conn.NamedExecContext(ctx, std.insert, newMySQLRow(record))
	if err != nil {
		return NewWriteError("mysql", "insert failed", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		log.Debug().Str("token", record.Token).Msg("Event already stored")
	}
	return nil
}

func (std *MySQLEndpoint) Close() error {
	return std.conn.Close()
}
