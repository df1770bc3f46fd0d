// Copyright (c) 2026 wgfleet contributors
// wgfleet - WireGuard gateway fleet manager
// This source code is licensed under the MIT license found in the LICENSE file.

// package db provides the data access layer for wgfleet. It abstracts the
// underlying database (e.g., SQLite, PostgreSQL) behind a consistent
// interface, allowing the rest of the application to interact with the
// database in a uniform way.
package db // import "github.com/veitkamp/wgfleet/internal/db"

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/veitkamp/wgfleet/internal/model"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"

	// SQL drivers required for integration tests and runtime.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// package-level variables
var (
	store Store
	//go:embed migrations
	embeddedMigrations embed.FS
	// sqlOpenFunc allows tests to override database opening behavior.
	sqlOpenFunc = sql.Open
	// auditWriter, when set, overrides the store for audit logging.
	auditWriter AuditWriter
)

// InitDB initializes the database connection based on the provided type and
// DSN. It sets the global `store` variable to the appropriate database
// implementation and runs any pending database migrations.
func InitDB(dbType, dsn string) error {
	s, err := NewStoreFromDSN(dbType, dsn)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	store = s
	return nil
}

// IsInitialized reports whether the package-level store has been set.
func IsInitialized() bool {
	return store != nil
}

// SetStore installs a store directly. Intended for tests.
func SetStore(s Store) {
	store = s
}

// SetAuditWriter installs an audit writer override. Pass nil to restore the
// default behavior of writing through the store.
func SetAuditWriter(w AuditWriter) {
	auditWriter = w
}

// NewStoreFromDSN opens a sql.DB for the given DSN, runs migrations, and
// returns a Store backed by a long-lived *bun.DB. This hides *sql.DB usage
// from higher-level callers.
func NewStoreFromDSN(dbType, dsn string) (Store, error) {
	driverName := dbType
	// The pgx stdlib registers driver name "pgx"; map "postgres" to that driver.
	if dbType == "postgres" {
		driverName = "pgx"
	}
	start := time.Now()
	sqlDB, err := sqlOpenFunc(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure DB connection pool with sensible defaults. Values can be
	// overridden via environment variables for CI or production tuning.
	const (
		defaultMaxOpenConns    = 25
		defaultMaxIdleConns    = 25
		defaultConnMaxLifetime = 5 * time.Minute
	)

	maxOpen := defaultMaxOpenConns
	if v := os.Getenv("WGFLEET_DB_MAX_OPEN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			maxOpen = n
		}
	}
	maxIdle := defaultMaxIdleConns
	if v := os.Getenv("WGFLEET_DB_MAX_IDLE_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			maxIdle = n
		}
	}

	// For in-memory SQLite databases, force a single open connection to
	// avoid the SQLite per-connection in-memory database semantics which
	// can make schema changes invisible across different connections.
	// Tests commonly use ":memory:" and rely on a single DB.
	if dbType == "sqlite" && strings.Contains(dsn, ":memory:") {
		maxOpen = 1
		maxIdle = 1
	}
	connMax := defaultConnMaxLifetime
	if v := os.Getenv("WGFLEET_DB_CONN_MAX_LIFETIME_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			connMax = time.Duration(n) * time.Second
		}
	}

	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(connMax)

	openDur := time.Since(start)
	dbLogf("db: opened %s driver in %s (conn max open=%d, maxLifetime=%s)", driverName, openDur, maxOpen, connMax)

	migStart := time.Now()
	if err := RunMigrations(sqlDB, dbType); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	dbLogf("db: migrations for %s completed in %s", dbType, time.Since(migStart))

	bunDB := createBunDB(sqlDB, dbType)
	switch dbType {
	case "sqlite":
		return newSqliteStore(bunDB), nil
	case "postgres":
		return newPostgresStore(bunDB), nil
	case "mysql":
		return newMySQLStore(bunDB), nil
	default:
		return nil, fmt.Errorf("unsupported database type for store creation: '%s'", dbType)
	}
}

// createBunDB constructs a *bun.DB for the provided *sql.DB and dbType.
// Centralizing construction makes it easier to apply consistent options
// and to test Bun initialization in one place.
func createBunDB(sqlDB *sql.DB, dbType string) *bun.DB {
	switch dbType {
	case "sqlite":
		return bun.NewDB(sqlDB, sqlitedialect.New())
	case "postgres":
		return bun.NewDB(sqlDB, pgdialect.New())
	case "mysql":
		return bun.NewDB(sqlDB, mysqldialect.New())
	default:
		// Fallback to SQLite dialect as a safe default; callers should validate dbType earlier.
		return bun.NewDB(sqlDB, sqlitedialect.New())
	}
}

// RunMigrations applies the necessary database migrations for a given database connection.
func RunMigrations(db *sql.DB, dbType string) error {
	start := time.Now()
	dbLogf("db: starting migrations for %s", dbType)
	migrationsPath := fmt.Sprintf("migrations/%s", dbType)

	entries, err := fs.ReadDir(embeddedMigrations, migrationsPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// No migrations embedded for this DB type.
			return nil
		}
		return fmt.Errorf("failed to read embedded migrations (%s): %w", migrationsPath, err)
	}

	// Collect .up.sql files and sort them.
	var ups []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".up.sql") {
			ups = append(ups, name)
		}
	}
	sort.Strings(ups)

	if err := ensureSchemaMigrationsTable(db, dbType); err != nil {
		return fmt.Errorf("failed to ensure schema_migrations table: %w", err)
	}

	for _, fname := range ups {
		version := strings.TrimSuffix(fname, ".up.sql")

		// Check if already applied.
		var exists int
		query := "SELECT 1 FROM schema_migrations WHERE version = ?"
		if dbType == "postgres" {
			query = "SELECT 1 FROM schema_migrations WHERE version = $1"
		}
		err := db.QueryRow(query, version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("failed to check migration version %s: %w", version, err)
		}

		p := path.Join(migrationsPath, fname)
		data, err := embeddedMigrations.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", p, err)
		}

		// Apply within a transaction.
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", version, err)
		}
		if _, err := tx.Exec(string(data)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to execute migration %s: %w", version, err)
		}

		insertQuery := "INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)"
		if dbType == "postgres" {
			insertQuery = "INSERT INTO schema_migrations(version, applied_at) VALUES($1, $2)"
		}
		if _, err := tx.Exec(insertQuery, version, time.Now()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to commit migration %s: %w", version, err)
		}
	}

	dbLogf("db: applied migrations for %s in %s", dbType, time.Since(start))
	return nil
}

// ensureSchemaMigrationsTable creates schema_migrations if missing.
func ensureSchemaMigrationsTable(db *sql.DB, dbType string) error {
	// MySQL does not permit TEXT/BLOB columns to be indexed without a length,
	// so use a VARCHAR with a safe length there. Other engines can use TEXT.
	if dbType == "mysql" {
		_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version VARCHAR(191) PRIMARY KEY, applied_at TIMESTAMP)`)
		return err
	}
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMP)`)
	return err
}

// RunDBMaintenance performs engine-specific maintenance tasks for the given
// database DSN. For SQLite this runs PRAGMA optimize, VACUUM and a WAL
// checkpoint. For Postgres it runs VACUUM ANALYZE. For MySQL it runs
// OPTIMIZE TABLE for all tables.
func RunDBMaintenance(dbType, dsn string) error {
	driverName := dbType
	if dbType == "postgres" {
		driverName = "pgx"
	}
	sqlDB, err := sqlOpenFunc(driverName, dsn)
	if err != nil {
		return fmt.Errorf("failed to open database for maintenance: %w", err)
	}
	defer func() { _ = sqlDB.Close() }()

	// Small timeout for maintenance operations to avoid blocking CI.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	switch dbType {
	case "sqlite":
		// PRAGMA optimize may not be supported or useful in some
		// environments; treat optimize errors as non-fatal.
		if _, err := sqlDB.ExecContext(ctx, "PRAGMA optimize;"); err != nil {
			dbLogf("db: sqlite optimize failed (ignored): %v", err)
		}
		if _, err := sqlDB.ExecContext(ctx, "VACUUM;"); err != nil {
			return fmt.Errorf("sqlite vacuum failed: %w", err)
		}
		// WAL checkpoint; ignore errors if not supported.
		_, _ = sqlDB.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE);")
		var res string
		if row := sqlDB.QueryRowContext(ctx, "PRAGMA integrity_check;"); row != nil {
			_ = row.Scan(&res)
			if res != "ok" {
				return fmt.Errorf("sqlite integrity_check failed: %s", res)
			}
		}
	case "postgres":
		if _, err := sqlDB.ExecContext(ctx, "VACUUM ANALYZE;"); err != nil {
			return fmt.Errorf("postgres vacuum failed: %w", err)
		}
	case "mysql":
		rows, err := sqlDB.QueryContext(ctx, "SHOW TABLES")
		if err != nil {
			return fmt.Errorf("mysql show tables failed: %w", err)
		}
		defer func() { _ = rows.Close() }()
		var table string
		var lastErr error
		for rows.Next() {
			if err := rows.Scan(&table); err != nil {
				return fmt.Errorf("mysql read table name failed: %w", err)
			}
			if _, err := sqlDB.ExecContext(ctx, fmt.Sprintf("OPTIMIZE TABLE %s", table)); err != nil {
				// Non-fatal per-table: remember last error and continue
				dbLogf("db: mysql optimize table %s failed: %v", table, err)
				lastErr = err
			}
		}
		if lastErr != nil {
			return fmt.Errorf("mysql optimize encountered errors: %w", lastErr)
		}
	default:
		return fmt.Errorf("unsupported db type for maintenance: %s", dbType)
	}
	return nil
}

// --- Package-level wrappers over the global store ---

// AddHost registers a new gateway host.
func AddHost(h model.Host) (int, error) { return store.AddHost(h) }

// GetHost retrieves a host by id. Soft-deleted hosts yield ErrNotFound.
func GetHost(id int) (*model.Host, error) { return store.GetHost(id) }

// GetAllHosts retrieves all non-deleted hosts.
func GetAllHosts() ([]model.Host, error) { return store.GetAllHosts() }

// GetHostsByState retrieves all hosts in the given lifecycle state.
func GetHostsByState(state model.HostState) ([]model.Host, error) {
	return store.GetHostsByState(state)
}

// UpdateHostState applies a lifecycle transition, rejecting any move not in
// the transition table.
func UpdateHostState(id int, next model.HostState) error {
	return store.UpdateHostState(id, next)
}

// UpdateHostDeployProgress records deployment bookkeeping for a host.
func UpdateHostDeployProgress(id, progress int, lastStep, lastError string) error {
	return store.UpdateHostDeployProgress(id, progress, lastStep, lastError)
}

// UpdateHostWGKeys stores the server-side WireGuard keypair for a host.
func UpdateHostWGKeys(id int, publicKey, privateKey string) error {
	return store.UpdateHostWGKeys(id, publicKey, privateKey)
}

// UpdateHostKey stores the trusted SSH host key for a host.
func UpdateHostKey(id int, hostKey string) error { return store.UpdateHostKey(id, hostKey) }

// DeleteHost soft-deletes a host. Idempotent.
func DeleteHost(id int) error { return store.DeleteHost(id) }

// AddDevice persists a new device credential.
func AddDevice(d model.Device) (int, error) { return store.AddDevice(d) }

// GetDevice retrieves a device by id. Soft-deleted devices yield ErrNotFound.
func GetDevice(id int) (*model.Device, error) { return store.GetDevice(id) }

// GetDevicesForHost retrieves all non-deleted devices on a host.
func GetDevicesForHost(hostID int) ([]model.Device, error) {
	return store.GetDevicesForHost(hostID)
}

// GetActiveDevicesForHost retrieves the active devices on a host.
func GetActiveDevicesForHost(hostID int) ([]model.Device, error) {
	return store.GetActiveDevicesForHost(hostID)
}

// UpdateDeviceState applies a device lifecycle transition.
func UpdateDeviceState(id int, next model.DeviceState) error {
	return store.UpdateDeviceState(id, next)
}

// UpdateDeviceLastSeen records when a device was last reported by its host.
func UpdateDeviceLastSeen(id int, seen time.Time) error {
	return store.UpdateDeviceLastSeen(id, seen)
}

// DeleteDevice soft-deletes a device credential.
func DeleteDevice(id int) error { return store.DeleteDevice(id) }

// AddHostSample appends one host metric sample.
func AddHostSample(s model.HostSample) error { return store.AddHostSample(s) }

// AddDeviceSample appends one device metric sample.
func AddDeviceSample(s model.DeviceSample) error { return store.AddDeviceSample(s) }

// GetHostSamples returns host samples collected at or after `since`, in
// collection order.
func GetHostSamples(hostID int, since time.Time) ([]model.HostSample, error) {
	return store.GetHostSamples(hostID, since)
}

// GetDeviceSamples returns device samples collected at or after `since`, in
// collection order.
func GetDeviceSamples(deviceID int, since time.Time) ([]model.DeviceSample, error) {
	return store.GetDeviceSamples(deviceID, since)
}

// GetLatestDeviceSample returns the most recent sample for a device, or nil
// when none exists.
func GetLatestDeviceSample(deviceID int) (*model.DeviceSample, error) {
	return store.GetLatestDeviceSample(deviceID)
}

// PruneSamples deletes all host and device samples collected before the
// given cutoff and reports how many rows were removed.
func PruneSamples(before time.Time) (int64, error) { return store.PruneSamples(before) }

// LogAction records an audit trail event. Prefers an injected AuditWriter
// when available (useful for tests).
func LogAction(action string, details string) error {
	if auditWriter != nil {
		return auditWriter.LogAction(action, details)
	}
	return store.LogAction(action, details)
}

// GetAllAuditLogEntries retrieves all entries from the audit log, most recent first.
func GetAllAuditLogEntries() ([]model.AuditLogEntry, error) {
	return store.GetAllAuditLogEntries()
}

// GetSetting reads a settings-table value; empty string when unset.
func GetSetting(key string) (string, error) { return store.GetSetting(key) }

// SetSetting writes a settings-table value.
func SetSetting(key, value string) error { return store.SetSetting(key, value) }

// ExportDataForBackup retrieves hosts and devices for a backup.
func ExportDataForBackup() (*model.BackupData, error) { return store.ExportDataForBackup() }

// ImportDataFromBackup restores the database from a backup data structure.
func ImportDataFromBackup(backup *model.BackupData) error {
	return store.ImportDataFromBackup(backup)
}

// Settings returns the store as a security.SettingsStore-compatible value.
type settingsAdapter struct{}

func (settingsAdapter) GetSetting(key string) (string, error) { return GetSetting(key) }
func (settingsAdapter) SetSetting(key, value string) error { return SetSetting(key, value) }

// Settings exposes the settings table behind a narrow interface for
// consumers that must not depend on the full store (e.g. the session key).
func Settings() interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
} {
	return settingsAdapter{}
}
