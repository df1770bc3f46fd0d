// Copyright (c) 2026 wgfleet contributors
// wgfleet - WireGuard gateway fleet manager
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"

	"github.com/veitkamp/wgfleet/internal/db"
	"github.com/veitkamp/wgfleet/internal/i18n"
	"github.com/veitkamp/wgfleet/internal/model"
)

// newBackupCmd dumps hosts and devices into a zstd-compressed JSON file.
// Metric samples are excluded; they expire within the retention window.
func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup [output-file]",
		Short: "Create a compressed (zstd) JSON backup of the database",
		Long: `Dumps all hosts and device credentials into a single Zstandard-compressed
JSON file, usable for disaster recovery or for migrating to a different
database backend.

If no output file is specified, a default filename
'wgfleet-backup-YYYY-MM-DD.json.zst' is used.`,
		Args:    cobra.MaximumNArgs(1),
		PreRunE: setupDefaultServices,
		RunE: func(cmd *cobra.Command, args []string) error {
			var outputFile string
			if len(args) == 0 {
				outputFile = fmt.Sprintf("wgfleet-backup-%s.json.zst", time.Now().Format("2006-01-02"))
			} else {
				outputFile = args[0]
				if !strings.HasSuffix(outputFile, ".zst") {
					outputFile += ".zst"
				}
			}
			fmt.Println(i18n.T("backup.cli_starting"))
			data, err := db.ExportDataForBackup()
			if err != nil {
				return fmt.Errorf("%s", i18n.T("backup.cli_error_export", err))
			}
			if err := writeCompressedBackup(outputFile, data); err != nil {
				return fmt.Errorf("%s", i18n.T("backup.cli_error_write", err))
			}
			fmt.Println(i18n.T("backup.cli_success", outputFile))
			return nil
		},
	}
}

// newRestoreCmd restores the database from a compressed JSON backup.
func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <backup-file.zst>",
		Short: "Restore the database from a compressed JSON backup",
		Long: `Restores hosts and device credentials from a Zstandard-compressed JSON
backup file. Existing data is replaced.

This command is intended for disaster recovery or for migrating between
database backends (e.g., from SQLite to PostgreSQL).`,
		Args:    cobra.ExactArgs(1),
		PreRunE: setupDefaultServices,
		RunE: func(cmd *cobra.Command, args []string) error {
			inputFile := args[0]
			fmt.Println(i18n.T("restore.cli_starting", inputFile))
			backup, err := readCompressedBackup(inputFile)
			if err != nil {
				return fmt.Errorf("%s", i18n.T("restore.cli_error_read", err))
			}
			if err := db.ImportDataFromBackup(backup); err != nil {
				return fmt.Errorf("%s", i18n.T("restore.cli_error_import", err))
			}
			fmt.Println(i18n.T("restore.cli_success"))
			return nil
		},
	}
}

// newDBMaintainCmd runs database maintenance tasks for the configured database.
func newDBMaintainCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "db-maintain",
		Short:   "Run database maintenance (VACUUM/OPTIMIZE) for the configured DB",
		Long:    `Runs engine-specific maintenance tasks (VACUUM, OPTIMIZE TABLE, PRAGMA optimize).`,
		PreRunE: setupDefaultServices,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := db.RunDBMaintenance(appConfig.Database.Type, appConfig.Database.Dsn); err != nil {
				return fmt.Errorf("%s", i18n.T("dbmaintain.fail", err))
			}
			fmt.Println(i18n.T("dbmaintain.success"))
			return nil
		},
	}
}

// newAuditCmd prints the audit trail, most recent first.
func newAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "audit",
		Short:   "Show the audit log",
		PreRunE: setupDefaultServices,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := db.GetAllAuditLogEntries()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println(i18n.T("audit.none"))
				return nil
			}
			fmt.Println(i18n.T("audit.header", len(entries)))
			for _, e := range entries {
				fmt.Printf("%s  %-12s %-20s %s\n", e.Timestamp, e.Actor, e.Action, e.Details)
			}
			return nil
		},
	}
}

// readCompressedBackup handles reading and decoding a zstd-compressed JSON
// backup file.
func readCompressedBackup(filename string) (*model.BackupData, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("could not open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	zstdReader, err := zstd.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("could not create zstd reader: %w", err)
	}
	defer zstdReader.Close()

	var backupData model.BackupData
	if err := json.NewDecoder(zstdReader).Decode(&backupData); err != nil {
		return nil, fmt.Errorf("could not decode json from zstd reader: %w", err)
	}

	return &backupData, nil
}

// writeCompressedBackup streams the JSON encoding directly to the zstd
// writer for memory efficiency.
func writeCompressedBackup(filename string, data *model.BackupData) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("could not create file: %w", err)
	}
	defer func() { _ = file.Close() }()

	zstdWriter, err := zstd.NewWriter(file)
	if err != nil {
		return fmt.Errorf("could not create zstd writer: %w", err)
	}
	defer func() { _ = zstdWriter.Close() }()

	encoder := json.NewEncoder(zstdWriter)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("could not encode json to zstd writer: %w", err)
	}

	return nil
}
