package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/cuemby/fleetd/pkg/log"
	"github.com/cuemby/fleetd/pkg/storage"
)

var (
	dataDir    = flag.String("data-dir", "/var/lib/fleetd", "fleetd data directory")
	dryRun     = flag.Bool("dry-run", false, "Report the database size without compacting")
	backupPath = flag.String("backup", "", "Path to backup the database before compaction (default: <data-dir>/fleetd.db.backup)")
)

func main() {
	flag.Parse()
	log.Init(log.Config{Level: log.InfoLevel})

	if err := run(*dataDir, *backupPath, *dryRun); err != nil {
		log.Logger.Fatal().Err(err).Msg("Compaction failed")
	}
}

// run compacts the store in dataDir. The node must be stopped: bolt allows
// a single writer per file.
func run(dataDir, backup string, dryRun bool) error {
	dbPath := storage.DBPath(dataDir)
	before, err := os.Stat(dbPath)
	if err != nil {
		return fmt.Errorf("database not found at %s: %w", dbPath, err)
	}

	logger := log.WithComponent("compact")
	logger.Info().Str("database", dbPath).Int64("size", before.Size()).Bool("dry_run", dryRun).Msg("fleetd database compaction")

	if dryRun {
		logger.Info().Msg("Dry run completed, no changes made")
		return nil
	}

	if backup == "" {
		backup = dbPath + ".backup"
	}
	if err := copyFile(dbPath, backup); err != nil {
		return fmt.Errorf("failed to create backup: %w", err)
	}
	logger.Info().Str("backup", backup).Msg("Backup created")

	tmp := dbPath + ".compact"
	if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale %s: %w", tmp, err)
	}
	if err := storage.Compact(dbPath, tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dbPath); err != nil {
		return fmt.Errorf("failed to replace database: %w", err)
	}

	after, err := os.Stat(dbPath)
	if err != nil {
		return err
	}
	logger.Info().
		Int64("before", before.Size()).
		Int64("after", after.Size()).
		Str("backup", backup).
		Msg("Compaction completed")
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
