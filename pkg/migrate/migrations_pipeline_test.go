package migrate_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/medibridge/hms-backend/pkg/migrate"
)

func TestPipelineMigrationContainsSchema(t *testing.T) {
	matches, err := filepath.Glob(filepath.Join("migrations", "*_create_submission_pipeline.sql"))
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(matches) == 0 {
		t.Fatalf("no submission pipeline migration file found")
	}

	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read migration file: %v", err)
	}
	content := string(data)

	checks := []string{
		"CREATE TABLE IF NOT EXISTS submission_jobs",
		"CREATE TABLE IF NOT EXISTS ledger_submissions",
		"CREATE TABLE IF NOT EXISTS submission_failures",
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_submissions_entity_event",
		"ON submission_jobs (queue_name, state, run_at)",
		"DROP TABLE IF EXISTS submission_jobs",
	}

	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestMigrationDirValidates(t *testing.T) {
	if err := migrate.ValidateDir("migrations"); err != nil {
		t.Fatalf("migration validation failed: %v", err)
	}
}
