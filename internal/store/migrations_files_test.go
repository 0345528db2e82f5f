package store

import (
	"io/fs"
	"regexp"
	"strings"
	"testing"
)

func TestMigrationsHaveUpAndDownSections(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, migrationsDir)
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d{5})_[a-z0-9_]+\.sql$`)
	seen := map[string]bool{}
	for _, entry := range entries {
		name := entry.Name()
		match := pattern.FindStringSubmatch(name)
		if match == nil {
			t.Fatalf("migration %q does not follow NNNNN_name.sql", name)
		}
		if seen[match[1]] {
			t.Fatalf("duplicate migration version %s", match[1])
		}
		seen[match[1]] = true

		contents, err := fs.ReadFile(migrationsFS, migrationsDir+"/"+name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		body := string(contents)
		if !strings.Contains(body, "-- +goose Up") || !strings.Contains(body, "-- +goose Down") {
			t.Fatalf("%s must include goose Up and Down sections", name)
		}
	}
	if len(seen) == 0 {
		t.Fatal("no migrations discovered")
	}
}

// One current signature document and payment record per proposal is what
// keeps concurrent submissions from creating two provider-side artifacts.
func TestMigrationsDeclareIdempotencyConstraints(t *testing.T) {
	var all strings.Builder
	entries, err := fs.ReadDir(migrationsFS, migrationsDir)
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	for _, entry := range entries {
		contents, err := fs.ReadFile(migrationsFS, migrationsDir+"/"+entry.Name())
		if err != nil {
			t.Fatalf("read %s: %v", entry.Name(), err)
		}
		all.Write(contents)
	}
	sql := all.String()

	for _, constraint := range []string{
		"proposals_public_token_key UNIQUE (public_token)",
		"signature_documents_proposal_key UNIQUE (proposal_id)",
		"payment_records_proposal_key UNIQUE (proposal_id)",
		"clinics_tax_id_key UNIQUE (tax_id)",
		"users_email_key ON users (LOWER(email))",
		"PRIMARY KEY (clinic_id, user_id)",
		"PRIMARY KEY (clinic_id, package_id)",
		"entitlements_scope_key UNIQUE (tenant_id, user_id, package_id)",
	} {
		if !strings.Contains(sql, constraint) {
			t.Errorf("missing constraint %q", constraint)
		}
	}
}
