package bootstrap

import (
	"strings"
	"testing"

	"github.com/snaplicator/snaplicator/internal/pg"
)

const dumpFixture = `--
-- PostgreSQL database dump
--

CREATE EXTENSION IF NOT EXISTS "uuid-ossp" WITH SCHEMA public;
COMMENT ON EXTENSION "uuid-ossp" IS 'generate universally unique identifiers (UUIDs)';

create extension if not exists pg_trgm with schema public;

ALTER EXTENSION hstore UPDATE;

CREATE TABLE public.users (
    id uuid DEFAULT public.uuid_generate_v4() NOT NULL,
    name text
);
`

func TestExtractExtensions(t *testing.T) {
	got := ExtractExtensions(dumpFixture)
	want := []string{"uuid-ossp", "pg_trgm", "hstore"}

	if len(got) != len(want) {
		t.Fatalf("got %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("extension[%d] = %q; want %q", i, got[i], want[i])
		}
	}
}

func TestExtractExtensions_Deduplicates(t *testing.T) {
	ddl := "CREATE EXTENSION hstore;\nALTER EXTENSION hstore UPDATE;\nCOMMENT ON EXTENSION hstore IS 'x';"
	got := ExtractExtensions(ddl)
	if len(got) != 1 || got[0] != "hstore" {
		t.Errorf("got %v; want [hstore]", got)
	}
}

func TestExtractExtensions_IgnoresTableDDL(t *testing.T) {
	ddl := "CREATE TABLE extension_log (id int);\nSELECT 'CREATE EXTENSION fake' AS noise;"
	if got := ExtractExtensions(ddl); len(got) != 0 {
		t.Errorf("got %v; want none", got)
	}
}

func TestNeutralizeExtensions(t *testing.T) {
	got := NeutralizeExtensions(dumpFixture, map[string]bool{"uuid-ossp": true})

	if !strings.Contains(got, `-- CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`) {
		t.Error("CREATE statement for unavailable extension was not commented out")
	}
	if !strings.Contains(got, `-- COMMENT ON EXTENSION "uuid-ossp"`) {
		t.Error("COMMENT statement for unavailable extension was not commented out")
	}
	// Available extensions stay executable.
	if strings.Contains(got, "-- create extension if not exists pg_trgm") {
		t.Error("statement for available extension was commented out")
	}
	// Non-extension DDL is untouched.
	if !strings.Contains(got, "CREATE TABLE public.users") {
		t.Error("table DDL was altered")
	}
}

func TestNeutralizeExtensions_NoUnavailable(t *testing.T) {
	if got := NeutralizeExtensions(dumpFixture, nil); got != dumpFixture {
		t.Error("DDL changed with nothing to neutralize")
	}
}

func TestRequiredSchemas(t *testing.T) {
	tables := []pg.QualifiedTable{
		{Schema: "public", Name: "users"},
		{Schema: "audit", Name: "events"},
		{Schema: "audit", Name: "changes"},
	}

	got := requiredSchemas(tables, []string{"reporting", "audit", "public"})
	want := []string{"audit", "reporting"}

	if len(got) != len(want) {
		t.Fatalf("got %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("schema[%d] = %q; want %q", i, got[i], want[i])
		}
	}
}
