package pg

import (
	"strings"
	"testing"
)

func TestKeywordValue(t *testing.T) {
	p := ConnParams{
		Host:     "db.example.com",
		Port:     5432,
		Database: "app",
		User:     "replicator",
		Password: "secret",
		SSLMode:  "require",
	}

	got := p.KeywordValue()
	want := "dbname=app host=db.example.com password=secret port=5432 sslmode=require user=replicator"
	if got != want {
		t.Errorf("KeywordValue() = %q; want %q", got, want)
	}
}

func TestKeywordValue_OmitsEmptyOptionals(t *testing.T) {
	p := ConnParams{Host: "127.0.0.1", Port: 5432, Database: "postgres", User: "postgres"}

	got := p.KeywordValue()
	for _, forbidden := range []string{"password=", "sslmode=", "application_name=", "options="} {
		if strings.Contains(got, forbidden) {
			t.Errorf("KeywordValue() = %q; must not contain %q", got, forbidden)
		}
	}
}

func TestKeywordValue_QuotesAwkwardPasswords(t *testing.T) {
	tests := []struct {
		password string
		want     string
	}{
		{"with space", `password='with space'`},
		{"it's", `password='it\'s'`},
		{`back\slash`, `password='back\\slash'`},
	}

	for _, tt := range tests {
		p := ConnParams{Host: "h", Port: 1, Database: "d", User: "u", Password: tt.password}
		if got := p.KeywordValue(); !strings.Contains(got, tt.want) {
			t.Errorf("KeywordValue() with password %q = %q; want fragment %q", tt.password, got, tt.want)
		}
	}
}

func TestKeywordValue_DisableTimeouts(t *testing.T) {
	p := ConnParams{Host: "h", Port: 1, Database: "d", User: "u", DisableTimeouts: true}

	got := p.KeywordValue()
	for _, setting := range []string{"statement_timeout=0", "lock_timeout=0", "idle_in_transaction_session_timeout=0"} {
		if !strings.Contains(got, setting) {
			t.Errorf("KeywordValue() = %q; missing %q", got, setting)
		}
	}
}

func TestQuoteKV(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"", "''"},
		{"two words", "'two words'"},
		{"o'clock", `'o\'clock'`},
	}

	for _, tt := range tests {
		if got := quoteKV(tt.in); got != tt.want {
			t.Errorf("quoteKV(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}
