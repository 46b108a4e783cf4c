package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// BootstrapConfig is the environment contract for the replica bootstrap
// binary, which runs once inside a freshly created replica container.
type BootstrapConfig struct {
	// Local superuser connection.
	PostgresUser string
	PostgresDB   string

	// Logical replication identifiers.
	SubscriptionName string
	PublicationName  string

	// Upstream primary connection.
	PrimaryHost     string
	PrimaryPort     int
	PrimaryDB       string
	PrimaryUser     string
	PrimaryPassword string

	// Optional.
	PrecreatedSlotName string
	DumpSchemas        []string
	SSLMode            string
}

// BootstrapFromEnv reads the bootstrap environment contract. Every missing
// required variable is reported in one error.
func BootstrapFromEnv() (*BootstrapConfig, error) {
	cfg := &BootstrapConfig{
		PostgresUser:       os.Getenv("POSTGRES_USER"),
		PostgresDB:         os.Getenv("POSTGRES_DB"),
		SubscriptionName:   os.Getenv("SUBSCRIPTION_NAME"),
		PublicationName:    os.Getenv("PUBLICATION_NAME"),
		PrimaryHost:        os.Getenv("PRIMARY_HOST"),
		PrimaryDB:          os.Getenv("PRIMARY_DB"),
		PrimaryUser:        os.Getenv("PRIMARY_USER"),
		PrimaryPassword:    os.Getenv("PRIMARY_PASSWORD"),
		PrecreatedSlotName: os.Getenv("PRECREATED_SLOT_NAME"),
		SSLMode:            os.Getenv("PGSSLMODE"),
	}

	var missing []string
	for _, req := range []struct {
		name  string
		value string
	}{
		{"POSTGRES_USER", cfg.PostgresUser},
		{"POSTGRES_DB", cfg.PostgresDB},
		{"SUBSCRIPTION_NAME", cfg.SubscriptionName},
		{"PUBLICATION_NAME", cfg.PublicationName},
		{"PRIMARY_HOST", cfg.PrimaryHost},
		{"PRIMARY_DB", cfg.PrimaryDB},
		{"PRIMARY_USER", cfg.PrimaryUser},
		{"PRIMARY_PASSWORD", cfg.PrimaryPassword},
	} {
		if req.value == "" {
			missing = append(missing, req.name)
		}
	}

	// Malformed values are collected alongside missing ones so a broken
	// container environment is reported in full on the first run.
	var problems []string
	portStr := os.Getenv("PRIMARY_PORT")
	if portStr == "" {
		missing = append(missing, "PRIMARY_PORT")
	} else {
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			problems = append(problems, fmt.Sprintf("PRIMARY_PORT must be a valid port number, got %q", portStr))
		} else {
			cfg.PrimaryPort = port
		}
	}

	if len(missing) > 0 {
		problems = append([]string{fmt.Sprintf("missing required environment: %s", strings.Join(missing, ", "))}, problems...)
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	if schemas := os.Getenv("DUMP_SCHEMAS"); schemas != "" {
		for _, s := range strings.Split(schemas, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.DumpSchemas = append(cfg.DumpSchemas, s)
			}
		}
	}

	if cfg.SSLMode == "" {
		cfg.SSLMode = "prefer"
	}

	return cfg, nil
}
