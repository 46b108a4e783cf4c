package bootstrap

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/snaplicator/snaplicator/internal/pg"
)

// maxIdentifierLen is the backend's identifier limit (NAMEDATALEN - 1).
const maxIdentifierLen = 63

var nonSlotChars = regexp.MustCompile(`[^a-z0-9]+`)

// SanitizeSlotName derives a valid replication slot name from a subscription
// name: lower-cased, runs of non-alphanumerics collapsed to a single
// underscore, truncated to the identifier limit. Sanitizing an already
// sanitized name is a no-op.
func SanitizeSlotName(name string) string {
	s := strings.ToLower(name)
	s = nonSlotChars.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		s = "sub"
	}
	if len(s) > maxIdentifierLen {
		s = s[:maxIdentifierLen]
	}
	return strings.TrimRight(s, "_")
}

// slotCandidates is the bounded generator behind collision-safe slot naming:
// the sanitized base first, then timestamp-plus-random suffixed variants. The
// candidate policy is pure so it is testable apart from the probing I/O.
func slotCandidates(base string, attempts int, now func() time.Time, randSuffix func() string) []string {
	sanitized := SanitizeSlotName(base)
	candidates := make([]string, 0, attempts)
	candidates = append(candidates, sanitized)

	for len(candidates) < attempts {
		suffix := fmt.Sprintf("_%s_%s", now().Format("20060102150405"), randSuffix())
		head := sanitized
		if len(head)+len(suffix) > maxIdentifierLen {
			head = head[:maxIdentifierLen-len(suffix)]
		}
		candidates = append(candidates, head+suffix)
	}
	return candidates
}

func randomSuffix() string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 4)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

// ResolveSlotName returns a slot name not currently registered on the
// primary, probing each candidate in turn. An active slot is never reused: a
// collision always yields a fresh suffixed name.
func ResolveSlotName(ctx context.Context, primary *pgx.Conn, subscriptionName string, attempts int) (string, error) {
	candidates := slotCandidates(subscriptionName, attempts, time.Now, randomSuffix)

	for _, candidate := range candidates {
		exists, err := pg.SlotExists(ctx, primary, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free slot name for subscription %s after %d attempts", subscriptionName, attempts)
}
