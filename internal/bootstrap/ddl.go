package bootstrap

import (
	"regexp"
	"strings"
)

// The bootstrap reconciles extensions by text pattern over the dumped DDL.
// This is deliberately a narrow text-interface adapter: the patterns below
// are the whole parsing contract, unit-tested against fixed dump fixtures.
var (
	createExtensionRe  = regexp.MustCompile(`(?i)^\s*CREATE\s+EXTENSION\s+(?:IF\s+NOT\s+EXISTS\s+)?"?([a-zA-Z0-9_\-]+)"?`)
	alterExtensionRe   = regexp.MustCompile(`(?i)^\s*ALTER\s+EXTENSION\s+"?([a-zA-Z0-9_\-]+)"?`)
	commentExtensionRe = regexp.MustCompile(`(?i)^\s*COMMENT\s+ON\s+EXTENSION\s+"?([a-zA-Z0-9_\-]+)"?`)
)

// ExtractExtensions returns the distinct extension names referenced by
// CREATE/ALTER/COMMENT ON EXTENSION statements in the dumped DDL, in order
// of first appearance.
func ExtractExtensions(ddl string) []string {
	seen := make(map[string]bool)
	var names []string

	for _, line := range strings.Split(ddl, "\n") {
		for _, re := range []*regexp.Regexp{createExtensionRe, alterExtensionRe, commentExtensionRe} {
			if m := re.FindStringSubmatch(line); m != nil {
				name := strings.ToLower(m[1])
				if !seen[name] {
					seen[name] = true
					names = append(names, name)
				}
				break
			}
		}
	}
	return names
}

// NeutralizeExtensions comments out every extension statement that refers to
// an unavailable extension, leaving the remaining DDL valid to execute.
// Partial extension support must not block schema convergence.
func NeutralizeExtensions(ddl string, unavailable map[string]bool) string {
	if len(unavailable) == 0 {
		return ddl
	}

	lines := strings.Split(ddl, "\n")
	for i, line := range lines {
		for _, re := range []*regexp.Regexp{createExtensionRe, alterExtensionRe, commentExtensionRe} {
			m := re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			if unavailable[strings.ToLower(m[1])] {
				lines[i] = "-- " + line
			}
			break
		}
	}
	return strings.Join(lines, "\n")
}
