// Package idgen generates identifiers for sync runs and lease holders.
package idgen

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// RunPrefix starts every run ID.
const RunPrefix = "run_"

// RunID returns a new run ID, "run_" followed by a UUIDv7. Run IDs sort in
// start order.
func RunID() string {
	return RunPrefix + uuid.Must(uuid.NewV7()).String()
}

// ParseRunID validates a run ID and returns it in canonical form.
func ParseRunID(s string) (string, error) {
	rest, ok := strings.CutPrefix(s, RunPrefix)
	if !ok {
		return "", fmt.Errorf("idgen: %q lacks the %s prefix", s, RunPrefix)
	}
	u, err := uuid.Parse(rest)
	if err != nil {
		return "", fmt.Errorf("idgen: run id %q: %w", s, err)
	}
	return RunPrefix + u.String(), nil
}

// Holder identifies this process as a lease holder: host, pid and a random
// suffix so two services in one process never share a holder.
func Holder() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s/%d/%s", host, os.Getpid(), uuid.NewString()[:8])
}
