package factory

import (
	"fmt"
	"strings"

	"github.com/loykin/bpftraced/internal/store"
	pg "github.com/loykin/bpftraced/internal/store/postgres"
	sq "github.com/loykin/bpftraced/internal/store/sqlite"
)

// NewFromDSN opens the script store named by dsn:
//   - "postgres://..." or "postgresql://..."
//   - "sqlite://<path>" or a bare path, both sqlite
//
// Any other scheme is rejected rather than taken for a file name.
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, fmt.Errorf("empty store DSN")
	}
	scheme, rest, found := strings.Cut(d, "://")
	if !found {
		return sq.New(d)
	}
	switch strings.ToLower(scheme) {
	case "postgres", "postgresql":
		return pg.New(d)
	case "sqlite":
		return sq.New(rest)
	default:
		return nil, fmt.Errorf("unsupported store DSN scheme %q", scheme)
	}
}
