package postgres

import (
	"context"
	"fmt"
)

// SourceCatalog looks up active sources in the sources table.
type SourceCatalog struct {
	db    DB
	table string
}

// NewSourceCatalog wraps a pool.
func NewSourceCatalog(db DB, table string) (*SourceCatalog, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := checkTable(table, "sources")
	if err != nil {
		return nil, err
	}
	return &SourceCatalog{db: db, table: name}, nil
}

// SourceExists reports whether sourceID is registered and active.
func (c *SourceCatalog) SourceExists(ctx context.Context, sourceID string) (bool, error) {
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1 AND active)`, c.table)
	if err := c.db.QueryRow(ctx, query, sourceID).Scan(&exists); err != nil {
		return false, fmt.Errorf("lookup source: %w", unavailable(err))
	}
	return exists, nil
}

// Register upserts sources so the catalog matches configuration.
func (c *SourceCatalog) Register(ctx context.Context, ids ...string) error {
	query := fmt.Sprintf(`INSERT INTO %s (id, active) VALUES ($1, TRUE) ON CONFLICT (id) DO UPDATE SET active = TRUE`, c.table)
	for _, id := range ids {
		if _, err := c.db.Exec(ctx, query, id); err != nil {
			return fmt.Errorf("register source %s: %w", id, unavailable(err))
		}
	}
	return nil
}
