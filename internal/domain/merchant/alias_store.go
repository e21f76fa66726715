package merchant

import (
	"context"
	"fmt"
	"time"

	"github.com/FACorreiaa/subscription-tracker/pkg/cache"
	"github.com/FACorreiaa/subscription-tracker/pkg/db"
)

// PostgresAliasStore reads the merchant_aliases table.
type PostgresAliasStore struct {
	db db.DBTX
}

// NewPostgresAliasStore creates an alias store
func NewPostgresAliasStore(pool db.DBTX) *PostgresAliasStore {
	return &PostgresAliasStore{db: pool}
}

// ListAliases returns all aliases, highest priority first.
func (s *PostgresAliasStore) ListAliases(ctx context.Context) ([]Alias, error) {
	query := `
		SELECT id, pattern, service_name, priority
		FROM merchant_aliases
		ORDER BY priority DESC, id ASC
	`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query merchant aliases: %w", err)
	}
	defer rows.Close()

	var aliases []Alias
	for rows.Next() {
		var a Alias
		if err := rows.Scan(&a.ID, &a.Pattern, &a.ServiceName, &a.Priority); err != nil {
			return nil, fmt.Errorf("failed to scan merchant alias: %w", err)
		}
		aliases = append(aliases, a)
	}
	return aliases, rows.Err()
}

const aliasCacheKey = "aliases"

// CachedAliasStore serves the alias table from a TTL cache so a batch of
// resolutions costs one bulk read.
type CachedAliasStore struct {
	next  AliasStore
	cache *cache.Cache[string, []Alias]
}

// NewCachedAliasStore wraps next with a cache of the given TTL.
func NewCachedAliasStore(next AliasStore, ttl time.Duration, clock cache.Clock) *CachedAliasStore {
	return &CachedAliasStore{
		next:  next,
		cache: cache.New[string, []Alias](ttl, clock),
	}
}

// ListAliases implements AliasStore.
func (s *CachedAliasStore) ListAliases(ctx context.Context) ([]Alias, error) {
	return s.cache.GetOrLoad(ctx, aliasCacheKey, s.next.ListAliases)
}

// Invalidate forces the next call to reload.
func (s *CachedAliasStore) Invalidate() {
	s.cache.Delete(aliasCacheKey)
}
