package resultcache

import (
	"time"

	"qms-assistant/internal/models"
)

// Strategy is the cache policy for results of one rule category. Higher
// priority entries survive eviction longer.
type Strategy struct {
	TTL      time.Duration
	Priority int
}

// DefaultStrategy applies to categories without an entry in the table.
var DefaultStrategy = Strategy{TTL: 5 * time.Minute, Priority: 1}

// DefaultStrategies: stock levels change fast and are refreshed often,
// comparisons and exploration queries are heavier and change slowly.
func DefaultStrategies() map[models.Category]Strategy {
	return map[models.Category]Strategy{
		models.CategoryInventory:   {TTL: 2 * time.Minute, Priority: 3},
		models.CategoryProduction:  {TTL: 5 * time.Minute, Priority: 2},
		models.CategoryInspection:  {TTL: 10 * time.Minute, Priority: 2},
		models.CategoryBatch:       {TTL: 10 * time.Minute, Priority: 2},
		models.CategoryProject:     {TTL: 10 * time.Minute, Priority: 1},
		models.CategoryBaseline:    {TTL: 30 * time.Minute, Priority: 1},
		models.CategoryComparison:  {TTL: 30 * time.Minute, Priority: 1},
		models.CategoryExploration: {TTL: 30 * time.Minute, Priority: 1},
	}
}
