package search

import (
	"github.com/hyperjump/vecsync/internal/config"
	"github.com/hyperjump/vecsync/internal/models"
)

// ProcessQuery validates the search query and applies the configured limits.
func ProcessQuery(query *models.SearchQuery, cfg *config.SearchConfig) error {
	if query == nil {
		return models.ErrEmptyQuery
	}
	return query.Validate(cfg.DefaultLimit, cfg.MaxLimit)
}
