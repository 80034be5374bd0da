package store

import (
	"context"

	"xorm.io/xorm"
)

// Ties on started_at are broken by insertion order.
func (s *Store) searchBuildResultsOfPackage(ctx context.Context, packageId int64) *xorm.Session {
	return s.DB.Context(ctx).Table("build_results").Where("package_id = ?", packageId).
		Desc("started_at", "id")
}
