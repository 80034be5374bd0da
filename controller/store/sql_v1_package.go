package store

import (
	"context"

	"xorm.io/xorm"
)

func (s *Store) searchPackages(ctx context.Context) *xorm.Session {
	return s.DB.Context(ctx).Table("package_metadata").Asc("name")
}
