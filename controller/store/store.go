// Package store persists package state and build results with xorm.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hashworks/aur-ci/model"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"xorm.io/xorm"
	"xorm.io/xorm/schemas"
)

// build_results.package_id references package_metadata.id and cascades on delete. SQLite can
// only declare the constraint on table creation, so the table is created ahead of Sync2 there.
const (
	sqliteCreateBuildResults = `CREATE TABLE IF NOT EXISTS build_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
	package_id INTEGER NOT NULL REFERENCES package_metadata (id) ON DELETE CASCADE,
	exit_code INTEGER NULL,
	build_log TEXT NULL,
	success INTEGER NULL,
	started_at DATETIME NULL,
	finished_at DATETIME NULL,
	version TEXT NULL
)`

	postgresAddBuildResultsForeignKey = `DO $$
BEGIN
	IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_build_results_package') THEN
		ALTER TABLE build_results ADD CONSTRAINT fk_build_results_package
			FOREIGN KEY (package_id) REFERENCES package_metadata (id) ON DELETE CASCADE;
	END IF;
END
$$`
)

type Store struct {
	DB *xorm.Engine
}

// Open creates the engine. Drivers "pgx" and "sqlite3" are registered by this package. SQLite
// connections get foreign key enforcement unless the DSN configures it.
func Open(driver, dsn string) (*Store, error) {
	if driver == "sqlite3" {
		dsn = sqliteForeignKeys(dsn)
	}
	engine, err := xorm.NewEngine(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	return &Store{DB: engine}, nil
}

// Connect opens the engine and verifies the connection. It is the connect operation retried on
// startup.
func Connect(ctx context.Context, driver, dsn string) (*Store, error) {
	s, err := Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := s.DB.PingContext(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return s, nil
}

func sqliteForeignKeys(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys=") || strings.Contains(dsn, "_fk=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&_foreign_keys=on"
	}
	return dsn + "?_foreign_keys=on"
}

func (s *Store) Close() error {
	return s.DB.Close()
}

// Sync creates or migrates the tables. SQLite only enforces the build result foreign key on
// connections opened with _foreign_keys=on.
func (s *Store) Sync() error {
	dbType := s.DB.Dialect().URI().DBType

	if dbType == schemas.SQLITE {
		if _, err := s.DB.Exec(sqliteCreateBuildResults); err != nil {
			return fmt.Errorf("failed to create build_results table: %w", err)
		}
	}

	err := s.DB.Sync2(new(model.PackageState), new(model.BuildResultRecord))
	if err != nil {
		return fmt.Errorf("failed to sync structs to database tables: %w", err)
	}

	if dbType == schemas.POSTGRES {
		if _, err := s.DB.Exec(postgresAddBuildResultsForeignKey); err != nil {
			return fmt.Errorf("failed to add build_results foreign key: %w", err)
		}
	}
	return nil
}

// UpdateMetadata records fetched metadata and reports whether the package changed. Unknown
// packages are inserted, known packages are only updated if the fetched last_modified is
// strictly newer. The returned state is the row as stored after the call.
func (s *Store) UpdateMetadata(ctx context.Context, metadata model.PackageMetadata) (model.PackageState, bool, error) {
	var state model.PackageState
	var changed bool

	_, err := s.DB.Transaction(func(session *xorm.Session) (interface{}, error) {
		session = session.Context(ctx)

		has, err := session.Where("name = ?", metadata.Name).Get(&state)
		if err != nil {
			return nil, fmt.Errorf("failed to select package %s: %w", metadata.Name, err)
		}

		if !has {
			state = model.NewPackageStateFromMetadata(metadata)
			if _, err := session.Insert(&state); err != nil {
				return nil, fmt.Errorf("failed to insert package %s: %w", metadata.Name, err)
			}
			changed = true
			return nil, nil
		}

		if metadata.LastModified <= state.LastModified {
			return nil, nil
		}

		state.Version = metadata.Version
		state.Maintainer = metadata.Maintainer
		state.LastModified = metadata.LastModified
		state.Source = metadata.Source
		state.Subfolder = metadata.Subfolder
		_, err = session.ID(state.Id).Cols("version", "maintainer", "last_modified", "source", "subfolder").Update(&state)
		if err != nil {
			return nil, fmt.Errorf("failed to update package %s: %w", metadata.Name, err)
		}
		changed = true
		return nil, nil
	})
	if err != nil {
		return model.PackageState{}, false, err
	}
	return state, changed, nil
}

func (s *Store) GetPackage(ctx context.Context, id int64) (model.PackageState, error) {
	var state model.PackageState
	has, err := s.DB.Context(ctx).ID(id).Get(&state)
	if err != nil {
		return state, fmt.Errorf("failed to select package %d: %w", id, err)
	}
	if !has {
		return state, packageNotFound(id)
	}
	return state, nil
}

func (s *Store) GetPackageByName(ctx context.Context, name string) (model.PackageState, error) {
	var state model.PackageState
	has, err := s.DB.Context(ctx).Where("name = ?", name).Get(&state)
	if err != nil {
		return state, fmt.Errorf("failed to select package %s: %w", name, err)
	}
	if !has {
		return state, fmt.Errorf("package %s: %w", name, model.ErrPackageNotFound)
	}
	return state, nil
}

func (s *Store) ListPackages(ctx context.Context) ([]model.PackageState, error) {
	packages := []model.PackageState{}
	if err := s.searchPackages(ctx).Find(&packages); err != nil {
		return nil, fmt.Errorf("failed to select packages: %w", err)
	}
	return packages, nil
}

// ResetLastModified sets last_modified to 0 so the next detector pass treats the package as
// changed.
func (s *Store) ResetLastModified(ctx context.Context, id int64) error {
	affected, err := s.DB.Context(ctx).ID(id).Cols("last_modified").Update(&model.PackageState{LastModified: 0})
	if err != nil {
		return fmt.Errorf("failed to reset package %d: %w", id, err)
	}
	if affected == 0 {
		return packageNotFound(id)
	}
	return nil
}

// DeletePackage removes a package together with its build results.
func (s *Store) DeletePackage(ctx context.Context, id int64) error {
	_, err := s.DB.Transaction(func(session *xorm.Session) (interface{}, error) {
		session = session.Context(ctx)

		if _, err := session.Where("package_id = ?", id).Delete(new(model.BuildResultRecord)); err != nil {
			return nil, fmt.Errorf("failed to delete build results of package %d: %w", id, err)
		}
		affected, err := session.ID(id).Delete(new(model.PackageState))
		if err != nil {
			return nil, fmt.Errorf("failed to delete package %d: %w", id, err)
		}
		if affected == 0 {
			return nil, packageNotFound(id)
		}
		return nil, nil
	})
	return err
}

// SaveBuildResult appends a record for the package referenced by the result. Nothing is
// written if the package does not exist. A package deleted concurrently makes the insert fail
// on the foreign key.
func (s *Store) SaveBuildResult(ctx context.Context, result *model.BuildResult) (model.BuildResultRecord, error) {
	var record model.BuildResultRecord

	_, err := s.DB.Transaction(func(session *xorm.Session) (interface{}, error) {
		session = session.Context(ctx)

		id := result.Task.Id
		var state model.PackageState
		has, err := session.ID(id).Get(&state)
		if err != nil {
			return nil, fmt.Errorf("failed to select package %d: %w", id, err)
		}
		if !has {
			return nil, packageNotFound(id)
		}

		record = model.NewBuildResultRecord(id, result)
		if _, err := session.Insert(&record); err != nil {
			return nil, fmt.Errorf("failed to insert build result of package %d: %w", id, err)
		}
		return nil, nil
	})
	if err != nil {
		return model.BuildResultRecord{}, err
	}
	return record, nil
}

// BuildResults returns the records of a package, newest first.
func (s *Store) BuildResults(ctx context.Context, packageId int64) ([]model.BuildResultRecord, error) {
	records := []model.BuildResultRecord{}
	if err := s.searchBuildResultsOfPackage(ctx, packageId).Find(&records); err != nil {
		return nil, fmt.Errorf("failed to select build results of package %d: %w", packageId, err)
	}
	return records, nil
}

func (s *Store) BuildResult(ctx context.Context, id int64) (model.BuildResultRecord, error) {
	var record model.BuildResultRecord
	has, err := s.DB.Context(ctx).ID(id).Get(&record)
	if err != nil {
		return record, fmt.Errorf("failed to select build result %d: %w", id, err)
	}
	if !has {
		return record, ErrBuildResultNotFound
	}
	return record, nil
}

var ErrBuildResultNotFound = errors.New("build result not found")

func packageNotFound(id int64) error {
	return fmt.Errorf("package %d: %w", id, model.ErrPackageNotFound)
}
