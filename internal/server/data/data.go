// Package data provides the persistence layer. All reads and writes go
// through a gorm connection to PostgreSQL, or SQLite for tests and
// single-node deployments.
package data

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/keyfort/keyfort/internal"
	"github.com/keyfort/keyfort/internal/server/models"
)

// DB wraps the gorm connection. Migrations have run by the time NewDB
// returns, and the handle is safe for concurrent use.
type DB struct {
	*gorm.DB
}

// NewDB creates a new database connection and runs any required database
// migrations before returning the connection.
func NewDB(connection gorm.Dialector) (*DB, error) {
	db, err := newRawDB(connection)
	if err != nil {
		return nil, fmt.Errorf("db conn: %w", err)
	}

	if err := migrate(db); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return &DB{DB: db}, nil
}

// newRawDB creates a new database connection without running migrations.
func newRawDB(connection gorm.Dialector) (*gorm.DB, error) {
	db, err := gorm.Open(connection, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if connection.Name() == "sqlite" {
		// avoid issues with concurrent writes by telling gorm
		// not to open multiple connections in the connection pool
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("getting db driver: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	return db, nil
}

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Organization{},
		&models.Project{},
		&models.KmsRootConfig{},
		&models.KmsKey{},
		&models.KmsKeyVersion{},
		&models.ExternalKmsConfig{},
	)
}

func NewSQLiteDriver(connection string) (gorm.Dialector, error) {
	if !strings.HasPrefix(connection, "file::memory") {
		if err := os.MkdirAll(path.Dir(connection), os.ModePerm); err != nil {
			return nil, err
		}
	}
	uri, err := url.Parse(connection)
	if err != nil {
		return nil, err
	}
	query := uri.Query()
	query.Add("_journal_mode", "WAL")
	uri.RawQuery = query.Encode()
	connection = uri.String()

	return sqlite.Open(connection), nil
}

func NewPostgresDriver(connection string) (gorm.Dialector, error) {
	return postgres.Open(connection), nil
}

func get[T models.Modelable](db *gorm.DB, selectors ...SelectorFunc) (*T, error) {
	for _, selector := range selectors {
		db = selector(db)
	}

	result := new(T)
	if err := db.Model((*T)(nil)).First(result).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, internal.ErrNotFound
		}

		return nil, err
	}

	return result, nil
}

func list[T models.Modelable](db *gorm.DB, selectors ...SelectorFunc) ([]T, error) {
	for _, selector := range selectors {
		db = selector(db)
	}

	result := make([]T, 0)
	if err := db.Model((*T)(nil)).Find(&result).Error; err != nil {
		return nil, err
	}

	return result, nil
}

func add[T models.Modelable](db *gorm.DB, model *T) error {
	err := db.Create(model).Error
	return handleError(err)
}

func save[T models.Modelable](db *gorm.DB, model *T) error {
	err := db.Save(model).Error
	return handleError(err)
}

func removeByID[T models.Modelable](db *gorm.DB, id any) error {
	return db.Delete(new(T), "id = ?", id).Error
}

// SelectorFunc adds query clauses before a statement runs.
type SelectorFunc func(db *gorm.DB) *gorm.DB

type UniqueConstraintError struct {
	Table  string
	Column string
}

func (e UniqueConstraintError) Error() string {
	table := strings.TrimSuffix(e.Table, "s")
	switch {
	case table == "":
		return "value already exists"
	case e.Column == "":
		return fmt.Sprintf("a %v with that value already exists", table)
	}
	return fmt.Sprintf("a %v with that %v already exists", table, e.Column)
}

func (e UniqueConstraintError) Is(other error) bool {
	// nolint:errorlint // comparing with == is correct here, the caller uses Unwrap.
	return other == internal.ErrDuplicate
}

// handleError looks for well known DB errors. If the error is recognized it
// is translated into a UniqueConstraintError so that calling code can
// inspect the error.
func handleError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		// constraintFields maps the name of a unique constraint to the
		// user facing name of that field.
		constraintFields := map[string]string{
			"idx_organizations_name":              "name",
			"idx_kms_keys_reserved_org":           "organizationID",
			"idx_kms_keys_org_name":               "name",
			"idx_kms_keys_reserved_project":       "projectID",
			"idx_external_kms_configs_kms_key_id": "kmsKeyID",
		}

		return UniqueConstraintError{
			Table:  pgErr.TableName,
			Column: constraintFields[pgErr.ConstraintName],
		}
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return UniqueConstraintError{}
	}

	return err
}
