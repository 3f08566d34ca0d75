// Package repository is the gorm implementation of store.Store. Every
// mutation is one conditional or delta UPDATE, so concurrent units of work
// never overwrite each other's counters.
package repository

import (
	"context"
	"errors"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"settlement-service/internal/store"
)

// mysqlDuplicateEntry is ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

type Repository struct {
	db  *gorm.DB
	log *logrus.Logger
}

var _ store.Store = (*Repository)(nil)

func New(db *gorm.DB, log *logrus.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log,
	}
}

// Atomic runs fn inside one database transaction.
func (r *Repository) Atomic(ctx context.Context, fn func(tx store.Store) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repository{db: tx, log: r.log})
	})
}

// insertOnce inserts value unless a row with the same unique key exists, in
// which case it returns store.ErrDuplicate.
//
// MySQL turns DO NOTHING into ON DUPLICATE KEY UPDATE pk=pk, which reports a
// matched row under clientFoundRows, so there the plain insert's 1062 is
// mapped instead. PostgreSQL must keep ON CONFLICT: a failed insert aborts
// the surrounding transaction.
func (r *Repository) insertOnce(ctx context.Context, value interface{}) error {
	if r.db.Dialector.Name() == "mysql" {
		err := r.db.WithContext(ctx).Create(value).Error
		if isDuplicateKey(err) {
			return store.ErrDuplicate
		}
		return err
	}

	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(value)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrDuplicate
	}
	return nil
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var myErr *mysqldriver.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
}

// first loads one row into dest, mapping a missing row to store.ErrNotFound.
func (r *Repository) first(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	err := r.db.WithContext(ctx).Where(query, args...).First(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	return err
}

// mustAffect maps an UPDATE that matched no row to store.ErrNotFound.
func mustAffect(res *gorm.DB) error {
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *Repository) exists(ctx context.Context, model interface{}, query string, args ...interface{}) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(model).
		Where(query, args...).
		Count(&count).Error

	return count > 0, err
}
