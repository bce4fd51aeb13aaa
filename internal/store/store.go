// Package store is the persistence collaborator of the series manager.
//
// Every save takes an optimistic version token. A mismatch fails with
// ErrConflict and nothing is written; callers reload and reapply.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"taskrecur/internal/model"
)

var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrInstanceNotFound = errors.New("instance not found")
	// ErrConflict reports a version mismatch or a duplicate identity.
	ErrConflict = errors.New("conflicting write")
)

// Store persists templates and instances.
type Store interface {
	LoadTemplate(ctx context.Context, id string) (model.RecurringTemplate, error)
	ListTemplates(ctx context.Context) ([]model.RecurringTemplate, error)
	// CreateTemplate inserts t with Version 1.
	CreateTemplate(ctx context.Context, t *model.RecurringTemplate) error
	// SaveTemplate overwrites t if the stored version equals expectedVersion
	// and bumps t.Version on success.
	SaveTemplate(ctx context.Context, t *model.RecurringTemplate, expectedVersion int64) error
	DeleteTemplate(ctx context.Context, id string, expectedVersion int64) error

	// LoadInstance looks an instance up by its recurrence instance key.
	LoadInstance(ctx context.Context, key string) (model.TaskInstance, error)
	LoadInstanceByID(ctx context.Context, id string) (model.TaskInstance, error)
	ListInstancesBySource(ctx context.Context, templateID string) ([]model.TaskInstance, error)
	// SaveInstance creates i when expectedVersion is 0, otherwise updates it
	// under the same rules as SaveTemplate.
	SaveInstance(ctx context.Context, i *model.TaskInstance, expectedVersion int64) error
	DeleteInstance(ctx context.Context, id string) error

	// WithTx runs fn against a transactional view. Either every write made
	// through tx is applied or none is.
	WithTx(ctx context.Context, fn func(tx Store) error) error
}

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Open returns the store selected by driver.
func Open(driver, dsn string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverMemory, "":
		return NewMemory(), nil
	case DriverSQLite:
		s, err := OpenSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", driver)
}
