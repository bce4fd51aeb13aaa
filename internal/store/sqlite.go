package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"taskrecur/internal/calendar"
	appLog "taskrecur/internal/log"
	"taskrecur/internal/model"
)

// SQL is a gorm-backed Store. Optimistic concurrency is an
// "UPDATE ... WHERE id = ? AND version = ?" whose affected row count decides
// between success and ErrConflict.
type SQL struct {
	db  *gorm.DB
	now func() time.Time
}

type templateRecord struct {
	ID                  string `gorm:"primaryKey"`
	Title               string
	Description         string
	Category            string
	XPValue             int
	TimeZone            string
	Rule                model.Rule `gorm:"serializer:json"`
	EditedInstanceKeys  []string   `gorm:"serializer:json"`
	DeletedInstanceKeys []string   `gorm:"serializer:json"`
	Version             int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (templateRecord) TableName() string { return "recurring_templates" }

type instanceRecord struct {
	ID       string `gorm:"primaryKey"`
	Title    string
	Context  string
	Category string
	XPValue  int

	StartDate string
	StartTime string
	DueDate   string
	DueTime   string

	Status                string
	SourceRecurringTaskID string  `gorm:"index"`
	RecurrenceInstanceKey *string `gorm:"uniqueIndex"`
	IsEditedInstance      bool
	Version               int64
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (instanceRecord) TableName() string { return "task_instances" }

// OpenSQLite opens (and migrates) a SQLite database at dsn.
func OpenSQLite(dsn string) (*SQL, error) {
	if dsn == "" {
		dsn = "taskrecur.db"
	}
	if err := ensureDirForSQLite(dsn); err != nil {
		return nil, err
	}

	dbLogger := logger.New(gormWriter{}, logger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         dbLogger,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite has a single writer; one connection avoids SQLITE_BUSY between
	// our own transactions.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&templateRecord{}, &instanceRecord{}); err != nil {
		return nil, fmt.Errorf("migrate db: %w", err)
	}

	appLog.Info("sqlite store ready", "dsn", dsn)
	return &SQL{db: db, now: time.Now}, nil
}

// Close releases the underlying connection pool.
func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ensureDirForSQLite creates parent dir for SQLite file if needed.
func ensureDirForSQLite(dsn string) error {
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		return nil
	}
	clean := strings.TrimPrefix(dsn, "file:")
	clean = strings.Split(clean, "?")[0]
	dir := filepath.Dir(clean)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create db dir %q: %w", dir, err)
	}
	return nil
}

type gormWriter struct{}

func (gormWriter) Printf(format string, args ...any) {
	appLog.Debug("gorm", "detail", fmt.Sprintf(format, args...))
}

func (s *SQL) LoadTemplate(ctx context.Context, id string) (model.RecurringTemplate, error) {
	var rec templateRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.RecurringTemplate{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
		}
		return model.RecurringTemplate{}, fmt.Errorf("load template: %w", err)
	}
	return rec.toModel(), nil
}

func (s *SQL) ListTemplates(ctx context.Context) ([]model.RecurringTemplate, error) {
	var recs []templateRecord
	if err := s.db.WithContext(ctx).Order("id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	out := make([]model.RecurringTemplate, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *SQL) CreateTemplate(ctx context.Context, t *model.RecurringTemplate) error {
	if t.ID == "" {
		return fmt.Errorf("create template: empty id")
	}
	now := s.now().UTC()
	t.Version = 1
	t.CreatedAt, t.UpdatedAt = now, now
	rec := templateFromModel(*t)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: template %s exists", ErrConflict, t.ID)
		}
		return fmt.Errorf("create template: %w", err)
	}
	return nil
}

func (s *SQL) SaveTemplate(ctx context.Context, t *model.RecurringTemplate, expectedVersion int64) error {
	cur, err := s.LoadTemplate(ctx, t.ID)
	if err != nil {
		return err
	}
	next := t.Clone()
	next.Version = expectedVersion + 1
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = s.now().UTC()

	rec := templateFromModel(next)
	res := s.db.WithContext(ctx).Model(&rec).
		Where("version = ?", expectedVersion).
		Select("*").
		Updates(rec)
	if res.Error != nil {
		return fmt.Errorf("save template: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: template %s not at version %d", ErrConflict, t.ID, expectedVersion)
	}
	*t = next
	return nil
}

func (s *SQL) DeleteTemplate(ctx context.Context, id string, expectedVersion int64) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND version = ?", id, expectedVersion).
		Delete(&templateRecord{})
	if res.Error != nil {
		return fmt.Errorf("delete template: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.LoadTemplate(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: template %s not at version %d", ErrConflict, id, expectedVersion)
	}
	return nil
}

func (s *SQL) LoadInstance(ctx context.Context, key string) (model.TaskInstance, error) {
	return s.firstInstance(ctx, "recurrence_instance_key = ?", key)
}

func (s *SQL) LoadInstanceByID(ctx context.Context, id string) (model.TaskInstance, error) {
	return s.firstInstance(ctx, "id = ?", id)
}

func (s *SQL) firstInstance(ctx context.Context, query string, arg string) (model.TaskInstance, error) {
	var rec instanceRecord
	if err := s.db.WithContext(ctx).Where(query, arg).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.TaskInstance{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, arg)
		}
		return model.TaskInstance{}, fmt.Errorf("load instance: %w", err)
	}
	return rec.toModel()
}

func (s *SQL) ListInstancesBySource(ctx context.Context, templateID string) ([]model.TaskInstance, error) {
	var recs []instanceRecord
	if err := s.db.WithContext(ctx).
		Where("source_recurring_task_id = ?", templateID).
		Order("id").
		Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	out := make([]model.TaskInstance, 0, len(recs))
	for _, r := range recs {
		i, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, nil
}

func (s *SQL) SaveInstance(ctx context.Context, i *model.TaskInstance, expectedVersion int64) error {
	if i.ID == "" {
		return fmt.Errorf("save instance: empty id")
	}
	next := i.Clone()
	next.Version = expectedVersion + 1
	next.UpdatedAt = s.now().UTC()

	if expectedVersion == 0 {
		next.CreatedAt = next.UpdatedAt
		rec := instanceFromModel(next)
		if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: instance %s or its key exists", ErrConflict, i.ID)
			}
			return fmt.Errorf("create instance: %w", err)
		}
		*i = next
		return nil
	}

	cur, err := s.LoadInstanceByID(ctx, i.ID)
	if err != nil {
		return err
	}
	next.CreatedAt = cur.CreatedAt
	rec := instanceFromModel(next)
	res := s.db.WithContext(ctx).Model(&rec).
		Where("version = ?", expectedVersion).
		Select("*").
		Updates(rec)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: key %s owned by another instance", ErrConflict, i.RecurrenceInstanceKey)
		}
		return fmt.Errorf("save instance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: instance %s not at version %d", ErrConflict, i.ID, expectedVersion)
	}
	*i = next
	return nil
}

func (s *SQL) DeleteInstance(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&instanceRecord{})
	if res.Error != nil {
		return fmt.Errorf("delete instance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return nil
}

func (s *SQL) WithTx(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&SQL{db: tx, now: s.now})
	})
}

func templateFromModel(t model.RecurringTemplate) templateRecord {
	return templateRecord{
		ID:                  t.ID,
		Title:               t.Title,
		Description:         t.Description,
		Category:            t.Category,
		XPValue:             t.XPValue,
		TimeZone:            t.TimeZone,
		Rule:                t.Rule,
		EditedInstanceKeys:  nonNil(t.EditedInstanceKeys),
		DeletedInstanceKeys: nonNil(t.DeletedInstanceKeys),
		Version:             t.Version,
		CreatedAt:           t.CreatedAt,
		UpdatedAt:           t.UpdatedAt,
	}
}

func (r templateRecord) toModel() model.RecurringTemplate {
	return model.RecurringTemplate{
		ID:                  r.ID,
		Title:               r.Title,
		Description:         r.Description,
		Category:            r.Category,
		XPValue:             r.XPValue,
		TimeZone:            r.TimeZone,
		Rule:                r.Rule,
		EditedInstanceKeys:  r.EditedInstanceKeys,
		DeletedInstanceKeys: r.DeletedInstanceKeys,
		Version:             r.Version,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

func instanceFromModel(i model.TaskInstance) instanceRecord {
	rec := instanceRecord{
		ID:                    i.ID,
		Title:                 i.Title,
		Context:               i.Context,
		Category:              i.Category,
		XPValue:               i.XPValue,
		StartDate:             textOf(i.StartDate),
		StartTime:             textOf(i.StartTime),
		DueDate:               textOf(i.DueDate),
		DueTime:               textOf(i.DueTime),
		Status:                string(i.Status),
		SourceRecurringTaskID: i.SourceRecurringTaskID,
		IsEditedInstance:      i.IsEditedInstance,
		Version:               i.Version,
		CreatedAt:             i.CreatedAt,
		UpdatedAt:             i.UpdatedAt,
	}
	// NULL keeps standalone instances out of the unique index.
	if i.RecurrenceInstanceKey != "" {
		k := i.RecurrenceInstanceKey
		rec.RecurrenceInstanceKey = &k
	}
	return rec
}

func (r instanceRecord) toModel() (model.TaskInstance, error) {
	i := model.TaskInstance{
		ID:                    r.ID,
		Title:                 r.Title,
		Context:               r.Context,
		Category:              r.Category,
		XPValue:               r.XPValue,
		Status:                model.Status(r.Status),
		SourceRecurringTaskID: r.SourceRecurringTaskID,
		IsEditedInstance:      r.IsEditedInstance,
		Version:               r.Version,
		CreatedAt:             r.CreatedAt,
		UpdatedAt:             r.UpdatedAt,
	}
	if r.RecurrenceInstanceKey != nil {
		i.RecurrenceInstanceKey = *r.RecurrenceInstanceKey
	}
	var err error
	if i.StartDate, err = parseCol(r.StartDate, calendar.ParseDate); err != nil {
		return i, fmt.Errorf("instance %s start date: %w", r.ID, err)
	}
	if i.StartTime, err = parseCol(r.StartTime, calendar.ParseTimeOfDay); err != nil {
		return i, fmt.Errorf("instance %s start time: %w", r.ID, err)
	}
	if i.DueDate, err = parseCol(r.DueDate, calendar.ParseDate); err != nil {
		return i, fmt.Errorf("instance %s due date: %w", r.ID, err)
	}
	if i.DueTime, err = parseCol(r.DueTime, calendar.ParseTimeOfDay); err != nil {
		return i, fmt.Errorf("instance %s due time: %w", r.ID, err)
	}
	return i, nil
}

func textOf[T fmt.Stringer](v *T) string {
	if v == nil {
		return ""
	}
	return (*v).String()
}

func parseCol[T any](s string, parse func(string) (T, error)) (*T, error) {
	if s == "" {
		return nil, nil
	}
	v, err := parse(s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
