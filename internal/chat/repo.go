package chat

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Append inserts m. A message id that already exists is ignored so queue
// redeliveries stay idempotent.
func (r *Repo) Append(ctx context.Context, m *Message) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(m).Error
	if err != nil {
		return &PersistenceError{Op: "append", Err: err}
	}
	return nil
}

// Persist implements Persister by writing straight to the database.
func (r *Repo) Persist(ctx context.Context, m Message) error {
	return r.Append(ctx, &m)
}

// RecentMessages returns at most limit messages of (tenant, room), oldest first.
func (r *Repo) RecentMessages(ctx context.Context, tenant, room string, limit int) ([]Message, error) {
	if limit <= 0 || limit > HistoryLimit {
		limit = HistoryLimit
	}

	var desc []Message
	if err := r.db.WithContext(ctx).
		Where("tenant = ? AND room = ?", tenant, room).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "timestamp"}, Desc: true}).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}, Desc: true}).
		Limit(limit).
		Find(&desc).Error; err != nil {
		return nil, &PersistenceError{Op: "recent messages", Err: err}
	}

	// reverse to ASC (oldest -> newest)
	out := make([]Message, 0, len(desc))
	for i := len(desc) - 1; i >= 0; i-- {
		out = append(out, desc[i])
	}
	return out, nil
}

func (r *Repo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
