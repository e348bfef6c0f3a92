// Package sqlite stores rooms, call requests and conversation modes with GORM on SQLite.
package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type roomRow struct {
	Name          string `gorm:"primaryKey;size:128"`
	ParticipantID int64
	Mode          string `gorm:"size:8"`
	Roles         string `gorm:"type:text"`
	ExpiresAt     int64  `gorm:"index"`
	CreatedAt     time.Time
}

func (roomRow) TableName() string { return "rooms" }

type callRequestRow struct {
	ID          string `gorm:"primaryKey;size:36"`
	QueryID     int64  `gorm:"index"`
	InitiatorID int64
	Mode        string `gorm:"size:8"`
	Message     string `gorm:"type:text"`
	Status      string `gorm:"size:16;index"`
	Room        string `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (callRequestRow) TableName() string { return "call_requests" }

type queryModeRow struct {
	QueryID   int64  `gorm:"primaryKey;autoIncrement:false"`
	Mode      string `gorm:"size:8"`
	UpdatedAt time.Time
}

func (queryModeRow) TableName() string { return "query_modes" }

// Repository implements port.Repository.
type Repository struct {
	db *gorm.DB
}

// Open connects to the SQLite database at dsn and migrates the schema.
func Open(dsn string) (*Repository, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", dsn, err)
	}
	if err := db.AutoMigrate(&roomRow{}, &callRequestRow{}, &queryModeRow{}); err != nil {
		return nil, fmt.Errorf("sqlite: auto-migrate: %w", err)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *Repository) SaveRoom(ctx context.Context, room port.Room) error {
	roles, err := json.Marshal(room.Roles)
	if err != nil {
		return fmt.Errorf("sqlite: marshal roles: %w", err)
	}
	row := roomRow{
		Name:          room.Name,
		ParticipantID: int64(room.ParticipantID),
		Mode:          string(room.Mode),
		Roles:         string(roles),
		ExpiresAt:     room.ExpiresAt,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("sqlite: save room %s: %w", room.Name, err)
	}
	return nil
}

func (r *Repository) DeleteRoom(ctx context.Context, name string) error {
	res := r.db.WithContext(ctx).Where("name = ?", name).Delete(&roomRow{})
	if res.Error != nil {
		return fmt.Errorf("sqlite: delete room %s: %w", name, res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *Repository) RoomExists(ctx context.Context, name string) (bool, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&roomRow{}).Where("name = ?", name).Count(&n).Error; err != nil {
		return false, fmt.Errorf("sqlite: count room %s: %w", name, err)
	}
	return n > 0, nil
}

func (r *Repository) DeleteExpiredRooms(ctx context.Context, now int64) ([]string, error) {
	var names []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&roomRow{}).Where("expires_at > 0 AND expires_at < ?", now).Pluck("name", &names).Error; err != nil {
			return err
		}
		if len(names) == 0 {
			return nil
		}
		return tx.Where("name IN ?", names).Delete(&roomRow{}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: delete expired rooms: %w", err)
	}
	return names, nil
}

func (r *Repository) SaveRequest(ctx context.Context, req domain.CallRequest) error {
	row, err := toRow(req)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("sqlite: save request %s: %w", req.ID, err)
	}
	return nil
}

func (r *Repository) GetRequest(ctx context.Context, id domain.RequestID) (domain.CallRequest, error) {
	return r.getRequest(r.db.WithContext(ctx), id)
}

func (r *Repository) getRequest(db *gorm.DB, id domain.RequestID) (domain.CallRequest, error) {
	var row callRequestRow
	err := db.First(&row, "id = ?", id.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.CallRequest{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.CallRequest{}, fmt.Errorf("sqlite: get request %s: %w", id, err)
	}
	return fromRow(row)
}

// UpdateRequest applies fn and writes the result only if the stored status is still the
// one fn saw, so two concurrent acceptors cannot both win.
func (r *Repository) UpdateRequest(ctx context.Context, id domain.RequestID, fn func(*domain.CallRequest) error) (domain.CallRequest, error) {
	var out domain.CallRequest
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := r.getRequest(tx, id)
		if err != nil {
			return err
		}
		next := cur
		if err := fn(&next); err != nil {
			out = cur
			return err
		}
		room, err := encodeRoom(next.Room)
		if err != nil {
			return err
		}
		res := tx.Model(&callRequestRow{}).
			Where("id = ? AND status = ?", id.String(), string(cur.Status)).
			Updates(map[string]any{"status": string(next.Status), "message": next.Message, "room": room})
		if res.Error != nil {
			return fmt.Errorf("sqlite: update request %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			latest, err := r.getRequest(tx, id)
			if err != nil {
				return err
			}
			out = latest
			return domain.ErrRequestNotPending
		}
		out = next
		return nil
	})
	return out, err
}

func (r *Repository) ListRequests(ctx context.Context, queryID domain.QueryID) ([]domain.CallRequest, error) {
	var rows []callRequestRow
	if err := r.db.WithContext(ctx).Where("query_id = ?", int64(queryID)).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlite: list requests for %s: %w", queryID, err)
	}
	out := make([]domain.CallRequest, 0, len(rows))
	for _, row := range rows {
		req, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

func (r *Repository) SetCommunicationMode(ctx context.Context, queryID domain.QueryID, mode domain.CommunicationMode) error {
	row := queryModeRow{QueryID: int64(queryID), Mode: string(mode)}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "query_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"mode", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("sqlite: set mode for %s: %w", queryID, err)
	}
	return nil
}

func (r *Repository) CommunicationMode(ctx context.Context, queryID domain.QueryID) (domain.CommunicationMode, error) {
	var row queryModeRow
	err := r.db.WithContext(ctx).First(&row, "query_id = ?", int64(queryID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.CommunicationText, nil
	}
	if err != nil {
		return "", fmt.Errorf("sqlite: get mode for %s: %w", queryID, err)
	}
	return domain.CommunicationMode(row.Mode), nil
}

func encodeRoom(g *domain.RoomGrant) (string, error) {
	if g == nil {
		return "", nil
	}
	b, err := json.Marshal(g)
	if err != nil {
		return "", fmt.Errorf("sqlite: marshal room grant: %w", err)
	}
	return string(b), nil
}

func decodeRoom(raw string) (*domain.RoomGrant, error) {
	if raw == "" {
		return nil, nil
	}
	var g domain.RoomGrant
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal room grant: %w", err)
	}
	return &g, nil
}

func toRow(req domain.CallRequest) (callRequestRow, error) {
	room, err := encodeRoom(req.Room)
	if err != nil {
		return callRequestRow{}, err
	}
	return callRequestRow{
		ID:          req.ID.String(),
		QueryID:     int64(req.QueryID),
		InitiatorID: int64(req.InitiatorID),
		Mode:        string(req.Mode),
		Message:     req.Message,
		Status:      string(req.Status),
		Room:        room,
		CreatedAt:   req.CreatedAt,
	}, nil
}

func fromRow(row callRequestRow) (domain.CallRequest, error) {
	id, err := domain.ParseRequestID(row.ID)
	if err != nil {
		return domain.CallRequest{}, fmt.Errorf("sqlite: bad request id %q: %w", row.ID, err)
	}
	room, err := decodeRoom(row.Room)
	if err != nil {
		return domain.CallRequest{}, err
	}
	return domain.CallRequest{
		ID:          id,
		QueryID:     domain.QueryID(row.QueryID),
		InitiatorID: domain.UserID(row.InitiatorID),
		Mode:        domain.Mode(row.Mode),
		Message:     row.Message,
		Status:      domain.RequestStatus(row.Status),
		Room:        room,
		CreatedAt:   row.CreatedAt,
	}, nil
}
