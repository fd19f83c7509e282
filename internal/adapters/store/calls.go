package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dkeye/notelify/internal/core"
	"github.com/dkeye/notelify/internal/domain"
)

// CallPublisher receives every call row right after it is inserted.
type CallPublisher interface {
	PublishCallInsert(ctx context.Context, call domain.Call) error
}

type CallStore struct {
	db *gorm.DB
}

func NewCallStore(db *gorm.DB) *CallStore {
	return &CallStore{db: db}
}

// PublishInserts hooks call inserts into pub once the insert transaction
// has committed. Failed or rolled back inserts publish nothing; publish
// errors are logged only.
func PublishInserts(db *gorm.DB, pub CallPublisher) error {
	return db.Callback().Create().After("gorm:commit_or_rollback_transaction").Register("notelify:publish_call", func(tx *gorm.DB) {
		if tx.Error != nil || tx.Statement.Schema == nil || tx.Statement.Schema.Table != (domain.Call{}).TableName() {
			return
		}
		call, ok := tx.Statement.Dest.(*domain.Call)
		if !ok {
			return
		}
		if err := pub.PublishCallInsert(tx.Statement.Context, *call); err != nil {
			log.Warn().Err(err).Str("module", "store").Str("call_id", string(call.ID)).Msg("publish call insert failed")
		}
	})
}

func (s *CallStore) FindActiveCall(ctx context.Context, board domain.BoardID) (*domain.Call, error) {
	var call domain.Call
	err := s.db.WithContext(ctx).
		Where("cluster_id = ? AND status = ?", board, domain.CallStatusActive).
		Order("started_at ASC, id ASC").
		First(&call).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find active call: %w", err)
	}
	return &call, nil
}

func (s *CallStore) CreateCall(ctx context.Context, call *domain.Call) error {
	if call.ID == "" {
		call.ID = domain.CallID(uuid.NewString())
	}
	if call.Status == "" {
		call.Status = domain.CallStatusActive
	}
	if call.Type == "" {
		call.Type = domain.CallTypeVideo
	}
	if err := s.db.WithContext(ctx).Create(call).Error; err != nil {
		return fmt.Errorf("create call: %w", err)
	}
	return nil
}

func (s *CallStore) UpsertParticipant(ctx context.Context, p *domain.CallParticipant) error {
	if p.Status == "" {
		p.Status = domain.ParticipantConnected
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = s.now()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "call_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "joined_at", "last_ping"}),
	}).Create(p).Error
	if err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	return nil
}

func (s *CallStore) TouchCall(ctx context.Context, id domain.CallID) error {
	err := s.db.WithContext(ctx).Model(&domain.Call{}).
		Where("id = ?", id).
		Update("updated_at", s.now()).Error
	if err != nil {
		return fmt.Errorf("touch call: %w", err)
	}
	return nil
}

func (s *CallStore) TouchParticipant(ctx context.Context, id domain.CallID, user domain.UserID) error {
	err := s.db.WithContext(ctx).Model(&domain.CallParticipant{}).
		Where("call_id = ? AND user_id = ?", id, user).
		Update("last_ping", s.now()).Error
	if err != nil {
		return fmt.Errorf("touch participant: %w", err)
	}
	return nil
}

// EndCall only matches the host's own row; anyone else ends nothing.
func (s *CallStore) EndCall(ctx context.Context, id domain.CallID, host domain.UserID) error {
	err := s.db.WithContext(ctx).Model(&domain.Call{}).
		Where("id = ? AND host_id = ?", id, host).
		Update("status", domain.CallStatusEnded).Error
	if err != nil {
		return fmt.Errorf("end call: %w", err)
	}
	return nil
}

func (s *CallStore) DeleteParticipant(ctx context.Context, id domain.CallID, user domain.UserID) error {
	err := s.db.WithContext(ctx).
		Where("call_id = ? AND user_id = ?", id, user).
		Delete(&domain.CallParticipant{}).Error
	if err != nil {
		return fmt.Errorf("delete participant: %w", err)
	}
	return nil
}

// SweepParticipants never removes the host row of an active call whose
// heartbeat (calls.updated_at) is fresh; hosts ping the call, not their row.
func (s *CallStore) SweepParticipants(ctx context.Context, staleBefore time.Time) (int64, error) {
	db := s.db.WithContext(ctx)
	cutoff := staleBefore.UTC()
	ended := db.Model(&domain.Call{}).Select("id").Where("status = ?", domain.CallStatusEnded)
	liveHost := db.Model(&domain.Call{}).Select("1").
		Where("calls.id = call_participants.call_id AND calls.host_id = call_participants.user_id").
		Where("calls.status = ? AND calls.updated_at >= ?", domain.CallStatusActive, cutoff)
	res := db.
		Where("call_id IN (?) OR COALESCE(last_ping, joined_at) < ?", ended, cutoff).
		Where("NOT EXISTS (?)", liveHost).
		Delete(&domain.CallParticipant{})
	if res.Error != nil {
		return 0, fmt.Errorf("sweep participants: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Participants lists the rows of one call, oldest join first.
func (s *CallStore) Participants(ctx context.Context, id domain.CallID) ([]domain.CallParticipant, error) {
	var out []domain.CallParticipant
	err := s.db.WithContext(ctx).Where("call_id = ?", id).Order("joined_at ASC").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return out, nil
}

func (s *CallStore) GetCall(ctx context.Context, id domain.CallID) (*domain.Call, error) {
	var call domain.Call
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&call).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get call: %w", err)
	}
	return &call, nil
}

func (s *CallStore) now() time.Time {
	return s.db.NowFunc()
}
