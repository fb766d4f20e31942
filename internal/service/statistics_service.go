package service

import (
	"context"
	"time"

	"billingledger/internal/model"
	"billingledger/internal/repository"
	"billingledger/pkg/logger"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// StatisticsService maintains per-user analytics. Nothing here may fail a
// financial call: errors are logged and dropped.
type StatisticsService struct {
	repo *repository.StatisticsRepository
	log  zerolog.Logger
}

func NewStatisticsService(db *gorm.DB) *StatisticsService {
	return &StatisticsService{
		repo: repository.NewStatisticsRepository(db),
		log:  logger.Component("statistics"),
	}
}

// RecordOperation counts a settled operation (CHARGED or FREE).
func (s *StatisticsService) RecordOperation(ctx context.Context, op *model.Operation) {
	spent := int64(0)
	if op.Status == model.OperationStatusCharged {
		spent = op.Price
	}
	at := time.Now().UTC()

	err := s.repo.Mutate(ctx, op.UserID, func(st *model.UserStatistics) {
		st.TotalOperations++
		st.TotalSpent += spent

		byType := copyCounts(st.OperationsByType.Data())
		byType[op.Type]++
		st.OperationsByType = datatypes.NewJSONType(byType)

		if op.Model != nil && *op.Model != "" {
			models := copyCounts(st.ModelsUsed.Data())
			models[*op.Model]++
			st.ModelsUsed = datatypes.NewJSONType(models)
		}

		if st.FirstOperationAt == nil {
			st.FirstOperationAt = &at
		}
		st.LastOperationAt = &at
	})
	if err != nil {
		s.log.Warn().Err(err).Int64("user_id", op.UserID).Int64("operation_id", op.ID).
			Msg("statistics update failed")
	}
}

func (s *StatisticsService) Get(ctx context.Context, userID int64) (*model.UserStatistics, error) {
	return s.repo.GetByUserID(ctx, userID)
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
