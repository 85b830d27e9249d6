package codeblocks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew   = "codeblocks.service.new"
	opListBlocks   = "codeblocks.list_blocks"
	opGetBlock     = "codeblocks.get_block"
	opCorrectCode  = "codeblocks.correct_code"
	opUpsertBlocks = "codeblocks.upsert_blocks"
	opPing         = "codeblocks.ping"

	reasonMissingDatabase = "missing_database"
	reasonQueryFailed     = "query_failed"
	reasonInvalidBlock    = "invalid_block"
	reasonUpsertFailed    = "upsert_failed"
	reasonPingFailed      = "ping_failed"

	queryBlockID = "\"blockId\" = ?"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Service reads code blocks from the codeblocks table. A zero Service has no
// database and fails every call with a missing_database error.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:     cfg.Database,
		logger: logger,
	}, nil
}

// NewUnavailableService returns a Service without a database. It keeps the
// process serving when the store could not be opened at startup.
func NewUnavailableService(logger *zap.Logger) *Service {
	return &Service{logger: logger}
}

// ListBlocks returns the id and title of every stored block.
func (s *Service) ListBlocks(ctx context.Context) ([]Summary, error) {
	if s.db == nil {
		s.logError(opListBlocks, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opListBlocks, reasonMissingDatabase, errMissingDatabase)
	}

	summaries := make([]Summary, 0)
	if err := s.db.WithContext(ctx).
		Model(&CodeBlock{}).
		Select("\"blockId\" AS id, title").
		Scan(&summaries).Error; err != nil {
		s.logError(opListBlocks, reasonQueryFailed, err)
		return nil, newServiceError(opListBlocks, reasonQueryFailed, err)
	}

	return summaries, nil
}

// GetBlock returns the full row for blockID, or nil when no such block exists.
func (s *Service) GetBlock(ctx context.Context, blockID string) (*CodeBlock, error) {
	if s.db == nil {
		s.logError(opGetBlock, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opGetBlock, reasonMissingDatabase, errMissingDatabase)
	}

	var block CodeBlock
	err := s.db.WithContext(ctx).Where(queryBlockID, blockID).Take(&block).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opGetBlock, reasonQueryFailed, err, zap.String("block_id", blockID))
		return nil, newServiceError(opGetBlock, reasonQueryFailed, err)
	}

	return &block, nil
}

// CorrectCode returns the reference solution for blockID. The boolean is false
// when the block does not exist.
func (s *Service) CorrectCode(ctx context.Context, blockID string) (string, bool, error) {
	if s.db == nil {
		s.logError(opCorrectCode, reasonMissingDatabase, errMissingDatabase)
		return "", false, newServiceError(opCorrectCode, reasonMissingDatabase, errMissingDatabase)
	}

	var block CodeBlock
	err := s.db.WithContext(ctx).
		Select("\"correctCode\"").
		Where(queryBlockID, blockID).
		Take(&block).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		s.logError(opCorrectCode, reasonQueryFailed, err, zap.String("block_id", blockID))
		return "", false, newServiceError(opCorrectCode, reasonQueryFailed, err)
	}

	return block.CorrectCode, true, nil
}

// UpsertBlocks inserts or replaces blocks in a single transaction. It backs the
// seed command; the server never calls it.
func (s *Service) UpsertBlocks(ctx context.Context, blocks []CodeBlock) (int, error) {
	if s.db == nil {
		s.logError(opUpsertBlocks, reasonMissingDatabase, errMissingDatabase)
		return 0, newServiceError(opUpsertBlocks, reasonMissingDatabase, errMissingDatabase)
	}
	if len(blocks) == 0 {
		return 0, nil
	}

	normalized := make([]CodeBlock, 0, len(blocks))
	for _, block := range blocks {
		blockID, err := NewBlockID(block.BlockID)
		if err != nil {
			s.logError(opUpsertBlocks, reasonInvalidBlock, err, zap.String("title", block.Title))
			return 0, newServiceError(opUpsertBlocks, reasonInvalidBlock, err)
		}
		block.BlockID = blockID.String()
		normalized = append(normalized, block)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "blockId"}},
			DoUpdates: clause.AssignmentColumns([]string{"title", "code", "correctCode"}),
		}).Create(&normalized).Error
	})
	if txErr != nil {
		s.logError(opUpsertBlocks, reasonUpsertFailed, txErr)
		return 0, newServiceError(opUpsertBlocks, reasonUpsertFailed, txErr)
	}

	s.loggerOrDefault().Info("code blocks upserted", zap.Int("count", len(normalized)))
	return len(normalized), nil
}

// Ping verifies that the underlying connection is usable.
func (s *Service) Ping(ctx context.Context) error {
	if s.db == nil {
		return newServiceError(opPing, reasonMissingDatabase, errMissingDatabase)
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return newServiceError(opPing, reasonPingFailed, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return newServiceError(opPing, reasonPingFailed, err)
	}
	return nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("codeblocks service error", attrs...)
}
