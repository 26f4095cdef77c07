// Package mirror persists the indexer's point-in-time view of data accounts.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingKey      = errors.New("data account is required")
	errMissingTxID     = errors.New("transaction id is required")
	errUnknownEncoding = errors.New("unknown payload encoding")
	// ErrRowNotFound indicates that no row exists for the requested data account.
	ErrRowNotFound = errors.New("mirror: row not found")
	noOpLogger     = zap.NewNop()
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
	opStoreNew = "mirror.store.new"
	opUpsert   = "mirror.upsert"
	opGet      = "mirror.get"
	opList     = "mirror.list"

	reasonMissingDatabase = "missing_database"
	reasonInvalidRow      = "invalid_row"
	reasonLookupFailed    = "lookup_failed"
	reasonInsertFailed    = "insert_failed"
	reasonUpdateFailed    = "update_failed"
	reasonNotFound        = "not_found"
	reasonQueryFailed     = "query_failed"

	fieldDataAccount = "data_account"
	fieldTxID        = "tx_id"

	queryByDataAccount      = "data_account = ?"
	queryByDataAccountNotTx = "data_account = ? AND tx_id <> ?"
	queryByAuthority        = "authority = ?"
	columnDataAccount       = "data_account"
	defaultListLimit        = 100
	maxListLimit            = 1000
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Outcome is the effect an upsert had on the mirror.
type Outcome string

const (
	OutcomeInserted  Outcome = "inserted"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
)

// Changed reports whether the upsert wrote a row.
func (o Outcome) Changed() bool {
	return o == OutcomeInserted || o == OutcomeUpdated
}

type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// Upsert inserts row when the data account is not mirrored yet and otherwise updates it
// only when the stored transaction id differs. Replaying the same transaction is a no-op.
func (s *Store) Upsert(ctx context.Context, row IndexedRow) (Outcome, error) {
	if strings.TrimSpace(row.DataAccount) == "" {
		return "", newServiceError(opUpsert, reasonInvalidRow, errMissingKey)
	}
	if strings.TrimSpace(row.TxID) == "" {
		return "", newServiceError(opUpsert, reasonInvalidRow, errMissingTxID)
	}

	var outcome Outcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing IndexedRow
		err := tx.Where(queryByDataAccount, row.DataAccount).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			created := row
			result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&created)
			if result.Error != nil {
				s.logError(opUpsert, reasonInsertFailed, result.Error,
					zap.String(fieldDataAccount, row.DataAccount),
					zap.String(fieldTxID, row.TxID))
				return newServiceError(opUpsert, reasonInsertFailed, result.Error)
			}
			if result.RowsAffected > 0 {
				outcome = OutcomeInserted
				return nil
			}
		case err != nil:
			s.logError(opUpsert, reasonLookupFailed, err, zap.String(fieldDataAccount, row.DataAccount))
			return newServiceError(opUpsert, reasonLookupFailed, err)
		}

		result := tx.Model(&IndexedRow{}).
			Where(queryByDataAccountNotTx, row.DataAccount, row.TxID).
			Updates(map[string]interface{}{
				"authority":            row.Authority,
				"data_type":            row.DataType,
				"data":                 row.Data,
				"tx_id":                row.TxID,
				"serialization_status": row.SerializationStatus,
			})
		if result.Error != nil {
			s.logError(opUpsert, reasonUpdateFailed, result.Error,
				zap.String(fieldDataAccount, row.DataAccount),
				zap.String(fieldTxID, row.TxID))
			return newServiceError(opUpsert, reasonUpdateFailed, result.Error)
		}
		if result.RowsAffected > 0 {
			outcome = OutcomeUpdated
		} else {
			outcome = OutcomeUnchanged
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

func (s *Store) Get(ctx context.Context, dataAccount string) (IndexedRow, error) {
	var row IndexedRow
	err := s.db.WithContext(ctx).Where(queryByDataAccount, dataAccount).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return IndexedRow{}, newServiceError(opGet, reasonNotFound, ErrRowNotFound)
	}
	if err != nil {
		s.logError(opGet, reasonQueryFailed, err, zap.String(fieldDataAccount, dataAccount))
		return IndexedRow{}, newServiceError(opGet, reasonQueryFailed, err)
	}
	return row, nil
}

// ListFilter narrows List. An empty Authority matches every row.
type ListFilter struct {
	Authority string
	Limit     int
}

func (s *Store) List(ctx context.Context, filter ListFilter) ([]IndexedRow, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	query := s.db.WithContext(ctx).Model(&IndexedRow{})
	if authority := strings.TrimSpace(filter.Authority); authority != "" {
		query = query.Where(queryByAuthority, authority)
	}
	var rows []IndexedRow
	if err := query.Order(columnDataAccount).Limit(limit).Find(&rows).Error; err != nil {
		s.logError(opList, reasonQueryFailed, err)
		return nil, newServiceError(opList, reasonQueryFailed, err)
	}
	return rows, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("mirror store error", attrs...)
}
