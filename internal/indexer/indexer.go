// Package indexer replays the program's transaction log into the mirror store.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/dataaccount/internal/instruction"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/ledger"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/metrics"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/mirror"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/reader"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultPollInterval   = 10 * time.Second
	DefaultMaxChanges     = 2
	DefaultSignatureLimit = 1000
)

var (
	errMissingHistory = errors.New("transaction history is required")
	errMissingReader  = errors.New("state reader is required")
	errMissingStore   = errors.New("mirror store is required")
	errMissingProgram = errors.New("program id is required")
	errShortAccounts  = errors.New("instruction has no data account")
	noOpLogger        = zap.NewNop()
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
	opServiceNew = "indexer.service.new"
	opScan       = "indexer.scan"
	opDecode     = "indexer.decode"
	opReconcile  = "indexer.reconcile"
	opPersist    = "indexer.persist"

	reasonMissingDependency = "missing_dependency"
	reasonListFailed        = "list_signatures_failed"
	reasonDecodeFailed      = "decode_failed"
	reasonReadFailed        = "read_failed"
	reasonUpsertFailed      = "upsert_failed"

	skipFailedTransaction = "failed_transaction"
	skipDuplicate         = "duplicate"
	skipAbsent            = "absent"

	fieldRunID       = "run_id"
	fieldSignature   = "signature"
	fieldDataAccount = "data_account"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Phase names the step a pass is in.
type Phase string

const (
	PhaseScanning    Phase = "scanning"
	PhaseDecoding    Phase = "decoding"
	PhaseReconciling Phase = "reconciling"
	PhasePersisting  Phase = "persisting"
	PhaseIdle        Phase = "idle"
	PhaseStopped     Phase = "stopped"
)

// StateReader is the ground truth the indexer re-reads for every candidate.
type StateReader interface {
	Read(ctx context.Context, dataAccount solana.PublicKey) (reader.AccountState, error)
}

type RowStore interface {
	Upsert(ctx context.Context, row mirror.IndexedRow) (mirror.Outcome, error)
}

// ChangeSink receives every row the indexer inserted or updated.
type ChangeSink interface {
	PublishChange(change Change)
}

// Change is one mirror write.
type Change struct {
	Row     mirror.IndexedRow
	Outcome mirror.Outcome
}

// PassState carries the counters a run threads through its passes. ChangesSoFar
// accumulates across passes; Seen is reset at the start of every pass.
type PassState struct {
	ChangesSoFar int
	Passes       int
	Seen         map[solana.PublicKey]struct{}
}

// PassResult summarizes one pass.
type PassResult struct {
	Signatures   int
	Candidates   int
	Inserted     int
	Updated      int
	Unchanged    int
	Skipped      int
	DecodeErrors int
	Duration     time.Duration
}

// Changes returns the number of rows the pass wrote.
func (r PassResult) Changes() int {
	return r.Inserted + r.Updated
}

type Config struct {
	History        ledger.History
	Reader         StateReader
	Store          RowStore
	ProgramID      solana.PublicKey
	PollInterval   time.Duration
	MaxChanges     int
	SignatureLimit int
	Sink           ChangeSink
	Metrics        *metrics.Collector
	Logger         *zap.Logger
}

type Service struct {
	history        ledger.History
	reader         StateReader
	store          RowStore
	programID      solana.PublicKey
	pollInterval   time.Duration
	maxChanges     int
	signatureLimit int
	sink           ChangeSink
	metrics        *metrics.Collector
	logger         *zap.Logger

	mu    sync.RWMutex
	phase Phase
}

func NewService(cfg Config) (*Service, error) {
	if cfg.History == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDependency, errMissingHistory)
	}
	if cfg.Reader == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDependency, errMissingReader)
	}
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDependency, errMissingStore)
	}
	if cfg.ProgramID.IsZero() {
		return nil, newServiceError(opServiceNew, reasonMissingDependency, errMissingProgram)
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	signatureLimit := cfg.SignatureLimit
	if signatureLimit <= 0 {
		signatureLimit = DefaultSignatureLimit
	}
	maxChanges := cfg.MaxChanges
	if maxChanges < 0 {
		maxChanges = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		history:        cfg.History,
		reader:         cfg.Reader,
		store:          cfg.Store,
		programID:      cfg.ProgramID,
		pollInterval:   pollInterval,
		maxChanges:     maxChanges,
		signatureLimit: signatureLimit,
		sink:           cfg.Sink,
		metrics:        cfg.Metrics,
		logger:         logger,
		phase:          PhaseIdle,
	}, nil
}

// Phase returns the step the indexer is currently in.
func (s *Service) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

func (s *Service) setPhase(phase Phase) {
	s.mu.Lock()
	s.phase = phase
	s.mu.Unlock()
}

// Run schedules passes separated by the poll interval until the cumulative number of
// changed rows reaches MaxChanges (never, when MaxChanges is zero) or ctx is done.
// Failed passes are logged and retried on the next cycle.
func (s *Service) Run(ctx context.Context) (PassState, error) {
	runID := uuid.NewString()
	logger := s.logger.With(zap.String(fieldRunID, runID))
	state := PassState{}
	defer s.setPhase(PhaseStopped)

	logger.Info("indexer started",
		zap.String("program_id", s.programID.String()),
		zap.Duration("poll_interval", s.pollInterval),
		zap.Int("max_changes", s.maxChanges))

	for {
		result, err := s.RunPass(ctx, &state)
		if err != nil {
			if ctx.Err() != nil {
				return state, nil
			}
			logger.Warn("indexer pass failed", zap.Int("pass", state.Passes), zap.Error(err))
		} else {
			logger.Info("indexer pass complete",
				zap.Int("pass", state.Passes),
				zap.Int("signatures", result.Signatures),
				zap.Int("candidates", result.Candidates),
				zap.Int("inserted", result.Inserted),
				zap.Int("updated", result.Updated),
				zap.Int("changes_so_far", state.ChangesSoFar),
				zap.Duration("duration", result.Duration))
		}

		if s.maxChanges > 0 && state.ChangesSoFar >= s.maxChanges {
			logger.Info("indexer reached change threshold", zap.Int("changes", state.ChangesSoFar))
			return state, nil
		}

		s.setPhase(PhaseIdle)
		timer := time.NewTimer(s.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("indexer stopped", zap.Int("changes", state.ChangesSoFar))
			return state, nil
		case <-timer.C:
		}
	}
}

// RunPass performs one Scanning, Decoding, Reconciling, Persisting sequence.
func (s *Service) RunPass(ctx context.Context, state *PassState) (PassResult, error) {
	started := time.Now()
	state.Passes++
	state.Seen = make(map[solana.PublicKey]struct{})
	var result PassResult
	defer func() {
		result.Duration = time.Since(started)
		s.metrics.ObservePass(result.Duration)
	}()

	s.setPhase(PhaseScanning)
	signatures, err := s.history.ListSignatures(ctx, s.programID, s.signatureLimit)
	if err != nil {
		s.logError(opScan, reasonListFailed, err)
		return result, newServiceError(opScan, reasonListFailed, err)
	}
	result.Signatures = len(signatures)

	for _, signature := range signatures {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		s.setPhase(PhaseDecoding)
		tx, err := s.history.DecodeTransaction(ctx, signature)
		if err != nil {
			result.DecodeErrors++
			s.metrics.ObserveDecodeError()
			s.logError(opDecode, reasonDecodeFailed, err, zap.String(fieldSignature, signature.String()))
			continue
		}
		if tx.Failed {
			result.Skipped++
			s.metrics.ObserveSkip(skipFailedTransaction)
			continue
		}

		candidates, decodeErrors := s.collectCandidates(tx, state)
		result.DecodeErrors += decodeErrors
		result.Candidates += len(candidates)
		s.metrics.AddCandidates(len(candidates))

		for _, dataAccount := range candidates {
			outcome, err := s.reconcile(ctx, dataAccount, tx.Signature)
			if err != nil {
				return result, err
			}
			switch outcome {
			case mirror.OutcomeInserted:
				result.Inserted++
				state.ChangesSoFar++
			case mirror.OutcomeUpdated:
				result.Updated++
				state.ChangesSoFar++
			case mirror.OutcomeUnchanged:
				result.Unchanged++
			default:
				result.Skipped++
			}
		}
	}
	return result, nil
}

// collectCandidates scans instructions last to first so the latest committed write to
// an account in a transaction wins; accounts already seen this pass are skipped.
func (s *Service) collectCandidates(tx ledger.Transaction, state *PassState) ([]solana.PublicKey, int) {
	var (
		candidates   []solana.PublicKey
		decodeErrors int
	)
	for index := len(tx.Instructions) - 1; index >= 0; index-- {
		ix := tx.Instructions[index]
		if !ix.ProgramID.Equals(s.programID) || !instruction.IsCommittedUpload(ix.Data) {
			continue
		}
		if len(ix.Accounts) <= instruction.DataAccountPosition {
			decodeErrors++
			s.metrics.ObserveDecodeError()
			s.logError(opDecode, reasonDecodeFailed, errShortAccounts,
				zap.String(fieldSignature, tx.Signature.String()),
				zap.Int("instruction", index))
			continue
		}
		dataAccount := ix.Accounts[instruction.DataAccountPosition]
		if _, seen := state.Seen[dataAccount]; seen {
			s.metrics.ObserveSkip(skipDuplicate)
			continue
		}
		state.Seen[dataAccount] = struct{}{}
		candidates = append(candidates, dataAccount)
	}
	return candidates, decodeErrors
}

// reconcile re-reads dataAccount and upserts its row. An empty outcome means the
// account no longer exists and nothing was written.
func (s *Service) reconcile(ctx context.Context, dataAccount solana.PublicKey, signature solana.Signature) (mirror.Outcome, error) {
	s.setPhase(PhaseReconciling)
	accountState, err := s.reader.Read(ctx, dataAccount)
	if err != nil {
		s.logError(opReconcile, reasonReadFailed, err, zap.String(fieldDataAccount, dataAccount.String()))
		return "", newServiceError(opReconcile, reasonReadFailed, err)
	}
	if !accountState.Exists || !accountState.MetadataExists {
		s.metrics.ObserveSkip(skipAbsent)
		s.logger.Debug("candidate account no longer exists",
			zap.String(fieldDataAccount, dataAccount.String()),
			zap.String(fieldSignature, signature.String()))
		return "", nil
	}

	s.setPhase(PhasePersisting)
	row := mirror.NewRow(dataAccount, accountState.Metadata, accountState.Payload, signature)
	outcome, err := s.store.Upsert(ctx, row)
	if err != nil {
		s.logError(opPersist, reasonUpsertFailed, err, zap.String(fieldDataAccount, dataAccount.String()))
		return "", newServiceError(opPersist, reasonUpsertFailed, err)
	}
	s.metrics.ObserveRow(string(outcome))
	if outcome.Changed() {
		s.logger.Info("mirror row "+string(outcome),
			zap.String(fieldDataAccount, row.DataAccount),
			zap.String(fieldSignature, row.TxID))
		if s.sink != nil {
			s.sink.PublishChange(Change{Row: row, Outcome: outcome})
		}
	}
	return outcome, nil
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
	s.logger.Error("indexer error", attrs...)
}
