// Package upload writes a payload into a data account as a strictly ordered sequence
// of UploadPart transactions.
package upload

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/dataaccount/internal/address"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/instruction"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/layout"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/ledger"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// DefaultPartSize keeps an UploadPart transaction under the ledger's packet limit.
const DefaultPartSize = 914

// Error classifies upload failures. Ledger errors keep their own class as well.
var Error = errs.Class("upload")

var (
	errMissingSubmitter = errors.New("submitter is required")
	errInvalidPartSize  = errors.New("part size must be positive")
	errEmptyPayload     = errors.New("payload is empty")
	errOffsetPastEnd    = errors.New("start offset is past the end of the payload")
)

type Config struct {
	Submitter  ledger.Submitter
	ProgramID  solana.PublicKey
	PartSize   int
	Commitment rpc.CommitmentType
	Debug      bool
	Logger     *zap.Logger
	Metrics    *metrics.Collector
}

type Driver struct {
	submitter  ledger.Submitter
	programID  solana.PublicKey
	partSize   int
	commitment rpc.CommitmentType
	debug      bool
	logger     *zap.Logger
	metrics    *metrics.Collector
}

// Request describes one upload. StartOffset resumes an interrupted upload: bytes
// before it are assumed to be confirmed already.
type Request struct {
	Authority   solana.PrivateKey
	DataAccount solana.PublicKey
	DataType    layout.DataType
	Payload     []byte
	StartOffset uint64
	Finalize    bool
}

// Result reports progress. ConfirmedOffset is the end of the last confirmed part and is
// the offset to resume from after a failure.
type Result struct {
	Parts           int
	ConfirmedParts  int
	ConfirmedOffset uint64
	Signatures      []solana.Signature
}

// Done reports whether every planned part was confirmed.
func (r Result) Done() bool {
	return r.ConfirmedParts == r.Parts
}

func NewDriver(cfg Config) (*Driver, error) {
	if cfg.Submitter == nil {
		return nil, Error.Wrap(errMissingSubmitter)
	}
	partSize := cfg.PartSize
	if partSize == 0 {
		partSize = DefaultPartSize
	}
	if partSize < 0 {
		return nil, Error.Wrap(errInvalidPartSize)
	}
	commitment := cfg.Commitment
	if commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		submitter:  cfg.Submitter,
		programID:  cfg.ProgramID,
		partSize:   partSize,
		commitment: commitment,
		debug:      cfg.Debug,
		logger:     logger,
		metrics:    cfg.Metrics,
	}, nil
}

// PartSize returns the maximum number of payload bytes per part.
func (d *Driver) PartSize() int {
	return d.partSize
}

// Plan returns the UploadPart instructions Upload would submit, in order. Only the
// last one carries the commit flag, and the finalize flag when requested.
func (d *Driver) Plan(req Request) ([]solana.Instruction, []Part, error) {
	if len(req.Payload) == 0 {
		return nil, nil, Error.Wrap(errEmptyPayload)
	}
	if req.StartOffset > uint64(len(req.Payload)) {
		return nil, nil, Error.New("%w: %d > %d", errOffsetPastEnd, req.StartOffset, len(req.Payload))
	}
	derived, err := address.Metadata(req.DataAccount, d.programID)
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}
	accounts := &instruction.UploadPartAccounts{
		Authority:   req.Authority.PublicKey(),
		DataAccount: req.DataAccount,
		Metadata:    derived.Address,
	}

	parts := SplitParts(req.Payload, d.partSize, req.StartOffset)
	instructions := make([]solana.Instruction, 0, len(parts))
	for index, part := range parts {
		last := index == len(parts)-1
		instructions = append(instructions, instruction.NewUploadPartInstruction(d.programID, accounts, &instruction.UploadPartArgs{
			DataType: req.DataType,
			Data:     part.Data,
			Offset:   part.Offset,
			Finalize: last && req.Finalize,
			Commit:   last,
			Debug:    d.debug,
		}))
	}
	return instructions, parts, nil
}

// Upload submits each part and waits for its confirmation before sending the next.
// It stops at the first failure and returns the progress made so far with the error.
func (d *Driver) Upload(ctx context.Context, req Request) (Result, error) {
	instructions, parts, err := d.Plan(req)
	if err != nil {
		return Result{}, err
	}
	result := Result{
		Parts:           len(parts),
		ConfirmedOffset: req.StartOffset,
		Signatures:      make([]solana.Signature, 0, len(parts)),
	}

	for index, part := range parts {
		signature, err := d.sendPart(ctx, instructions[index], req.Authority)
		d.metrics.ObserveUploadPart(len(part.Data), err)
		if err != nil {
			d.logger.Warn("upload part failed",
				zap.String("operation", "upload.part"),
				zap.String("reason", "submit_failed"),
				zap.String("data_account", req.DataAccount.String()),
				zap.Int("part", index),
				zap.Uint64("offset", part.Offset),
				zap.Uint64("confirmed_offset", result.ConfirmedOffset),
				zap.Error(err))
			return result, Error.New("part %d/%d at offset %d: %w", index+1, len(parts), part.Offset, err)
		}
		result.Signatures = append(result.Signatures, signature)
		result.ConfirmedParts++
		result.ConfirmedOffset = part.End()
		d.logger.Debug("upload part confirmed",
			zap.String("data_account", req.DataAccount.String()),
			zap.Int("part", index),
			zap.Uint64("offset", part.Offset),
			zap.Int("size", len(part.Data)),
			zap.String("signature", signature.String()))
	}

	d.logger.Info("upload complete",
		zap.String("data_account", req.DataAccount.String()),
		zap.Int("parts", result.Parts),
		zap.Uint64("bytes", result.ConfirmedOffset-req.StartOffset),
		zap.Bool("finalized", req.Finalize))
	return result, nil
}

func (d *Driver) sendPart(ctx context.Context, ix solana.Instruction, authority solana.PrivateKey) (solana.Signature, error) {
	signature, err := d.submitter.Submit(ctx, []solana.Instruction{ix}, authority)
	if err != nil {
		return solana.Signature{}, err
	}
	started := time.Now()
	err = d.submitter.Confirm(ctx, signature, d.commitment)
	d.metrics.ObserveConfirm(time.Since(started))
	if err != nil {
		return signature, err
	}
	return signature, nil
}
