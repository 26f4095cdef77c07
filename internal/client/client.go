// Package client drives the data account lifecycle: initialize, upload, update
// authority, finalize, close and read.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/dataaccount/internal/address"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/instruction"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/layout"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/ledger"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/metrics"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/reader"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/upload"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
)

var (
	errMissingLedger  = errors.New("ledger is required")
	errMissingProgram = errors.New("program id is required")
	errMissingPayer   = errors.New("payer keypair is required")
)

type Config struct {
	Ledger     ledger.Ledger
	ProgramID  solana.PublicKey
	Payer      solana.PrivateKey
	Commitment rpc.CommitmentType
	PartSize   int
	Debug      bool
	Logger     *zap.Logger
	Metrics    *metrics.Collector
}

// Client signs every instruction with Payer, which pays fees and acts as authority.
type Client struct {
	ledger     ledger.Ledger
	programID  solana.PublicKey
	payer      solana.PrivateKey
	commitment rpc.CommitmentType
	debug      bool
	reader     *reader.Reader
	uploader   *upload.Driver
	logger     *zap.Logger
	metrics    *metrics.Collector
}

func New(cfg Config) (*Client, error) {
	if cfg.Ledger == nil {
		return nil, errMissingLedger
	}
	if cfg.ProgramID.IsZero() {
		return nil, errMissingProgram
	}
	if len(cfg.Payer) == 0 {
		return nil, errMissingPayer
	}
	commitment := cfg.Commitment
	if commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	stateReader, err := reader.New(reader.Config{
		Ledger:     cfg.Ledger,
		ProgramID:  cfg.ProgramID,
		Commitment: commitment,
	})
	if err != nil {
		return nil, err
	}
	uploader, err := upload.NewDriver(upload.Config{
		Submitter:  cfg.Ledger,
		ProgramID:  cfg.ProgramID,
		PartSize:   cfg.PartSize,
		Commitment: commitment,
		Debug:      cfg.Debug,
		Logger:     logger,
		Metrics:    cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		ledger:     cfg.Ledger,
		programID:  cfg.ProgramID,
		payer:      cfg.Payer,
		commitment: commitment,
		debug:      cfg.Debug,
		reader:     stateReader,
		uploader:   uploader,
		logger:     logger,
		metrics:    cfg.Metrics,
	}, nil
}

// Authority returns the identity this client signs with.
func (c *Client) Authority() solana.PublicKey {
	return c.payer.PublicKey()
}

// Initialize creates a fresh data account of space bytes together with its metadata
// record and returns the addresses of both.
func (c *Client) Initialize(ctx context.Context, space uint64, isDynamic bool) (solana.PublicKey, solana.PublicKey, error) {
	dataAccount, err := solana.NewRandomPrivateKey()
	if err != nil {
		return solana.PublicKey{}, solana.PublicKey{}, fmt.Errorf("generate data account: %w", err)
	}
	metadata, err := c.metadataAddress(dataAccount.PublicKey())
	if err != nil {
		return solana.PublicKey{}, solana.PublicKey{}, err
	}
	ix := instruction.NewInitializeInstruction(c.programID, &instruction.InitializeAccounts{
		FeePayer:    c.payer.PublicKey(),
		DataAccount: dataAccount.PublicKey(),
		Metadata:    metadata,
	}, &instruction.InitializeArgs{
		Authority: c.payer.PublicKey(),
		Space:     space,
		IsDynamic: isDynamic,
		Debug:     c.debug,
	})
	signature, err := c.submitAndConfirm(ctx, instruction.OpInitialize, ix, dataAccount)
	if err != nil {
		return solana.PublicKey{}, solana.PublicKey{}, err
	}
	c.logger.Info("data account initialized",
		zap.String("data_account", dataAccount.PublicKey().String()),
		zap.String("metadata", metadata.String()),
		zap.String("signature", signature.String()),
		zap.Uint64("space", space),
		zap.Bool("dynamic", isDynamic))
	return dataAccount.PublicKey(), metadata, nil
}

// InitializeExisting attaches a metadata record to an account that was created
// beforehand; the account does not sign.
func (c *Client) InitializeExisting(ctx context.Context, dataAccount solana.PublicKey, isDynamic bool) (solana.Signature, error) {
	metadata, err := c.metadataAddress(dataAccount)
	if err != nil {
		return solana.Signature{}, err
	}
	ix := instruction.NewInitializeInstruction(c.programID, &instruction.InitializeAccounts{
		FeePayer:    c.payer.PublicKey(),
		DataAccount: dataAccount,
		Metadata:    metadata,
	}, &instruction.InitializeArgs{
		Authority: c.payer.PublicKey(),
		IsDynamic: isDynamic,
		IsCreated: true,
		Debug:     c.debug,
	})
	return c.submitAndConfirm(ctx, instruction.OpInitialize, ix)
}

// UploadOptions tune an upload. StartOffset resumes an interrupted upload and
// Finalize finalizes the account together with the last part.
type UploadOptions struct {
	StartOffset uint64
	Finalize    bool
}

// Upload writes payload from offset 0 and commits it with the last part.
func (c *Client) Upload(ctx context.Context, dataAccount solana.PublicKey, dataType layout.DataType, payload []byte) (upload.Result, error) {
	return c.UploadWithOptions(ctx, dataAccount, dataType, payload, UploadOptions{})
}

// ResumeUpload continues an upload whose bytes before offset are already confirmed.
func (c *Client) ResumeUpload(ctx context.Context, dataAccount solana.PublicKey, dataType layout.DataType, payload []byte, offset uint64) (upload.Result, error) {
	return c.UploadWithOptions(ctx, dataAccount, dataType, payload, UploadOptions{StartOffset: offset})
}

func (c *Client) UploadWithOptions(ctx context.Context, dataAccount solana.PublicKey, dataType layout.DataType, payload []byte, opts UploadOptions) (upload.Result, error) {
	return c.uploader.Upload(ctx, upload.Request{
		Authority:   c.payer,
		DataAccount: dataAccount,
		DataType:    dataType,
		Payload:     payload,
		StartOffset: opts.StartOffset,
		Finalize:    opts.Finalize,
	})
}

// CheckUpload simulates the first part of an upload without submitting it, so a
// rejection such as a finalized account surfaces before any fee is paid.
func (c *Client) CheckUpload(ctx context.Context, dataAccount solana.PublicKey, dataType layout.DataType, payload []byte) error {
	instructions, _, err := c.uploader.Plan(upload.Request{
		Authority:   c.payer,
		DataAccount: dataAccount,
		DataType:    dataType,
		Payload:     payload,
	})
	if err != nil {
		return err
	}
	return c.ledger.Simulate(ctx, instructions[:1], c.payer)
}

// UpdateAuthority hands the account over to newAuthority. Both identities sign.
func (c *Client) UpdateAuthority(ctx context.Context, dataAccount solana.PublicKey, newAuthority solana.PrivateKey) (solana.Signature, error) {
	metadata, err := c.metadataAddress(dataAccount)
	if err != nil {
		return solana.Signature{}, err
	}
	ix := instruction.NewUpdateAuthorityInstruction(c.programID, &instruction.UpdateAuthorityAccounts{
		OldAuthority: c.payer.PublicKey(),
		DataAccount:  dataAccount,
		Metadata:     metadata,
		NewAuthority: newAuthority.PublicKey(),
	}, c.debug)
	return c.submitAndConfirm(ctx, instruction.OpUpdateAuthority, ix, newAuthority)
}

func (c *Client) Finalize(ctx context.Context, dataAccount solana.PublicKey) (solana.Signature, error) {
	metadata, err := c.metadataAddress(dataAccount)
	if err != nil {
		return solana.Signature{}, err
	}
	ix := instruction.NewFinalizeInstruction(c.programID, &instruction.FinalizeAccounts{
		Authority:   c.payer.PublicKey(),
		DataAccount: dataAccount,
		Metadata:    metadata,
	}, c.debug)
	return c.submitAndConfirm(ctx, instruction.OpFinalize, ix)
}

// Close removes the data account and its metadata record and refunds the payer.
func (c *Client) Close(ctx context.Context, dataAccount solana.PublicKey) (solana.Signature, error) {
	metadata, err := c.metadataAddress(dataAccount)
	if err != nil {
		return solana.Signature{}, err
	}
	ix := instruction.NewCloseInstruction(c.programID, &instruction.CloseAccounts{
		Authority:   c.payer.PublicKey(),
		DataAccount: dataAccount,
		Metadata:    metadata,
	}, c.debug)
	return c.submitAndConfirm(ctx, instruction.OpClose, ix)
}

func (c *Client) Read(ctx context.Context, dataAccount solana.PublicKey) (reader.AccountState, error) {
	return c.reader.Read(ctx, dataAccount)
}

func (c *Client) metadataAddress(dataAccount solana.PublicKey) (solana.PublicKey, error) {
	derived, err := address.Metadata(dataAccount, c.programID)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return derived.Address, nil
}

func (c *Client) submitAndConfirm(ctx context.Context, op instruction.Opcode, ix solana.Instruction, extraSigners ...solana.PrivateKey) (solana.Signature, error) {
	signers := append([]solana.PrivateKey{c.payer}, extraSigners...)
	signature, err := c.ledger.Submit(ctx, []solana.Instruction{ix}, signers...)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%s: %w", op, err)
	}
	started := time.Now()
	err = c.ledger.Confirm(ctx, signature, c.commitment)
	c.metrics.ObserveConfirm(time.Since(started))
	if err != nil {
		c.logger.Warn("transaction rejected",
			zap.String("operation", "client."+op.String()),
			zap.String("reason", "confirm_failed"),
			zap.String("signature", signature.String()),
			zap.Error(err))
		return signature, fmt.Errorf("%s: %w", op, err)
	}
	return signature, nil
}
