package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/dataaccount/internal/instruction"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
)

const (
	defaultConfirmTimeout = 60 * time.Second
	defaultPollInterval   = 700 * time.Millisecond
)

var (
	errMissingEndpoint = errors.New("rpc endpoint is required")
	errMissingSigner   = errors.New("at least one signer is required")
)

type RPCConfig struct {
	Endpoint       string
	Client         *rpc.Client
	SkipPreflight  bool
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	Logger         *zap.Logger
}

// RPC implements Ledger over the JSON-RPC API.
type RPC struct {
	client         *rpc.Client
	skipPreflight  bool
	confirmTimeout time.Duration
	pollInterval   time.Duration
	logger         *zap.Logger
}

func NewRPC(cfg RPCConfig) (*RPC, error) {
	client := cfg.Client
	if client == nil {
		if cfg.Endpoint == "" {
			return nil, Error.Wrap(errMissingEndpoint)
		}
		client = rpc.New(cfg.Endpoint)
	}
	confirmTimeout := cfg.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = defaultConfirmTimeout
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RPC{
		client:         client,
		skipPreflight:  cfg.SkipPreflight,
		confirmTimeout: confirmTimeout,
		pollInterval:   pollInterval,
		logger:         logger,
	}, nil
}

func (r *RPC) ReadAccount(ctx context.Context, address solana.PublicKey, commitment rpc.CommitmentType) (Account, error) {
	result, err := r.client.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: commitment,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return Account{Address: address}, nil
	}
	if err != nil {
		return Account{}, Error.New("read account %s: %w", address, err)
	}
	if result == nil || result.Value == nil {
		return Account{Address: address}, nil
	}
	account := Account{
		Address:  address,
		Owner:    result.Value.Owner,
		Lamports: result.Value.Lamports,
		Exists:   true,
	}
	if result.Value.Data != nil {
		account.Data = result.Value.Data.GetBinary()
	}
	return account, nil
}

func (r *RPC) Submit(ctx context.Context, instructions []solana.Instruction, signers ...solana.PrivateKey) (solana.Signature, error) {
	tx, err := r.buildTransaction(ctx, instructions, signers)
	if err != nil {
		return solana.Signature{}, err
	}
	signature, err := r.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       r.skipPreflight,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return solana.Signature{}, Error.New("send transaction: %w", err)
	}
	r.logger.Debug("transaction submitted",
		zap.String("signature", signature.String()),
		zap.Int("instructions", len(instructions)))
	return signature, nil
}

// Confirm polls the signature status until it reaches commitment, the transaction
// fails, or the confirmation timeout elapses.
func (r *RPC) Confirm(ctx context.Context, signature solana.Signature, commitment rpc.CommitmentType) error {
	ctx, cancel := context.WithTimeout(ctx, r.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Error.New("confirm %s: %w", signature, ctx.Err())
		case <-ticker.C:
			result, err := r.client.GetSignatureStatuses(ctx, true, signature)
			if err != nil {
				r.logger.Debug("signature status unavailable",
					zap.String("signature", signature.String()),
					zap.Error(err))
				continue
			}
			if len(result.Value) == 0 || result.Value[0] == nil {
				continue
			}
			status := result.Value[0]
			if status.Err != nil {
				return Error.Wrap(parseTransactionError(signature, status.Err))
			}
			if reachedCommitment(status.ConfirmationStatus, commitment) {
				return nil
			}
		}
	}
}

func (r *RPC) Simulate(ctx context.Context, instructions []solana.Instruction, signers ...solana.PrivateKey) error {
	tx, err := r.buildTransaction(ctx, instructions, signers)
	if err != nil {
		return err
	}
	result, err := r.client.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
		SigVerify:  true,
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return Error.New("simulate transaction: %w", err)
	}
	if result == nil || result.Value == nil {
		return Error.New("simulate transaction: empty result")
	}
	if result.Value.Err != nil {
		for _, line := range result.Value.Logs {
			r.logger.Debug("simulation log", zap.String("line", line))
		}
		return Error.Wrap(parseTransactionError(solana.Signature{}, result.Value.Err))
	}
	return nil
}

func (r *RPC) ListSignatures(ctx context.Context, address solana.PublicKey, limit int) ([]solana.Signature, error) {
	opts := &rpc.GetSignaturesForAddressOpts{Commitment: rpc.CommitmentConfirmed}
	if limit > 0 {
		opts.Limit = &limit
	}
	results, err := r.client.GetSignaturesForAddressWithOpts(ctx, address, opts)
	if err != nil {
		return nil, Error.New("list signatures for %s: %w", address, err)
	}
	signatures := make([]solana.Signature, 0, len(results))
	for _, result := range results {
		if result == nil {
			continue
		}
		signatures = append(signatures, result.Signature)
	}
	return signatures, nil
}

func (r *RPC) DecodeTransaction(ctx context.Context, signature solana.Signature) (Transaction, error) {
	version := uint64(0)
	result, err := r.client.GetTransaction(ctx, signature, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &version,
	})
	if err != nil {
		return Transaction{}, Error.New("get transaction %s: %w", signature, err)
	}
	if result == nil || result.Transaction == nil {
		return Transaction{}, Error.New("get transaction %s: empty result", signature)
	}
	parsed, err := result.Transaction.GetTransaction()
	if err != nil {
		return Transaction{}, Error.New("decode transaction %s: %w", signature, err)
	}

	keys := append(solana.PublicKeySlice{}, parsed.Message.AccountKeys...)
	if result.Meta != nil {
		keys = append(keys, result.Meta.LoadedAddresses.Writable...)
		keys = append(keys, result.Meta.LoadedAddresses.ReadOnly...)
	}

	decoded := Transaction{
		Signature:    signature,
		Slot:         result.Slot,
		Failed:       result.Meta != nil && result.Meta.Err != nil,
		Instructions: make([]Instruction, 0, len(parsed.Message.Instructions)),
	}
	for index, compiled := range parsed.Message.Instructions {
		if int(compiled.ProgramIDIndex) >= len(keys) {
			return Transaction{}, Error.New("decode transaction %s: instruction %d program index %d out of range", signature, index, compiled.ProgramIDIndex)
		}
		accounts := make([]solana.PublicKey, 0, len(compiled.Accounts))
		for _, accountIndex := range compiled.Accounts {
			if int(accountIndex) >= len(keys) {
				return Transaction{}, Error.New("decode transaction %s: instruction %d account index %d out of range", signature, index, accountIndex)
			}
			accounts = append(accounts, keys[accountIndex])
		}
		decoded.Instructions = append(decoded.Instructions, Instruction{
			ProgramID: keys[compiled.ProgramIDIndex],
			Accounts:  accounts,
			Data:      []byte(compiled.Data),
		})
	}
	return decoded, nil
}

func (r *RPC) buildTransaction(ctx context.Context, instructions []solana.Instruction, signers []solana.PrivateKey) (*solana.Transaction, error) {
	if len(signers) == 0 {
		return nil, Error.Wrap(errMissingSigner)
	}
	recent, err := r.client.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return nil, Error.New("get latest blockhash: %w", err)
	}
	tx, err := solana.NewTransaction(
		instructions,
		recent.Value.Blockhash,
		solana.TransactionPayer(signers[0].PublicKey()),
	)
	if err != nil {
		return nil, Error.New("build transaction: %w", err)
	}
	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		for index := range signers {
			if signers[index].PublicKey().Equals(key) {
				return &signers[index]
			}
		}
		return nil
	})
	if err != nil {
		return nil, Error.New("sign transaction: %w", err)
	}
	return tx, nil
}

func reachedCommitment(status rpc.ConfirmationStatusType, commitment rpc.CommitmentType) bool {
	switch commitment {
	case rpc.CommitmentFinalized:
		return status == rpc.ConfirmationStatusFinalized
	case rpc.CommitmentProcessed:
		return status != ""
	default:
		return status == rpc.ConfirmationStatusConfirmed || status == rpc.ConfirmationStatusFinalized
	}
}

// parseTransactionError maps the ledger's error value, for example
// {"InstructionError":[1,{"Custom":5}]}, to a TransactionError.
func parseTransactionError(signature solana.Signature, raw interface{}) *TransactionError {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return &TransactionError{Signature: signature, Message: fmt.Sprint(raw)}
	}
	txErr := &TransactionError{Signature: signature, Message: string(encoded)}

	var envelope struct {
		InstructionError []json.RawMessage `json:"InstructionError"`
	}
	if err := json.Unmarshal(encoded, &envelope); err != nil || len(envelope.InstructionError) != 2 {
		return txErr
	}
	if err := json.Unmarshal(envelope.InstructionError[0], &txErr.InstructionIndex); err != nil {
		return txErr
	}
	var custom struct {
		Custom *uint32 `json:"Custom"`
	}
	if err := json.Unmarshal(envelope.InstructionError[1], &custom); err == nil && custom.Custom != nil {
		code := instruction.ErrorCode(*custom.Custom)
		txErr.Code = &code
		txErr.Message = code.String()
		return txErr
	}
	var reason string
	if err := json.Unmarshal(envelope.InstructionError[1], &reason); err == nil {
		txErr.Message = reason
	}
	return txErr
}
