// Package reader fetches the current metadata record and payload of a data account.
package reader

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/dataaccount/internal/address"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/layout"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/ledger"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

var errMissingLedger = errors.New("ledger account reader is required")

// AccountState is the decoded state of a data account. Missing accounts yield the
// empty metadata record and an empty payload; existence is reported separately.
type AccountState struct {
	DataAccount    solana.PublicKey
	MetadataKey    solana.PublicKey
	Metadata       layout.Metadata
	Payload        []byte
	Exists         bool
	MetadataExists bool
}

type Config struct {
	Ledger     ledger.AccountReader
	ProgramID  solana.PublicKey
	Commitment rpc.CommitmentType
}

type Reader struct {
	ledger     ledger.AccountReader
	programID  solana.PublicKey
	commitment rpc.CommitmentType
}

func New(cfg Config) (*Reader, error) {
	if cfg.Ledger == nil {
		return nil, errMissingLedger
	}
	commitment := cfg.Commitment
	if commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}
	return &Reader{
		ledger:     cfg.Ledger,
		programID:  cfg.ProgramID,
		commitment: commitment,
	}, nil
}

// Read returns the state of dataAccount at the reader's default commitment.
func (r *Reader) Read(ctx context.Context, dataAccount solana.PublicKey) (AccountState, error) {
	return r.ReadWithCommitment(ctx, dataAccount, r.commitment)
}

// ReadWithCommitment performs two independent point reads, metadata then payload.
func (r *Reader) ReadWithCommitment(ctx context.Context, dataAccount solana.PublicKey, commitment rpc.CommitmentType) (AccountState, error) {
	derived, err := address.Metadata(dataAccount, r.programID)
	if err != nil {
		return AccountState{}, err
	}
	state := AccountState{DataAccount: dataAccount, MetadataKey: derived.Address}

	metadataAccount, err := r.ledger.ReadAccount(ctx, derived.Address, commitment)
	if err != nil {
		return AccountState{}, fmt.Errorf("read metadata for %s: %w", dataAccount, err)
	}
	if metadataAccount.Exists {
		state.MetadataExists = true
		state.Metadata = layout.DecodeMetadata(metadataAccount.Data)
	}

	dataAccountInfo, err := r.ledger.ReadAccount(ctx, dataAccount, commitment)
	if err != nil {
		return AccountState{}, fmt.Errorf("read data account %s: %w", dataAccount, err)
	}
	if dataAccountInfo.Exists {
		state.Exists = true
		state.Payload = dataAccountInfo.Data
	}
	if state.Payload == nil {
		state.Payload = []byte{}
	}
	return state, nil
}
