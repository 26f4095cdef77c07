// Package ledger is the boundary to the remote ledger: account reads, transaction
// submission and confirmation, and the program's transaction history.
package ledger

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/dataaccount/internal/instruction"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/zeebo/errs"
)

// Error classifies transport and protocol failures raised by this package.
var Error = errs.Class("ledger")

// Account is a point-in-time view of one ledger account. A missing account has
// Exists set to false and no data.
type Account struct {
	Address  solana.PublicKey
	Owner    solana.PublicKey
	Lamports uint64
	Data     []byte
	Exists   bool
}

// Instruction is an instruction as it appears inside a confirmed transaction,
// with account indices already resolved to addresses.
type Instruction struct {
	ProgramID solana.PublicKey
	Accounts  []solana.PublicKey
	Data      []byte
}

// Transaction is a decoded historical transaction.
type Transaction struct {
	Signature    solana.Signature
	Slot         uint64
	Failed       bool
	Instructions []Instruction
}

type AccountReader interface {
	ReadAccount(ctx context.Context, address solana.PublicKey, commitment rpc.CommitmentType) (Account, error)
}

// Submitter sends transactions. The first signer pays fees.
type Submitter interface {
	Submit(ctx context.Context, instructions []solana.Instruction, signers ...solana.PrivateKey) (solana.Signature, error)
	Confirm(ctx context.Context, signature solana.Signature, commitment rpc.CommitmentType) error
	Simulate(ctx context.Context, instructions []solana.Instruction, signers ...solana.PrivateKey) error
}

// History lists and decodes past transactions that touched an address.
type History interface {
	// ListSignatures returns at most limit signatures, most recent first.
	ListSignatures(ctx context.Context, address solana.PublicKey, limit int) ([]solana.Signature, error)
	DecodeTransaction(ctx context.Context, signature solana.Signature) (Transaction, error)
}

type Ledger interface {
	AccountReader
	Submitter
	History
}

// TransactionError reports a transaction the ledger executed and rejected.
// Code is set when the program returned a custom error.
type TransactionError struct {
	Signature        solana.Signature
	InstructionIndex int
	Code             *instruction.ErrorCode
	Message          string
}

func (e *TransactionError) Error() string {
	var subject string
	if e.Signature.IsZero() {
		subject = "transaction"
	} else {
		subject = fmt.Sprintf("transaction %s", e.Signature)
	}
	if e.Code != nil {
		return fmt.Sprintf("%s rejected at instruction %d: %s", subject, e.InstructionIndex, e.Code)
	}
	return fmt.Sprintf("%s rejected: %s", subject, e.Message)
}

// HasCode reports whether the rejection carries the given program error code.
func (e *TransactionError) HasCode(code instruction.ErrorCode) bool {
	return e != nil && e.Code != nil && *e.Code == code
}

// NewProgramError builds a rejection carrying a custom program error code.
func NewProgramError(signature solana.Signature, instructionIndex int, code instruction.ErrorCode) *TransactionError {
	return &TransactionError{
		Signature:        signature,
		InstructionIndex: instructionIndex,
		Code:             &code,
		Message:          code.String(),
	}
}
