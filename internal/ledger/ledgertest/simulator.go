// Package ledgertest provides an in-process ledger that executes the data account
// program's rules, for tests that need submit, confirm, read and history round trips.
package ledgertest

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/dataaccount/internal/address"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/instruction"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/layout"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/ledger"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

var _ ledger.Ledger = (*Simulator)(nil)

var errNoSigners = errors.New("at least one signer is required")

type account struct {
	owner solana.PublicKey
	data  []byte
}

type record struct {
	tx  ledger.Transaction
	err *ledger.TransactionError
}

// Simulator is a single-program ledger. Every submitted transaction executes
// atomically and is appended to the history whether it succeeds or fails.
type Simulator struct {
	mu          sync.Mutex
	programID   solana.PublicKey
	accounts    map[solana.PublicKey]*account
	history     []*record
	bySignature map[solana.Signature]*record
	submits     int
	failAt      int
	failErr     error
	slot        uint64
}

func NewSimulator(programID solana.PublicKey) *Simulator {
	return &Simulator{
		programID:   programID,
		accounts:    make(map[solana.PublicKey]*account),
		bySignature: make(map[solana.Signature]*record),
	}
}

func (s *Simulator) ProgramID() solana.PublicKey {
	return s.programID
}

// CreateAccount places a zero-filled, program-owned account of size bytes at addr,
// the way a caller pre-creates an account before Initialize with is_created set.
func (s *Simulator) CreateAccount(addr solana.PublicKey, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[addr] = &account{owner: s.programID, data: make([]byte, size)}
}

// FailSubmitAfter lets successes more Submit calls through, then fails the next one
// with err as a transport error.
func (s *Simulator) FailSubmitAfter(successes int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAt = s.submits + successes + 1
	s.failErr = err
}

// TransactionCount returns the number of transactions recorded so far.
func (s *Simulator) TransactionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

func (s *Simulator) ReadAccount(ctx context.Context, addr solana.PublicKey, _ rpc.CommitmentType) (ledger.Account, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Account{}, ledger.Error.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.accounts[addr]
	if !ok {
		return ledger.Account{Address: addr}, nil
	}
	return ledger.Account{
		Address:  addr,
		Owner:    existing.owner,
		Lamports: uint64(len(existing.data)) + 1,
		Data:     append([]byte(nil), existing.data...),
		Exists:   true,
	}, nil
}

func (s *Simulator) Submit(ctx context.Context, instructions []solana.Instruction, signers ...solana.PrivateKey) (solana.Signature, error) {
	if err := ctx.Err(); err != nil {
		return solana.Signature{}, ledger.Error.Wrap(err)
	}
	if len(signers) == 0 {
		return solana.Signature{}, ledger.Error.Wrap(errNoSigners)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.submits++
	if s.failErr != nil && s.submits == s.failAt {
		err := s.failErr
		s.failErr = nil
		return solana.Signature{}, ledger.Error.New("send transaction: %w", err)
	}

	s.slot++
	signature, err := s.sign(signers[0], instructions)
	if err != nil {
		return solana.Signature{}, ledger.Error.New("sign transaction: %w", err)
	}

	staged := s.cloneAccounts()
	execErr := s.execute(staged, instructions, signers, signature)
	if execErr == nil {
		s.accounts = staged
	}

	rec := &record{
		tx: ledger.Transaction{
			Signature:    signature,
			Slot:         s.slot,
			Failed:       execErr != nil,
			Instructions: toLedgerInstructions(instructions),
		},
		err: execErr,
	}
	s.history = append(s.history, rec)
	s.bySignature[signature] = rec
	return signature, nil
}

func (s *Simulator) Confirm(ctx context.Context, signature solana.Signature, _ rpc.CommitmentType) error {
	if err := ctx.Err(); err != nil {
		return ledger.Error.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.bySignature[signature]
	if !ok {
		return ledger.Error.New("confirm %s: unknown signature", signature)
	}
	if rec.err != nil {
		return ledger.Error.Wrap(rec.err)
	}
	return nil
}

// Simulate executes instructions against a copy of the current state and discards it.
func (s *Simulator) Simulate(ctx context.Context, instructions []solana.Instruction, signers ...solana.PrivateKey) error {
	if err := ctx.Err(); err != nil {
		return ledger.Error.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if execErr := s.execute(s.cloneAccounts(), instructions, signers, solana.Signature{}); execErr != nil {
		return ledger.Error.Wrap(execErr)
	}
	return nil
}

func (s *Simulator) ListSignatures(ctx context.Context, addr solana.PublicKey, limit int) ([]solana.Signature, error) {
	if err := ctx.Err(); err != nil {
		return nil, ledger.Error.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	signatures := make([]solana.Signature, 0)
	for index := len(s.history) - 1; index >= 0; index-- {
		if limit > 0 && len(signatures) == limit {
			break
		}
		if touches(s.history[index].tx, addr) {
			signatures = append(signatures, s.history[index].tx.Signature)
		}
	}
	return signatures, nil
}

func (s *Simulator) DecodeTransaction(ctx context.Context, signature solana.Signature) (ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Transaction{}, ledger.Error.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.bySignature[signature]
	if !ok {
		return ledger.Transaction{}, ledger.Error.New("get transaction %s: not found", signature)
	}
	tx := rec.tx
	tx.Instructions = make([]ledger.Instruction, len(rec.tx.Instructions))
	for index, ix := range rec.tx.Instructions {
		tx.Instructions[index] = ledger.Instruction{
			ProgramID: ix.ProgramID,
			Accounts:  append([]solana.PublicKey(nil), ix.Accounts...),
			Data:      append([]byte(nil), ix.Data...),
		}
	}
	return tx, nil
}

func (s *Simulator) sign(payer solana.PrivateKey, instructions []solana.Instruction) (solana.Signature, error) {
	encoder := layout.NewEncoder(64).Uint64(s.slot)
	for _, ix := range instructions {
		encoder.Address(ix.ProgramID())
		if data, err := ix.Data(); err == nil {
			encoder.Raw(data)
		}
	}
	message, err := encoder.Bytes()
	if err != nil {
		return solana.Signature{}, err
	}
	return payer.Sign(message)
}

func (s *Simulator) cloneAccounts() map[solana.PublicKey]*account {
	cloned := make(map[solana.PublicKey]*account, len(s.accounts))
	for key, existing := range s.accounts {
		cloned[key] = &account{owner: existing.owner, data: append([]byte(nil), existing.data...)}
	}
	return cloned
}

func (s *Simulator) execute(state map[solana.PublicKey]*account, instructions []solana.Instruction, signers []solana.PrivateKey, signature solana.Signature) *ledger.TransactionError {
	signed := make(map[solana.PublicKey]bool, len(signers))
	for _, signer := range signers {
		signed[signer.PublicKey()] = true
	}
	for index, ix := range instructions {
		if !ix.ProgramID().Equals(s.programID) {
			continue
		}
		exec := &execution{
			programID: s.programID,
			state:     state,
			signed:    signed,
			accounts:  ix.Accounts(),
			signature: signature,
			index:     index,
		}
		data, err := ix.Data()
		if err != nil {
			return exec.fail(instruction.ErrorInvalidInstruction)
		}
		if txErr := exec.run(data); txErr != nil {
			return txErr
		}
	}
	return nil
}

func toLedgerInstructions(instructions []solana.Instruction) []ledger.Instruction {
	converted := make([]ledger.Instruction, 0, len(instructions))
	for _, ix := range instructions {
		metas := ix.Accounts()
		keys := make([]solana.PublicKey, 0, len(metas))
		for _, meta := range metas {
			keys = append(keys, meta.PublicKey)
		}
		data, _ := ix.Data()
		converted = append(converted, ledger.Instruction{
			ProgramID: ix.ProgramID(),
			Accounts:  keys,
			Data:      append([]byte(nil), data...),
		})
	}
	return converted
}

func touches(tx ledger.Transaction, addr solana.PublicKey) bool {
	for _, ix := range tx.Instructions {
		if ix.ProgramID.Equals(addr) {
			return true
		}
		for _, key := range ix.Accounts {
			if key.Equals(addr) {
				return true
			}
		}
	}
	return false
}

// execution applies one program instruction to the staged state.
type execution struct {
	programID solana.PublicKey
	state     map[solana.PublicKey]*account
	signed    map[solana.PublicKey]bool
	accounts  []*solana.AccountMeta
	signature solana.Signature
	index     int
}

func (e *execution) fail(code instruction.ErrorCode) *ledger.TransactionError {
	return ledger.NewProgramError(e.signature, e.index, code)
}

func (e *execution) run(data []byte) *ledger.TransactionError {
	decoded, err := instruction.Decode(data)
	if err != nil {
		return e.fail(instruction.ErrorInvalidInstruction)
	}
	switch decoded.Opcode {
	case instruction.OpInitialize:
		return e.initialize(*decoded.Initialize)
	case instruction.OpUploadPart:
		return e.uploadPart(*decoded.UploadPart)
	case instruction.OpUpdateAuthority:
		return e.updateAuthority()
	case instruction.OpFinalize:
		return e.finalize()
	case instruction.OpClose:
		return e.close()
	default:
		return e.fail(instruction.ErrorInvalidInstruction)
	}
}

func (e *execution) initialize(args instruction.InitializeArgs) *ledger.TransactionError {
	if txErr := e.expect(3, map[int]bool{0: true}, []int{0, 1, 2}); txErr != nil {
		return txErr
	}
	dataKey := e.accounts[1].PublicKey
	bump, txErr := e.checkMetadataAddress(dataKey, e.accounts[2].PublicKey)
	if txErr != nil {
		return txErr
	}
	if existing, ok := e.state[e.accounts[2].PublicKey]; ok && layout.DecodeMetadata(existing.data).DataStatus != layout.DataStatusUninitialized {
		return e.fail(instruction.ErrorAlreadyInitialized)
	}

	if args.IsCreated {
		if _, ok := e.state[dataKey]; !ok {
			return e.fail(instruction.ErrorNotInitialized)
		}
	} else {
		if !e.accounts[1].IsSigner || !e.signed[dataKey] {
			return e.fail(instruction.ErrorNotSigner)
		}
		if _, ok := e.state[dataKey]; ok {
			return e.fail(instruction.ErrorAlreadyInitialized)
		}
		e.state[dataKey] = &account{owner: e.programID, data: make([]byte, args.Space)}
	}

	record := layout.Metadata{
		DataStatus:          layout.DataStatusInitialized,
		SerializationStatus: layout.SerializationUnverified,
		Authority:           args.Authority,
		IsDynamic:           args.IsDynamic,
		DataType:            layout.DataTypeCustom,
		BumpSeed:            bump,
	}
	e.state[e.accounts[2].PublicKey] = &account{owner: e.programID, data: record.Encode()}
	return nil
}

func (e *execution) uploadPart(args instruction.UploadPartArgs) *ledger.TransactionError {
	if txErr := e.expect(3, map[int]bool{0: true}, []int{0, 1, 2}); txErr != nil {
		return txErr
	}
	metadata, txErr := e.loadMutable(0)
	if txErr != nil {
		return txErr
	}
	dataAccount := e.state[e.accounts[1].PublicKey]

	current := uint64(len(dataAccount.data))
	if args.Offset > current {
		return e.fail(instruction.ErrorInvalidOffset)
	}
	end := args.Offset + uint64(len(args.Data))
	if end > current {
		if !metadata.IsDynamic {
			return e.fail(instruction.ErrorInsufficientSpace)
		}
		grown := make([]byte, end)
		copy(grown, dataAccount.data)
		dataAccount.data = grown
	}
	copy(dataAccount.data[args.Offset:end], args.Data)

	metadata.DataType = args.DataType
	if args.Commit {
		metadata.DataVersion++
		metadata.SerializationStatus = layout.Verify(metadata.DataType, dataAccount.data)
	}
	if args.Finalize {
		metadata.DataStatus = layout.DataStatusFinalized
	}
	e.storeMetadata(metadata)
	return nil
}

func (e *execution) updateAuthority() *ledger.TransactionError {
	if txErr := e.expect(4, map[int]bool{0: true, 3: true}, []int{2}); txErr != nil {
		return txErr
	}
	metadata, txErr := e.loadMutable(0)
	if txErr != nil {
		return txErr
	}
	metadata.Authority = e.accounts[3].PublicKey
	e.storeMetadata(metadata)
	return nil
}

func (e *execution) finalize() *ledger.TransactionError {
	if txErr := e.expect(3, map[int]bool{0: true}, []int{0, 2}); txErr != nil {
		return txErr
	}
	metadata, txErr := e.loadMutable(0)
	if txErr != nil {
		return txErr
	}
	metadata.DataStatus = layout.DataStatusFinalized
	e.storeMetadata(metadata)
	return nil
}

func (e *execution) close() *ledger.TransactionError {
	if txErr := e.expect(3, map[int]bool{0: true}, []int{0, 1, 2}); txErr != nil {
		return txErr
	}
	metadata, txErr := e.load()
	if txErr != nil {
		return txErr
	}
	if !metadata.Authority.Equals(e.accounts[0].PublicKey) {
		return e.fail(instruction.ErrorInvalidAuthority)
	}
	delete(e.state, e.accounts[1].PublicKey)
	delete(e.state, e.accounts[2].PublicKey)
	return nil
}

// expect checks the account count, the required signers and the required writable positions.
func (e *execution) expect(count int, signers map[int]bool, writable []int) *ledger.TransactionError {
	if len(e.accounts) < count {
		return e.fail(instruction.ErrorInvalidInstruction)
	}
	for position := range signers {
		meta := e.accounts[position]
		if !meta.IsSigner || !e.signed[meta.PublicKey] {
			return e.fail(instruction.ErrorNotSigner)
		}
	}
	for _, position := range writable {
		if !e.accounts[position].IsWritable {
			return e.fail(instruction.ErrorNotWritable)
		}
	}
	return nil
}

func (e *execution) checkMetadataAddress(dataKey, metadataKey solana.PublicKey) (uint8, *ledger.TransactionError) {
	derived, err := address.Metadata(dataKey, e.programID)
	if err != nil || !derived.Address.Equals(metadataKey) {
		return 0, e.fail(instruction.ErrorInvalidMetadataAddress)
	}
	return derived.BumpSeed, nil
}

func (e *execution) load() (layout.Metadata, *ledger.TransactionError) {
	if _, txErr := e.checkMetadataAddress(e.accounts[1].PublicKey, e.accounts[2].PublicKey); txErr != nil {
		return layout.Metadata{}, txErr
	}
	metadataAccount, ok := e.state[e.accounts[2].PublicKey]
	if !ok {
		return layout.Metadata{}, e.fail(instruction.ErrorNotInitialized)
	}
	if _, ok := e.state[e.accounts[1].PublicKey]; !ok {
		return layout.Metadata{}, e.fail(instruction.ErrorNotInitialized)
	}
	metadata := layout.DecodeMetadata(metadataAccount.data)
	if metadata.DataStatus == layout.DataStatusUninitialized {
		return layout.Metadata{}, e.fail(instruction.ErrorNotInitialized)
	}
	return metadata, nil
}

// loadMutable loads the metadata record for an instruction that modifies the account:
// the signer at authorityPosition must be the recorded authority and the account must
// not be finalized.
func (e *execution) loadMutable(authorityPosition int) (layout.Metadata, *ledger.TransactionError) {
	metadata, txErr := e.load()
	if txErr != nil {
		return layout.Metadata{}, txErr
	}
	if !metadata.Authority.Equals(e.accounts[authorityPosition].PublicKey) {
		return layout.Metadata{}, e.fail(instruction.ErrorInvalidAuthority)
	}
	if metadata.DataStatus == layout.DataStatusFinalized {
		return layout.Metadata{}, e.fail(instruction.ErrorAccountFinalized)
	}
	return metadata, nil
}

func (e *execution) storeMetadata(metadata layout.Metadata) {
	e.state[e.accounts[2].PublicKey].data = metadata.Encode()
}
