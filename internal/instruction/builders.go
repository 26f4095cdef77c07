package instruction

import (
	"github.com/MarcoPoloResearchLab/dataaccount/internal/layout"
	"github.com/gagliardetto/solana-go"
)

// DataAccountPosition is the index of the data account in every instruction's account list.
const DataAccountPosition = 1

const (
	initializeArgsSize      = layout.AddressLength + 8 + 1 + 1 + 1
	uploadPartFixedArgsSize = 1 + 4 + 8 + 1 + 1 + 1
	debugArgsSize           = 1
)

type InitializeArgs struct {
	Authority solana.PublicKey
	Space     uint64
	IsDynamic bool
	IsCreated bool
	Debug     bool
}

type InitializeAccounts struct {
	FeePayer    solana.PublicKey
	DataAccount solana.PublicKey
	Metadata    solana.PublicKey
}

// NewInitializeInstruction creates the data account (unless IsCreated) and its metadata record.
// The data account co-signs only when the program has to create it.
func NewInitializeInstruction(programID solana.PublicKey, accounts *InitializeAccounts, args *InitializeArgs) *solana.GenericInstruction {
	data := mustEncode(layout.NewEncoder(1 + initializeArgsSize).
		Uint8(uint8(OpInitialize)).
		Address(args.Authority).
		Uint64(args.Space).
		Bool(args.IsDynamic).
		Bool(args.IsCreated).
		Bool(args.Debug))

	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.FeePayer, true, true),
		solana.NewAccountMeta(accounts.DataAccount, true, !args.IsCreated),
		solana.NewAccountMeta(accounts.Metadata, true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, data)
}

// UploadPartArgs writes Data at Offset. Commit marks the write as the account's new
// committed value for observers; Finalize finalizes the account after the write.
type UploadPartArgs struct {
	DataType layout.DataType
	Data     []byte
	Offset   uint64
	Finalize bool
	Commit   bool
	Debug    bool
}

type UploadPartAccounts struct {
	Authority   solana.PublicKey
	DataAccount solana.PublicKey
	Metadata    solana.PublicKey
}

func NewUploadPartInstruction(programID solana.PublicKey, accounts *UploadPartAccounts, args *UploadPartArgs) *solana.GenericInstruction {
	data := mustEncode(layout.NewEncoder(1 + uploadPartFixedArgsSize + len(args.Data)).
		Uint8(uint8(OpUploadPart)).
		Uint8(uint8(args.DataType)).
		Run(args.Data).
		Uint64(args.Offset).
		Bool(args.Finalize).
		Bool(args.Commit).
		Bool(args.Debug))

	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Authority, true, true),
		solana.NewAccountMeta(accounts.DataAccount, true, false),
		solana.NewAccountMeta(accounts.Metadata, true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, data)
}

type UpdateAuthorityAccounts struct {
	OldAuthority solana.PublicKey
	DataAccount  solana.PublicKey
	Metadata     solana.PublicKey
	NewAuthority solana.PublicKey
}

// NewUpdateAuthorityInstruction rewrites the authority field. Both identities must sign.
func NewUpdateAuthorityInstruction(programID solana.PublicKey, accounts *UpdateAuthorityAccounts, debug bool) *solana.GenericInstruction {
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.OldAuthority, false, true),
		solana.NewAccountMeta(accounts.DataAccount, false, false),
		solana.NewAccountMeta(accounts.Metadata, true, false),
		solana.NewAccountMeta(accounts.NewAuthority, false, true),
	}, debugPayload(OpUpdateAuthority, debug))
}

type FinalizeAccounts struct {
	Authority   solana.PublicKey
	DataAccount solana.PublicKey
	Metadata    solana.PublicKey
}

// NewFinalizeInstruction irreversibly moves the account to Finalized.
func NewFinalizeInstruction(programID solana.PublicKey, accounts *FinalizeAccounts, debug bool) *solana.GenericInstruction {
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Authority, true, true),
		solana.NewAccountMeta(accounts.DataAccount, false, false),
		solana.NewAccountMeta(accounts.Metadata, true, false),
	}, debugPayload(OpFinalize, debug))
}

type CloseAccounts struct {
	Authority   solana.PublicKey
	DataAccount solana.PublicKey
	Metadata    solana.PublicKey
}

// NewCloseInstruction removes both accounts and returns their balance to Authority.
func NewCloseInstruction(programID solana.PublicKey, accounts *CloseAccounts, debug bool) *solana.GenericInstruction {
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Authority, true, true),
		solana.NewAccountMeta(accounts.DataAccount, true, false),
		solana.NewAccountMeta(accounts.Metadata, true, false),
	}, debugPayload(OpClose, debug))
}

func debugPayload(op Opcode, debug bool) []byte {
	return mustEncode(layout.NewEncoder(1 + debugArgsSize).Uint8(uint8(op)).Bool(debug))
}

func mustEncode(encoder *layout.Encoder) []byte {
	data, err := encoder.Bytes()
	if err != nil {
		panic(err)
	}
	return data
}
