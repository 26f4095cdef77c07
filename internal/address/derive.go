// Package address derives the metadata address that accompanies every data account.
package address

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// MetadataSeed is the domain tag mixed into every metadata address derivation.
const MetadataSeed = "data_account_metadata"

// Derived is a program-derived address and the bump seed that produced it.
type Derived struct {
	Address  solana.PublicKey
	BumpSeed uint8
}

// Derive computes the canonical program address for seed, dataAccount and programID.
// The bump is the first value, counting down from 255, that lands off the ed25519 curve.
func Derive(seed string, dataAccount, programID solana.PublicKey) (Derived, error) {
	derived, bump, err := solana.FindProgramAddress(
		[][]byte{[]byte(seed), dataAccount.Bytes()},
		programID,
	)
	if err != nil {
		return Derived{}, fmt.Errorf("derive %s address for %s: %w", seed, dataAccount, err)
	}
	return Derived{Address: derived, BumpSeed: bump}, nil
}

// Metadata derives the metadata record address for dataAccount under programID.
func Metadata(dataAccount, programID solana.PublicKey) (Derived, error) {
	return Derive(MetadataSeed, dataAccount, programID)
}
