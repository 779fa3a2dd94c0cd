// Package types defines the primitive chain types used by the test chain:
// account and contract addresses, amounts, energy, contract state and the
// name types used to dispatch entrypoint calls.
package types

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// AccountAddressLength is the byte length of an account address.
const AccountAddressLength = 32

// AccountAddress identifies an account. The last three bytes are an alias
// counter: two addresses that agree on the first 29 bytes denote the same
// underlying account.
type AccountAddress [AccountAddressLength]byte

// AccountAddressEq is the equivalence class of an account address with the
// alias bytes stripped. All ledger and frame lookups key by this type so
// that aliases resolve to the same account.
type AccountAddressEq [AccountAddressLength - 3]byte

// Eq returns the equivalence class of the address.
func (a AccountAddress) Eq() AccountAddressEq {
	var eq AccountAddressEq
	copy(eq[:], a[:AccountAddressLength-3])
	return eq
}

// IsAliasOf reports whether a and b refer to the same underlying account.
func (a AccountAddress) IsAliasOf(b AccountAddress) bool {
	return a.Eq() == b.Eq()
}

func (a AccountAddress) String() string {
	return hex.EncodeToString(a[:8]) + "…"
}

// ContractAddress identifies a contract instance by its creation index and
// subindex.
type ContractAddress struct {
	Index    uint64
	Subindex uint64
}

func (c ContractAddress) String() string {
	return fmt.Sprintf("<%d,%d>", c.Index, c.Subindex)
}

// Address is either an account address or a contract address. The zero value
// is an account address of all zeroes.
type Address struct {
	contract   ContractAddress
	account    AccountAddress
	isContract bool
}

// AddressAccount wraps an account address.
func AddressAccount(a AccountAddress) Address {
	return Address{account: a}
}

// AddressContract wraps a contract address.
func AddressContract(c ContractAddress) Address {
	return Address{contract: c, isContract: true}
}

// Account returns the account address and whether the address is an account.
func (a Address) Account() (AccountAddress, bool) {
	return a.account, !a.isContract
}

// Contract returns the contract address and whether the address is a
// contract.
func (a Address) Contract() (ContractAddress, bool) {
	return a.contract, a.isContract
}

// MatchesAccount reports whether the address is an alias of the given
// account.
func (a Address) MatchesAccount(acc AccountAddress) bool {
	got, ok := a.Account()
	return ok && got.IsAliasOf(acc)
}

func (a Address) String() string {
	if a.isContract {
		return a.contract.String()
	}
	return a.account.String()
}

// ModuleReference is the hash identifying a deployed module.
type ModuleReference [32]byte

// ModuleReferenceOf computes the reference of a module from its source.
func ModuleReferenceOf(source []byte) ModuleReference {
	return ModuleReference(sha3.Sum256(source))
}

func (m ModuleReference) String() string {
	return hex.EncodeToString(m[:8]) + "…"
}
