package types

import (
	"errors"
	"strings"
)

// ContractName is the name a contract was initialized under, without the
// "init_" prefix, e.g. "weather".
type ContractName string

// EntrypointName names a single entrypoint of a contract, e.g. "set".
type EntrypointName string

// ReceiveName is the fully qualified name of an entrypoint in the form
// "<contract>.<entrypoint>", e.g. "weather.set".
type ReceiveName string

// MaxContractNameLength is the maximum byte length of a contract name.
const MaxContractNameLength = 255

var (
	ErrInvalidContractName = errors.New("types: invalid contract name")
	ErrInvalidReceiveName  = errors.New("types: invalid receive name")
)

// MakeReceiveName joins a contract name and an entrypoint name.
func MakeReceiveName(contract ContractName, entrypoint EntrypointName) ReceiveName {
	return ReceiveName(string(contract) + "." + string(entrypoint))
}

// Split separates a receive name into its contract and entrypoint parts.
func (r ReceiveName) Split() (ContractName, EntrypointName, error) {
	name := string(r)
	i := strings.IndexByte(name, '.')
	if i <= 0 || i == len(name)-1 {
		return "", "", ErrInvalidReceiveName
	}
	contract := ContractName(name[:i])
	if err := contract.Validate(); err != nil {
		return "", "", err
	}
	return contract, EntrypointName(name[i+1:]), nil
}

// Validate checks that the contract name is non-empty ASCII without a dot
// and within the length limit.
func (c ContractName) Validate() error {
	if len(c) == 0 || len(c) > MaxContractNameLength {
		return ErrInvalidContractName
	}
	for i := 0; i < len(c); i++ {
		b := c[i]
		if b == '.' || b < 0x20 || b > 0x7e {
			return ErrInvalidContractName
		}
	}
	return nil
}

// Parameter is the opaque parameter bytes handed to an entrypoint.
type Parameter []byte

// ContractState is an opaque snapshot of a contract's state. Handles must
// not be retained across call boundaries; callers re-fetch the current state
// through the change stack after any nested invocation.
type ContractState []byte

// Clone returns an independent copy of the state.
func (s ContractState) Clone() ContractState {
	if s == nil {
		return nil
	}
	out := make(ContractState, len(s))
	copy(out, s)
	return out
}
