package ledger

import (
	"encoding/binary"
	"errors"

	"github.com/tos-network/chaintest/types"
)

// Record layouts are versioned length-prefixed binary; the ledger owns both
// ends so there is no cross-version concern beyond the leading byte.
const (
	accountRecordVersion  = byte(1)
	instanceRecordVersion = byte(1)
)

var ErrCorruptRecord = errors.New("ledger: corrupt record")

var (
	accountPrefix  = []byte("la:")
	instancePrefix = []byte("li:")
	modulePrefix   = []byte("lm:")
	nextIndexKey   = []byte("ln:contract-index")
)

func accountKey(eq types.AccountAddressEq) []byte {
	return append(append([]byte{}, accountPrefix...), eq[:]...)
}

func instanceKey(addr types.ContractAddress) []byte {
	key := make([]byte, len(instancePrefix)+16)
	copy(key, instancePrefix)
	binary.BigEndian.PutUint64(key[len(instancePrefix):], addr.Index)
	binary.BigEndian.PutUint64(key[len(instancePrefix)+8:], addr.Subindex)
	return key
}

func moduleKey(ref types.ModuleReference) []byte {
	return append(append([]byte{}, modulePrefix...), ref[:]...)
}

func encodeAccount(acc Account) []byte {
	buf := make([]byte, 1+types.AccountAddressLength+8)
	buf[0] = accountRecordVersion
	copy(buf[1:], acc.Address[:])
	binary.BigEndian.PutUint64(buf[1+types.AccountAddressLength:], acc.Balance.Micro())
	return buf
}

func decodeAccount(raw []byte) (Account, error) {
	if len(raw) != 1+types.AccountAddressLength+8 || raw[0] != accountRecordVersion {
		return Account{}, ErrCorruptRecord
	}
	var acc Account
	copy(acc.Address[:], raw[1:1+types.AccountAddressLength])
	acc.Balance = types.AmountFromMicro(binary.BigEndian.Uint64(raw[1+types.AccountAddressLength:]))
	return acc, nil
}

func encodeInstance(inst ContractInstance) []byte {
	name := []byte(inst.Name)
	buf := make([]byte, 0, 1+2+len(name)+32+types.AccountAddressLength+8+4+len(inst.State))
	buf = append(buf, instanceRecordVersion)
	var l2 [2]byte
	binary.BigEndian.PutUint16(l2[:], uint16(len(name)))
	buf = append(buf, l2[:]...)
	buf = append(buf, name...)
	buf = append(buf, inst.Module[:]...)
	buf = append(buf, inst.Owner[:]...)
	var l8 [8]byte
	binary.BigEndian.PutUint64(l8[:], inst.SelfBalance.Micro())
	buf = append(buf, l8[:]...)
	var l4 [4]byte
	binary.BigEndian.PutUint32(l4[:], uint32(len(inst.State)))
	buf = append(buf, l4[:]...)
	buf = append(buf, inst.State...)
	return buf
}

func decodeInstance(raw []byte, addr types.ContractAddress) (ContractInstance, error) {
	inst := ContractInstance{Address: addr}
	if len(raw) < 1+2 || raw[0] != instanceRecordVersion {
		return ContractInstance{}, ErrCorruptRecord
	}
	raw = raw[1:]
	nameLen := int(binary.BigEndian.Uint16(raw))
	raw = raw[2:]
	if len(raw) < nameLen+32+types.AccountAddressLength+8+4 {
		return ContractInstance{}, ErrCorruptRecord
	}
	inst.Name = types.ContractName(raw[:nameLen])
	raw = raw[nameLen:]
	copy(inst.Module[:], raw[:32])
	raw = raw[32:]
	copy(inst.Owner[:], raw[:types.AccountAddressLength])
	raw = raw[types.AccountAddressLength:]
	inst.SelfBalance = types.AmountFromMicro(binary.BigEndian.Uint64(raw))
	raw = raw[8:]
	stateLen := int(binary.BigEndian.Uint32(raw))
	raw = raw[4:]
	if len(raw) != stateLen {
		return ContractInstance{}, ErrCorruptRecord
	}
	if stateLen > 0 {
		inst.State = types.ContractState(raw).Clone()
	}
	return inst, nil
}
