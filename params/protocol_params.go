// Package params holds the protocol constants and chain parameters of the
// test chain.
package params

import "github.com/tos-network/chaintest/types"

const (
	MaxParameterSize = 65535      // Maximum byte size of an entrypoint parameter.
	MaxModuleSize    = 512 * 1024 // Maximum byte size of a deployed module.

	// ModuleDeployCostDivisor converts module size into deploy energy: one
	// unit of energy per this many bytes of module source.
	ModuleDeployCostDivisor uint64 = 10

	// ModuleLookupCostDivisor converts module size into lookup energy,
	// charged every time a module artifact is fetched for execution.
	ModuleLookupCostDivisor uint64 = 50

	ModuleDeployBaseCost       types.Energy = 300 // Per module deploy, before the size surcharge.
	InitializeContractBaseCost types.Energy = 300 // Per contract initialization, after module lookup.
	UpdateContractBaseCost     types.Energy = 300 // Per entrypoint invocation, after module lookup.
	TransferCost               types.Energy = 300 // Per transfer interrupt resolved by the handler.
	QueryBaseCost              types.Energy = 200 // Per balance/existence query interrupt.
)

// ExchangeRate is a rational conversion factor expressed as a fraction.
type ExchangeRate struct {
	Numerator   uint64
	Denominator uint64
}

// ChainParameters are the tunable parameters of a test chain instance.
type ChainParameters struct {
	// MicroPerEnergy converts consumed energy into a microTOS fee.
	MicroPerEnergy ExchangeRate
	// BlockEnergyLimit caps the energy budget of a single transaction.
	BlockEnergyLimit types.Energy
}

// DefaultChainParameters returns the parameters used unless a test overrides
// them.
func DefaultChainParameters() ChainParameters {
	return ChainParameters{
		MicroPerEnergy:   ExchangeRate{Numerator: 1, Denominator: 1},
		BlockEnergyLimit: 3_000_000,
	}
}

// ModuleDeployCost returns the energy charged for deploying a module of the
// given size.
func ModuleDeployCost(size int) types.Energy {
	return ModuleDeployBaseCost + types.Energy(uint64(size)/ModuleDeployCostDivisor)
}

// ModuleLookupCost returns the energy charged for fetching a module artifact
// of the given size.
func ModuleLookupCost(size int) types.Energy {
	return types.Energy(uint64(size)/ModuleLookupCostDivisor) + 1
}
