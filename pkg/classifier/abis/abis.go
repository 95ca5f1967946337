package abis

import (
	"bytes"
	_ "embed"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

var (
	//go:embed staking_pool.json
	stakingPool []byte
	//go:embed whitelist_pool.json
	whitelistPool []byte
	//go:embed pad_proxy.json
	padProxy []byte
)

var (
	// StakingPool is the staking-based IDO (TDE) contract: enroll, swap, claim.
	StakingPool abi.ABI
	// WhitelistPool is the lottery/allowlist IDO contract: swap with merkle proof, claim.
	WhitelistPool abi.ABI
	// PadProxy is the staking proxy participants lock PAD in before enrolling.
	PadProxy abi.ABI
)

func init() {
	builder := []struct {
		ABI  *abi.ABI
		data []byte
	}{
		{&StakingPool, stakingPool},
		{&WhitelistPool, whitelistPool},
		{&PadProxy, padProxy},
	}

	for _, b := range builder {
		var err error
		*b.ABI, err = abi.JSON(bytes.NewReader(b.data))
		if err != nil {
			panic(err)
		}
	}
}
