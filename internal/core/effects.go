package core

import (
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"PerpSettlement/internal/clearing"
	"PerpSettlement/internal/liquidation"
)

// effectCounter counts successful calls that moved assets outside the core.
// The journal cannot undo them, so a batch never reverts past the record
// that made them.
type effectCounter struct {
	n uint64
}

func (c *effectCounter) track(err error) error {
	if err == nil {
		c.n++
	}
	return err
}

type trackedMover struct {
	clearing.AssetMover
	effects *effectCounter
}

func (m trackedMover) Pull(token, holder common.Address, amount sdkmath.Int) error {
	return m.effects.track(m.AssetMover.Pull(token, holder, amount))
}

func (m trackedMover) Push(token, recipient common.Address, amount sdkmath.Int) error {
	return m.effects.track(m.AssetMover.Push(token, recipient, amount))
}

type trackedRouter struct {
	liquidation.SwapRouter
	effects *effectCounter
}

func (r trackedRouter) Swap(assetIn, assetOut common.Address, amountIn, minAmountOut sdkmath.Int) (sdkmath.Int, error) {
	out, err := r.SwapRouter.Swap(assetIn, assetOut, amountIn, minAmountOut)
	return out, r.effects.track(err)
}

// trackedVault counts Deposit and Redeem. Previews and conversions are reads.
type trackedVault struct {
	clearing.Vault
	effects *effectCounter
}

func (v trackedVault) Deposit(assets sdkmath.Int) (sdkmath.Int, error) {
	shares, err := v.Vault.Deposit(assets)
	return shares, v.effects.track(err)
}

func (v trackedVault) Redeem(shares sdkmath.Int) (sdkmath.Int, error) {
	assets, err := v.Vault.Redeem(shares)
	return assets, v.effects.track(err)
}
