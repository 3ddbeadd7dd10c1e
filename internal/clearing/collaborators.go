package clearing

import (
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
)

// AssetMover moves real assets between external holders and the venue's custody.
type AssetMover interface {
	// Pull transfers amount of token from holder into custody.
	Pull(token, holder common.Address, amount sdkmath.Int) error
	// Push transfers amount of token from custody to recipient.
	Push(token, recipient common.Address, amount sdkmath.Int) error
}

// Vault is a yield-bearing share token over an underlying asset, held by the
// venue on behalf of its accounts.
type Vault interface {
	Deposit(assets sdkmath.Int) (shares sdkmath.Int, err error)
	Redeem(shares sdkmath.Int) (assets sdkmath.Int, err error)
	PreviewWithdraw(assets sdkmath.Int) (shares sdkmath.Int, err error)
	ConvertToAssets(shares sdkmath.Int) (assets sdkmath.Int, err error)
}
