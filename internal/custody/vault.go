package custody

import (
	"errors"
	"sync"

	sdkmath "cosmossdk.io/math"

	fpmath "PerpSettlement/internal/math"
)

var ErrVaultUnavailable = errors.New("vault unavailable")

// Vault is a share vault with an adjustable exchange rate (assets per share).
type Vault struct {
	mu     sync.Mutex
	rate   sdkmath.Int
	failed bool
}

func NewVault(rate sdkmath.Int) *Vault {
	return &Vault{rate: rate}
}

// SetRate simulates yield accrual.
func (v *Vault) SetRate(rate sdkmath.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rate = rate
}

// SetFailing makes every call fail until cleared.
func (v *Vault) SetFailing(failed bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failed = failed
}

func (v *Vault) snapshot() (sdkmath.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failed {
		return sdkmath.Int{}, ErrVaultUnavailable
	}
	return v.rate, nil
}

func (v *Vault) Deposit(assets sdkmath.Int) (sdkmath.Int, error) {
	rate, err := v.snapshot()
	if err != nil {
		return sdkmath.Int{}, err
	}
	return fpmath.DivX18(assets, rate), nil
}

func (v *Vault) Redeem(shares sdkmath.Int) (sdkmath.Int, error) {
	return v.ConvertToAssets(shares)
}

// PreviewWithdraw rounds up so the redeemed shares cover assets.
func (v *Vault) PreviewWithdraw(assets sdkmath.Int) (sdkmath.Int, error) {
	rate, err := v.snapshot()
	if err != nil {
		return sdkmath.Int{}, err
	}
	num := assets.Mul(fpmath.One)
	shares := num.Quo(rate)
	if !shares.Mul(rate).Equal(num) {
		shares = shares.AddRaw(1)
	}
	return shares, nil
}

func (v *Vault) ConvertToAssets(shares sdkmath.Int) (sdkmath.Int, error) {
	rate, err := v.snapshot()
	if err != nil {
		return sdkmath.Int{}, err
	}
	return fpmath.MulX18(shares, rate), nil
}
