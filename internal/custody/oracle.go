package custody

import (
	"fmt"
	"sync"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"PerpSettlement/internal/auth"
)

// Oracle is a settable USD price table.
type Oracle struct {
	mu     sync.RWMutex
	prices map[common.Address]sdkmath.Int
}

func NewOracle() *Oracle {
	return &Oracle{prices: make(map[common.Address]sdkmath.Int)}
}

func (o *Oracle) SetPrice(token common.Address, usd sdkmath.Int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[token] = usd
}

func (o *Oracle) PriceInUSD(token common.Address) (sdkmath.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.prices[token]
	if !ok {
		return sdkmath.Int{}, fmt.Errorf("no price for %s", token.Hex())
	}
	return p, nil
}

// ContractAccounts validates vault signatures by recovering the raw key of
// the vault's registered owner.
type ContractAccounts struct {
	mu     sync.RWMutex
	owners map[common.Address]common.Address
}

func NewContractAccounts() *ContractAccounts {
	return &ContractAccounts{owners: make(map[common.Address]common.Address)}
}

func (c *ContractAccounts) SetOwner(account, owner common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owners[account] = owner
}

func (c *ContractAccounts) IsValidSignature(account common.Address, digest common.Hash, sig []byte) bool {
	c.mu.RLock()
	owner, ok := c.owners[account]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	return auth.RawKeyVerifier{}.Verify(owner, digest, sig)
}
