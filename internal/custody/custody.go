// Package custody provides in-memory implementations of the venue's external
// collaborators: asset custody, yield vaults, a swap router, a price oracle
// and contract-account signature checks. The service uses them in simulated
// mode and the test suites use them as fakes.
package custody

import (
	"fmt"
	"sync"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	fpmath "PerpSettlement/internal/math"
)

type walletKey struct {
	token  common.Address
	holder common.Address
}

// Custodian tracks external wallet balances and the venue's custody balance.
type Custodian struct {
	mu       sync.Mutex
	wallets  map[walletKey]sdkmath.Int
	custody  map[common.Address]sdkmath.Int
	failPush map[common.Address]error
	// Mint makes Pull succeed for unfunded wallets (simulated deposits).
	Mint bool
}

func NewCustodian() *Custodian {
	return &Custodian{
		wallets:  make(map[walletKey]sdkmath.Int),
		custody:  make(map[common.Address]sdkmath.Int),
		failPush: make(map[common.Address]error),
	}
}

// Fund credits an external wallet.
func (c *Custodian) Fund(token, holder common.Address, amount sdkmath.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := walletKey{token: token, holder: holder}
	c.wallets[k] = fpmath.OrZero(c.wallets[k]).Add(amount)
}

// FailPushTo makes every push to recipient fail with err (nil clears it).
func (c *Custodian) FailPushTo(recipient common.Address, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failPush, recipient)
		return
	}
	c.failPush[recipient] = err
}

func (c *Custodian) WalletBalance(token, holder common.Address) sdkmath.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fpmath.OrZero(c.wallets[walletKey{token: token, holder: holder}])
}

func (c *Custodian) CustodyBalance(token common.Address) sdkmath.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fpmath.OrZero(c.custody[token])
}

func (c *Custodian) Pull(token, holder common.Address, amount sdkmath.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := walletKey{token: token, holder: holder}
	bal := fpmath.OrZero(c.wallets[k])
	if bal.LT(amount) && !c.Mint {
		return fmt.Errorf("wallet %s holds %s of %s, need %s", holder.Hex(), bal, token.Hex(), amount)
	}
	if !c.Mint || bal.GTE(amount) {
		c.wallets[k] = bal.Sub(amount)
	}
	c.custody[token] = fpmath.OrZero(c.custody[token]).Add(amount)
	return nil
}

func (c *Custodian) Push(token, recipient common.Address, amount sdkmath.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.failPush[recipient]; ok {
		return err
	}
	held := fpmath.OrZero(c.custody[token])
	if held.LT(amount) {
		return fmt.Errorf("custody holds %s of %s, need %s", held, token.Hex(), amount)
	}
	c.custody[token] = held.Sub(amount)
	k := walletKey{token: token, holder: recipient}
	c.wallets[k] = fpmath.OrZero(c.wallets[k]).Add(amount)
	return nil
}
