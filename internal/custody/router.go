package custody

import (
	"fmt"
	"sync"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	fpmath "PerpSettlement/internal/math"
)

type pair struct {
	in  common.Address
	out common.Address
}

// Router swaps at fixed per-pair prices (units of out per unit of in).
type Router struct {
	mu      sync.Mutex
	prices  map[pair]sdkmath.Int
	failing map[common.Address]error
}

func NewRouter() *Router {
	return &Router{
		prices:  make(map[pair]sdkmath.Int),
		failing: make(map[common.Address]error),
	}
}

func (r *Router) SetPrice(in, out common.Address, price sdkmath.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prices[pair{in: in, out: out}] = price
}

// FailAsset makes swaps of assetIn fail with err (nil clears it).
func (r *Router) FailAsset(assetIn common.Address, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failing, assetIn)
		return
	}
	r.failing[assetIn] = err
}

func (r *Router) Swap(assetIn, assetOut common.Address, amountIn, minAmountOut sdkmath.Int) (sdkmath.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.failing[assetIn]; ok {
		return sdkmath.Int{}, err
	}
	price, ok := r.prices[pair{in: assetIn, out: assetOut}]
	if !ok {
		return sdkmath.Int{}, fmt.Errorf("no route %s -> %s", assetIn.Hex(), assetOut.Hex())
	}
	out := fpmath.MulX18(amountIn, price)
	if out.LT(minAmountOut) {
		return sdkmath.Int{}, fmt.Errorf("slippage: out %s < min %s", out, minAmountOut)
	}
	return out, nil
}
