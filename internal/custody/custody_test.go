package custody

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fpmath "PerpSettlement/internal/math"
)

var (
	usdc  = common.HexToAddress("0x1001")
	weth  = common.HexToAddress("0x1002")
	alice = common.HexToAddress("0xa11ce")
)

func TestCustodian_PullPush(t *testing.T) {
	c := NewCustodian()
	c.Fund(usdc, alice, fpmath.Units(10))

	require.Error(t, c.Pull(usdc, alice, fpmath.Units(11)))
	require.NoError(t, c.Pull(usdc, alice, fpmath.Units(10)))
	assert.True(t, c.CustodyBalance(usdc).Equal(fpmath.Units(10)))

	c.FailPushTo(alice, errors.New("blocked"))
	require.Error(t, c.Push(usdc, alice, fpmath.Units(1)))
	c.FailPushTo(alice, nil)
	require.NoError(t, c.Push(usdc, alice, fpmath.Units(4)))
	assert.True(t, c.WalletBalance(usdc, alice).Equal(fpmath.Units(4)))
}

func TestCustodian_MintMode(t *testing.T) {
	c := NewCustodian()
	c.Mint = true
	require.NoError(t, c.Pull(usdc, alice, fpmath.Units(5)))
	assert.True(t, c.CustodyBalance(usdc).Equal(fpmath.Units(5)))
}

func TestVault_PreviewWithdrawRoundsUp(t *testing.T) {
	v := NewVault(fpmath.Units(3)) // 3 assets per share
	shares, err := v.PreviewWithdraw(fpmath.Units(10))
	require.NoError(t, err)
	assets, err := v.ConvertToAssets(shares)
	require.NoError(t, err)
	assert.True(t, assets.GTE(fpmath.Units(10)), "assets %s", assets)

	v.SetFailing(true)
	_, err = v.Deposit(fpmath.Units(1))
	require.ErrorIs(t, err, ErrVaultUnavailable)
}

func TestRouter_Swap(t *testing.T) {
	r := NewRouter()
	r.SetPrice(weth, usdc, fpmath.Units(2000))

	out, err := r.Swap(weth, usdc, fpmath.Units(2), fpmath.Units(3999))
	require.NoError(t, err)
	assert.True(t, out.Equal(fpmath.Units(4000)))

	_, err = r.Swap(weth, usdc, fpmath.Units(2), fpmath.Units(4001))
	require.Error(t, err)

	_, err = r.Swap(usdc, weth, fpmath.Units(1), fpmath.Zero())
	require.Error(t, err)
}

func TestContractAccounts(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	owner := crypto.PubkeyToAddress(key.PublicKey)
	vault := common.HexToAddress("0x7a017")

	digest := crypto.Keccak256Hash([]byte("order"))
	sig, err := crypto.Sign(digest[:], key)
	require.NoError(t, err)

	c := NewContractAccounts()
	assert.False(t, c.IsValidSignature(vault, digest, sig))
	c.SetOwner(vault, owner)
	assert.True(t, c.IsValidSignature(vault, digest, sig))
}
