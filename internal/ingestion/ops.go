package ingestion

import (
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"PerpSettlement/internal/auth"
	"PerpSettlement/internal/matching"
)

// OpType is the one-byte tag at the head of every record.
type OpType uint8

const (
	OpMatchOrders OpType = iota + 1
	OpMatchLiquidationOrders
	OpWithdraw
	OpTransfer
	OpTransferToFastSettlement
	OpCreateSubaccount
	OpDeleteSubaccount
	OpRegisterSubaccountSigner
	OpAddSigningWallet
	OpCoverLossByInsuranceFund
	OpUpdateFundingRate
)

func (o OpType) String() string {
	switch o {
	case OpMatchOrders:
		return "MatchOrders"
	case OpMatchLiquidationOrders:
		return "MatchLiquidationOrders"
	case OpWithdraw:
		return "Withdraw"
	case OpTransfer:
		return "Transfer"
	case OpTransferToFastSettlement:
		return "TransferToFastSettlement"
	case OpCreateSubaccount:
		return "CreateSubaccount"
	case OpDeleteSubaccount:
		return "DeleteSubaccount"
	case OpRegisterSubaccountSigner:
		return "RegisterSubaccountSigner"
	case OpAddSigningWallet:
		return "AddSigningWallet"
	case OpCoverLossByInsuranceFund:
		return "CoverLossByInsuranceFund"
	case OpUpdateFundingRate:
		return "UpdateFundingRate"
	default:
		return fmt.Sprintf("OpType(%d)", uint8(o))
	}
}

// Operation is a decoded record payload.
type Operation interface {
	OpType() OpType
	encode(w *writer)
}

// MatchOrdersOp carries both MatchOrders and MatchLiquidationOrders; the
// request's Liquidation flag selects the tag.
type MatchOrdersOp struct {
	Request matching.MatchRequest
}

func (o *MatchOrdersOp) OpType() OpType {
	if o.Request.Liquidation {
		return OpMatchLiquidationOrders
	}
	return OpMatchOrders
}

type WithdrawOp struct {
	Sender    common.Address
	Token     common.Address
	Amount    sdkmath.Int
	Nonce     uint64
	Signature []byte
	Fee       sdkmath.Int
}

func (o *WithdrawOp) OpType() OpType { return OpWithdraw }

var withdrawTypeHash = auth.TypeHash("Withdraw(address sender,address token,uint128 amount,uint64 nonce)")

// StructHash covers everything but the sequencer-assigned fee.
func (o *WithdrawOp) StructHash() common.Hash {
	return auth.HashStruct(withdrawTypeHash,
		auth.AddressWord(o.Sender),
		auth.AddressWord(o.Token),
		auth.UintWord(o.Amount),
		auth.Uint64Word(o.Nonce),
	)
}

type TransferOp struct {
	From      common.Address
	To        common.Address
	Token     common.Address
	Amount    sdkmath.Int
	Nonce     uint64
	Signature []byte
}

func (o *TransferOp) OpType() OpType { return OpTransfer }

var transferTypeHash = auth.TypeHash("Transfer(address from,address to,address token,uint128 amount,uint64 nonce)")

func (o *TransferOp) StructHash() common.Hash {
	return auth.HashStruct(transferTypeHash,
		auth.AddressWord(o.From),
		auth.AddressWord(o.To),
		auth.AddressWord(o.Token),
		auth.UintWord(o.Amount),
		auth.Uint64Word(o.Nonce),
	)
}

type FastSettlementOp struct {
	Account   common.Address
	Token     common.Address
	Amount    sdkmath.Int
	Nonce     uint64
	Signature []byte
}

func (o *FastSettlementOp) OpType() OpType { return OpTransferToFastSettlement }

var fastSettlementTypeHash = auth.TypeHash("TransferToFastSettlement(address account,address token,uint128 amount,uint64 nonce)")

func (o *FastSettlementOp) StructHash() common.Hash {
	return auth.HashStruct(fastSettlementTypeHash,
		auth.AddressWord(o.Account),
		auth.AddressWord(o.Token),
		auth.UintWord(o.Amount),
		auth.Uint64Word(o.Nonce),
	)
}

// CreateSubaccountOp is signed by both the main account and the new subaccount.
type CreateSubaccountOp struct {
	Main                common.Address
	Subaccount          common.Address
	MainSignature       []byte
	SubaccountSignature []byte
}

func (o *CreateSubaccountOp) OpType() OpType { return OpCreateSubaccount }

var createSubaccountTypeHash = auth.TypeHash("CreateSubaccount(address main,address subaccount)")

func (o *CreateSubaccountOp) StructHash() common.Hash {
	return auth.HashStruct(createSubaccountTypeHash, auth.AddressWord(o.Main), auth.AddressWord(o.Subaccount))
}

type DeleteSubaccountOp struct {
	Main          common.Address
	Subaccount    common.Address
	MainSignature []byte
}

func (o *DeleteSubaccountOp) OpType() OpType { return OpDeleteSubaccount }

var deleteSubaccountTypeHash = auth.TypeHash("DeleteSubaccount(address main,address subaccount)")

func (o *DeleteSubaccountOp) StructHash() common.Hash {
	return auth.HashStruct(deleteSubaccountTypeHash, auth.AddressWord(o.Main), auth.AddressWord(o.Subaccount))
}

// RegisterSubaccountSignerOp is signed by the main account and the new signer.
type RegisterSubaccountSignerOp struct {
	Main            common.Address
	Subaccount      common.Address
	Signer          common.Address
	Nonce           uint64
	MainSignature   []byte
	SignerSignature []byte
}

func (o *RegisterSubaccountSignerOp) OpType() OpType { return OpRegisterSubaccountSigner }

var registerSubaccountSignerTypeHash = auth.TypeHash(
	"RegisterSubaccountSigner(address main,address subaccount,address signer,uint64 nonce)",
)

func (o *RegisterSubaccountSignerOp) StructHash() common.Hash {
	return auth.HashStruct(registerSubaccountSignerTypeHash,
		auth.AddressWord(o.Main),
		auth.AddressWord(o.Subaccount),
		auth.AddressWord(o.Signer),
		auth.Uint64Word(o.Nonce),
	)
}

// AddSigningWalletOp is signed by the account wallet and the new signer.
type AddSigningWalletOp struct {
	Sender          common.Address
	Signer          common.Address
	Nonce           uint64
	WalletSignature []byte
	SignerSignature []byte
}

func (o *AddSigningWalletOp) OpType() OpType { return OpAddSigningWallet }

var addSigningWalletTypeHash = auth.TypeHash("AddSigningWallet(address sender,address signer,uint64 nonce)")

func (o *AddSigningWalletOp) StructHash() common.Hash {
	return auth.HashStruct(addSigningWalletTypeHash,
		auth.AddressWord(o.Sender),
		auth.AddressWord(o.Signer),
		auth.Uint64Word(o.Nonce),
	)
}

type CoverLossOp struct {
	Account common.Address
	Token   common.Address
}

func (o *CoverLossOp) OpType() OpType { return OpCoverLossByInsuranceFund }

type UpdateFundingRateOp struct {
	ProductIndex uint8
	RateDelta    sdkmath.Int
}

func (o *UpdateFundingRateOp) OpType() OpType { return OpUpdateFundingRate }
