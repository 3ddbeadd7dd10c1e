package event

import (
	"github.com/ethereum/go-ethereum/common"
)

type SubaccountCreated struct {
	Main       common.Address `json:"main"`
	Subaccount common.Address `json:"subaccount"`
}

func (e *SubaccountCreated) EventType() EventType { return EventTypeSubaccountCreated }
func (e *SubaccountCreated) PartitionKey() string { return e.Main.Hex() }

type SubaccountDeleted struct {
	Main       common.Address `json:"main"`
	Subaccount common.Address `json:"subaccount"`
}

func (e *SubaccountDeleted) EventType() EventType { return EventTypeSubaccountDeleted }
func (e *SubaccountDeleted) PartitionKey() string { return e.Main.Hex() }

// SignerRegistered covers both AddSigningWallet and RegisterSubaccountSigner.
type SignerRegistered struct {
	Account common.Address `json:"account"`
	Signer  common.Address `json:"signer"`
	Nonce   uint64         `json:"nonce"`
}

func (e *SignerRegistered) EventType() EventType { return EventTypeSignerRegistered }
func (e *SignerRegistered) PartitionKey() string { return e.Account.Hex() }
