package event

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// OperationFailed is the Failure-status event of a soft-failed record.
type OperationFailed struct {
	OpType    string `json:"opType"`
	Status    Status `json:"status"`
	Codespace string `json:"codespace,omitempty"`
	Code      uint32 `json:"code,omitempty"`
	Reason    string `json:"reason"`
}

func (e *OperationFailed) EventType() EventType { return EventTypeOperationFailed }
func (e *OperationFailed) PartitionKey() string { return e.OpType + "/" + strconv.Itoa(int(e.Code)) }

type PauseChanged struct {
	Paused bool           `json:"paused"`
	By     common.Address `json:"by"`
}

func (e *PauseChanged) EventType() EventType { return EventTypePauseChanged }
func (e *PauseChanged) PartitionKey() string { return "system" }
