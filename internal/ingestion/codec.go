package ingestion

import (
	"encoding/binary"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"PerpSettlement/internal/matching"
	fpmath "PerpSettlement/internal/math"
)

// HeaderSize is opType(1) + txId(4).
const HeaderSize = 5

// Header is the fixed prefix of a record.
type Header struct {
	Op   OpType
	TxID uint32
}

// DecodeHeader splits a record into its header and payload.
func DecodeHeader(record []byte) (Header, []byte, error) {
	if len(record) < HeaderSize {
		return Header{}, nil, errorsmod.Wrapf(ErrTruncated, "record of %d bytes has no header", len(record))
	}
	return Header{
		Op:   OpType(record[0]),
		TxID: binary.BigEndian.Uint32(record[1:HeaderSize]),
	}, record[HeaderSize:], nil
}

// DecodeOperation parses the payload of op. The payload must be consumed exactly.
func DecodeOperation(op OpType, payload []byte) (Operation, error) {
	r := &reader{buf: payload}
	var out Operation

	switch op {
	case OpMatchOrders, OpMatchLiquidationOrders:
		req := matching.MatchRequest{
			Maker: r.order(),
			Taker: r.order(),
		}
		req.ProductIndex = r.u8()
		req.SequencerFee = r.u128()
		req.Fees.Referrer = r.address()
		req.Fees.ReferralRebate = r.u128()
		req.Fees.LiquidationPenalty = r.u128()
		req.Liquidation = op == OpMatchLiquidationOrders
		out = &MatchOrdersOp{Request: req}
	case OpWithdraw:
		out = &WithdrawOp{
			Sender:    r.address(),
			Token:     r.address(),
			Amount:    r.u128(),
			Nonce:     r.u64(),
			Signature: r.bytes(),
			Fee:       r.u128(),
		}
	case OpTransfer:
		out = &TransferOp{
			From:      r.address(),
			To:        r.address(),
			Token:     r.address(),
			Amount:    r.u128(),
			Nonce:     r.u64(),
			Signature: r.bytes(),
		}
	case OpTransferToFastSettlement:
		out = &FastSettlementOp{
			Account:   r.address(),
			Token:     r.address(),
			Amount:    r.u128(),
			Nonce:     r.u64(),
			Signature: r.bytes(),
		}
	case OpCreateSubaccount:
		out = &CreateSubaccountOp{
			Main:                r.address(),
			Subaccount:          r.address(),
			MainSignature:       r.bytes(),
			SubaccountSignature: r.bytes(),
		}
	case OpDeleteSubaccount:
		out = &DeleteSubaccountOp{
			Main:          r.address(),
			Subaccount:    r.address(),
			MainSignature: r.bytes(),
		}
	case OpRegisterSubaccountSigner:
		out = &RegisterSubaccountSignerOp{
			Main:            r.address(),
			Subaccount:      r.address(),
			Signer:          r.address(),
			Nonce:           r.u64(),
			MainSignature:   r.bytes(),
			SignerSignature: r.bytes(),
		}
	case OpAddSigningWallet:
		out = &AddSigningWalletOp{
			Sender:          r.address(),
			Signer:          r.address(),
			Nonce:           r.u64(),
			WalletSignature: r.bytes(),
			SignerSignature: r.bytes(),
		}
	case OpCoverLossByInsuranceFund:
		out = &CoverLossOp{Account: r.address(), Token: r.address()}
	case OpUpdateFundingRate:
		out = &UpdateFundingRateOp{ProductIndex: r.u8(), RateDelta: r.i128()}
	default:
		return nil, errorsmod.Wrapf(ErrUnknownOperation, "tag %d", uint8(op))
	}

	if err := r.finish(); err != nil {
		return nil, errorsmod.Wrapf(err, "decode %s", op)
	}
	return out, nil
}

// Decode parses a whole record.
func Decode(record []byte) (Header, Operation, error) {
	h, payload, err := DecodeHeader(record)
	if err != nil {
		return Header{}, nil, err
	}
	op, err := DecodeOperation(h.Op, payload)
	if err != nil {
		return h, nil, err
	}
	return h, op, nil
}

// Encode serializes op as a record with the given txId.
func Encode(txID uint32, op Operation) ([]byte, error) {
	w := &writer{buf: make([]byte, HeaderSize, 256)}
	w.buf[0] = byte(op.OpType())
	binary.BigEndian.PutUint32(w.buf[1:HeaderSize], txID)
	op.encode(w)
	if w.err != nil {
		return nil, errorsmod.Wrapf(w.err, "encode %s", op.OpType())
	}
	return w.buf, nil
}

// --- operation payloads ---

func (o *MatchOrdersOp) encode(w *writer) {
	w.order(o.Request.Maker)
	w.order(o.Request.Taker)
	w.u8(o.Request.ProductIndex)
	w.u128(o.Request.SequencerFee)
	w.address(o.Request.Fees.Referrer)
	w.u128(o.Request.Fees.ReferralRebate)
	w.u128(o.Request.Fees.LiquidationPenalty)
}

func (o *WithdrawOp) encode(w *writer) {
	w.address(o.Sender)
	w.address(o.Token)
	w.u128(o.Amount)
	w.u64(o.Nonce)
	w.bytes(o.Signature)
	w.u128(o.Fee)
}

func (o *TransferOp) encode(w *writer) {
	w.address(o.From)
	w.address(o.To)
	w.address(o.Token)
	w.u128(o.Amount)
	w.u64(o.Nonce)
	w.bytes(o.Signature)
}

func (o *FastSettlementOp) encode(w *writer) {
	w.address(o.Account)
	w.address(o.Token)
	w.u128(o.Amount)
	w.u64(o.Nonce)
	w.bytes(o.Signature)
}

func (o *CreateSubaccountOp) encode(w *writer) {
	w.address(o.Main)
	w.address(o.Subaccount)
	w.bytes(o.MainSignature)
	w.bytes(o.SubaccountSignature)
}

func (o *DeleteSubaccountOp) encode(w *writer) {
	w.address(o.Main)
	w.address(o.Subaccount)
	w.bytes(o.MainSignature)
}

func (o *RegisterSubaccountSignerOp) encode(w *writer) {
	w.address(o.Main)
	w.address(o.Subaccount)
	w.address(o.Signer)
	w.u64(o.Nonce)
	w.bytes(o.MainSignature)
	w.bytes(o.SignerSignature)
}

func (o *AddSigningWalletOp) encode(w *writer) {
	w.address(o.Sender)
	w.address(o.Signer)
	w.u64(o.Nonce)
	w.bytes(o.WalletSignature)
	w.bytes(o.SignerSignature)
}

func (o *CoverLossOp) encode(w *writer) {
	w.address(o.Account)
	w.address(o.Token)
}

func (o *UpdateFundingRateOp) encode(w *writer) {
	w.u8(o.ProductIndex)
	w.i128(o.RateDelta)
}

// --- primitives ---

type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf)-r.off < n {
		r.err = errorsmod.Wrapf(ErrTruncated, "need %d bytes at offset %d, have %d", n, r.off, len(r.buf)-r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) finish() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return errorsmod.Wrapf(ErrTrailingBytes, "%d bytes", len(r.buf)-r.off)
	}
	return nil
}

func (r *reader) address() common.Address {
	b := r.take(common.AddressLength)
	if b == nil {
		return common.Address{}
	}
	return common.BytesToAddress(b)
}

func (r *reader) u128() sdkmath.Int {
	b := r.take(16)
	if b == nil {
		return fpmath.Zero()
	}
	return fpmath.U128(b)
}

func (r *reader) i128() sdkmath.Int {
	b := r.take(16)
	if b == nil {
		return fpmath.Zero()
	}
	return fpmath.I128(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) boolean() bool {
	v := r.u8()
	if v > 1 && r.err == nil {
		r.err = errorsmod.Wrapf(ErrInvalidValue, "bool byte %d", v)
	}
	return v == 1
}

func (r *reader) side() matching.Side {
	v := r.u8()
	if v > uint8(matching.SideSell) && r.err == nil {
		r.err = errorsmod.Wrapf(ErrInvalidValue, "side %d", v)
	}
	return matching.Side(v)
}

func (r *reader) bytes() []byte {
	b := r.take(2)
	if b == nil {
		return nil
	}
	n := int(binary.BigEndian.Uint16(b))
	data := r.take(n)
	if data == nil {
		return nil
	}
	return append([]byte(nil), data...)
}

func (r *reader) order() matching.Order {
	return matching.Order{
		Sender:        r.address(),
		Size:          r.u128(),
		Price:         r.u128(),
		Nonce:         r.u64(),
		ProductIndex:  r.u8(),
		Side:          r.side(),
		Signature:     r.bytes(),
		Signer:        r.address(),
		IsLiquidation: r.boolean(),
		Fee:           r.i128(),
	}
}

type writer struct {
	buf []byte
	err error
}

func (w *writer) address(a common.Address) { w.buf = append(w.buf, a.Bytes()...) }

func (w *writer) u128(v sdkmath.Int) {
	var b [16]byte
	if err := fpmath.PutU128(b[:], fpmath.OrZero(v)); err != nil && w.err == nil {
		w.err = errorsmod.Wrap(ErrOverflow, err.Error())
	}
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) i128(v sdkmath.Int) {
	var b [16]byte
	if err := fpmath.PutI128(b[:], fpmath.OrZero(v)); err != nil && w.err == nil {
		w.err = errorsmod.Wrap(ErrOverflow, err.Error())
	}
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *writer) u8(v uint8) { w.buf = append(w.buf, v) }

func (w *writer) boolean(v bool) {
	if v {
		w.u8(1)
		return
	}
	w.u8(0)
}

func (w *writer) bytes(b []byte) {
	if len(b) > 0xFFFF {
		if w.err == nil {
			w.err = errorsmod.Wrapf(ErrOverflow, "byte string of %d", len(b))
		}
		return
	}
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) order(o matching.Order) {
	w.address(o.Sender)
	w.u128(o.Size)
	w.u128(o.Price)
	w.u64(o.Nonce)
	w.u8(o.ProductIndex)
	w.u8(uint8(o.Side))
	w.bytes(o.Signature)
	w.address(o.Signer)
	w.boolean(o.IsLiquidation)
	w.i128(o.Fee)
}

// --- batch framing ---

// EncodeBatch frames records as u32 count then u32 length | record each.
func EncodeBatch(records [][]byte) []byte {
	size := 4
	for _, rec := range records {
		size += 4 + len(rec)
	}
	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(records)))
	for _, rec := range records {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(rec)))
		buf = append(buf, rec...)
	}
	return buf
}

// DecodeBatch is the inverse of EncodeBatch.
func DecodeBatch(data []byte) ([][]byte, error) {
	r := &reader{buf: data}
	countBytes := r.take(4)
	if countBytes == nil {
		return nil, r.err
	}
	count := binary.BigEndian.Uint32(countBytes)
	if uint64(count)*4 > uint64(len(data)-4) {
		return nil, errorsmod.Wrapf(ErrTruncated, "batch claims %d records in %d bytes", count, len(data))
	}

	records := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		lenBytes := r.take(4)
		if lenBytes == nil {
			return nil, errorsmod.Wrapf(r.err, "record %d length", i)
		}
		rec := r.take(int(binary.BigEndian.Uint32(lenBytes)))
		if rec == nil {
			return nil, errorsmod.Wrapf(r.err, "record %d", i)
		}
		records = append(records, append([]byte(nil), rec...))
	}
	if err := r.finish(); err != nil {
		return nil, err
	}
	return records, nil
}
