package txbuilder

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"

	"github.com/flashbots/sealbid/crypto"
)

// AccountMeta references an account used by an instruction.
type AccountMeta struct {
	Key      crypto.PublicKey
	Signer   bool
	Writable bool
}

func Writable(k crypto.PublicKey) AccountMeta { return AccountMeta{Key: k, Writable: true} }
func ReadOnly(k crypto.PublicKey) AccountMeta { return AccountMeta{Key: k} }
func SignerMeta(k crypto.PublicKey) AccountMeta { return AccountMeta{Key: k, Signer: true, Writable: true} }

// Instruction is a single program invocation.
type Instruction struct {
	ProgramID crypto.PublicKey
	Accounts  []AccountMeta
	Data      []byte
}

// Transaction is an unsigned transaction envelope. Signature slots are
// zero-filled; the client wallet signs Message and fills them in.
type Transaction struct {
	FeePayer        crypto.PublicKey
	RecentBlockhash string
	Instructions    []Instruction
	Message         []byte
	NumSigners      int
}

const signatureSize = 64

// Serialize returns the wire form: compact-u16 signature count, empty
// signatures, then the message.
func (tx *Transaction) Serialize() []byte {
	out := appendCompactU16(nil, tx.NumSigners)
	out = append(out, make([]byte, tx.NumSigners*signatureSize)...)
	return append(out, tx.Message...)
}

// Base64 is the form handed back to clients.
func (tx *Transaction) Base64() string {
	return base64.StdEncoding.EncodeToString(tx.Serialize())
}

var ErrTooManyAccounts = errors.New("too many accounts in transaction")

// compileMessage lays out a legacy message. Accounts are ordered fee payer
// first, then writable signers, read-only signers, writable non-signers and
// read-only non-signers; program ids are read-only non-signers.
func compileMessage(feePayer crypto.PublicKey, blockhash crypto.PublicKey, ixs []Instruction) ([]byte, int, error) {
	type entry struct {
		meta  AccountMeta
		order int
	}
	index := map[crypto.PublicKey]int{}
	var entries []entry
	add := func(m AccountMeta) {
		if i, ok := index[m.Key]; ok {
			entries[i].meta.Signer = entries[i].meta.Signer || m.Signer
			entries[i].meta.Writable = entries[i].meta.Writable || m.Writable
			return
		}
		index[m.Key] = len(entries)
		entries = append(entries, entry{meta: m, order: len(entries)})
	}
	add(SignerMeta(feePayer))
	for _, ix := range ixs {
		for _, a := range ix.Accounts {
			add(a)
		}
		add(ReadOnly(ix.ProgramID))
	}
	if len(entries) > math.MaxUint8 {
		return nil, 0, ErrTooManyAccounts
	}

	class := func(m AccountMeta) int {
		switch {
		case m.Signer && m.Writable:
			return 0
		case m.Signer:
			return 1
		case m.Writable:
			return 2
		}
		return 3
	}
	ordered := make([]AccountMeta, 0, len(entries))
	ordered = append(ordered, entries[0].meta)
	for c := 0; c < 4; c++ {
		for _, e := range entries[1:] {
			if class(e.meta) == c {
				ordered = append(ordered, e.meta)
			}
		}
	}

	var numSigners, roSigned, roUnsigned int
	pos := make(map[crypto.PublicKey]int, len(ordered))
	for i, m := range ordered {
		pos[m.Key] = i
		switch class(m) {
		case 0:
			numSigners++
		case 1:
			numSigners++
			roSigned++
		case 3:
			roUnsigned++
		}
	}

	msg := []byte{byte(numSigners), byte(roSigned), byte(roUnsigned)}
	msg = appendCompactU16(msg, len(ordered))
	for _, m := range ordered {
		msg = append(msg, m.Key[:]...)
	}
	msg = append(msg, blockhash[:]...)
	msg = appendCompactU16(msg, len(ixs))
	for _, ix := range ixs {
		if len(ix.Data) > math.MaxUint16 {
			return nil, 0, fmt.Errorf("instruction data: %w", ErrFieldOverflow)
		}
		msg = append(msg, byte(pos[ix.ProgramID]))
		msg = appendCompactU16(msg, len(ix.Accounts))
		for _, a := range ix.Accounts {
			msg = append(msg, byte(pos[a.Key]))
		}
		msg = appendCompactU16(msg, len(ix.Data))
		msg = append(msg, ix.Data...)
	}
	return msg, numSigners, nil
}

// appendCompactU16 encodes n as a 7-bit varint of at most three bytes.
func appendCompactU16(b []byte, n int) []byte {
	v := uint16(n)
	for {
		elem := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(b, elem)
		}
		b = append(b, elem|0x80)
	}
}
