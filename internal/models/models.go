package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// U64 is an unsigned 64-bit integer that the node encodes as a decimal string.
// Plain JSON numbers are accepted as well.
type U64 uint64

func (u *U64) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(s)
	}
	v, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid u64 %q: %w", b, err)
	}
	*u = U64(v)
	return nil
}

func (u U64) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatUint(uint64(u), 10))), nil
}

// Block represents a blockchain block. Identity is Height.
type Block struct {
	Height          uint64
	Hash            string
	FirstVersion    uint64
	LastVersion     uint64
	TimestampMicros uint64
	Transactions    []Transaction
}

type blockJSON struct {
	Height          U64           `json:"block_height"`
	Hash            string        `json:"block_hash"`
	TimestampMicros U64           `json:"block_timestamp"`
	FirstVersion    U64           `json:"first_version"`
	LastVersion     U64           `json:"last_version"`
	Transactions    []Transaction `json:"transactions,omitempty"`
}

func (b *Block) UnmarshalJSON(data []byte) error {
	var w blockJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*b = Block{
		Height:          uint64(w.Height),
		Hash:            w.Hash,
		FirstVersion:    uint64(w.FirstVersion),
		LastVersion:     uint64(w.LastVersion),
		TimestampMicros: uint64(w.TimestampMicros),
		Transactions:    w.Transactions,
	}
	return nil
}

func (b Block) MarshalJSON() ([]byte, error) {
	return json.Marshal(blockJSON{
		Height:          U64(b.Height),
		Hash:            b.Hash,
		TimestampMicros: U64(b.TimestampMicros),
		FirstVersion:    U64(b.FirstVersion),
		LastVersion:     U64(b.LastVersion),
		Transactions:    b.Transactions,
	})
}

// Transaction represents a blockchain transaction.
// Version is nil for entries the node has not committed yet (pending transactions).
// Key is the window identity: the decimal version, or a synthetic id for unversioned entries.
// Data holds the full JSON object as received so that the payload survives round trips.
type Transaction struct {
	Version         *uint64
	Key             string
	Hash            string
	Type            string
	TimestampMicros uint64
	Data            json.RawMessage
}

type transactionJSON struct {
	Version   *U64   `json:"version,omitempty"`
	Key       string `json:"key,omitempty"`
	Hash      string `json:"hash"`
	Type      string `json:"type"`
	Timestamp *U64   `json:"timestamp,omitempty"`
}

func (t *Transaction) UnmarshalJSON(data []byte) error {
	var w transactionJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*t = Transaction{
		Key:  w.Key,
		Hash: w.Hash,
		Type: w.Type,
		Data: append(json.RawMessage(nil), data...),
	}
	if w.Version != nil {
		v := uint64(*w.Version)
		t.Version = &v
	}
	if w.Timestamp != nil {
		t.TimestampMicros = uint64(*w.Timestamp)
	}
	return nil
}

func (t Transaction) MarshalJSON() ([]byte, error) {
	if len(t.Data) > 0 {
		if t.Key == "" {
			return t.Data, nil
		}
		return withKey(t.Data, t.Key)
	}
	w := transactionJSON{Key: t.Key, Hash: t.Hash, Type: t.Type}
	if t.Version != nil {
		v := U64(*t.Version)
		w.Version = &v
	}
	if t.TimestampMicros != 0 {
		ts := U64(t.TimestampMicros)
		w.Timestamp = &ts
	}
	return json.Marshal(w)
}

// withKey sets the "key" member of a raw JSON object.
func withKey(data json.RawMessage, key string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("transaction payload is not an object: %w", err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage, 1)
	}
	encoded, err := json.Marshal(key)
	if err != nil {
		return nil, err
	}
	fields["key"] = encoded
	return json.Marshal(fields)
}

// LedgerInfo is the node's view of the chain head.
type LedgerInfo struct {
	ChainID           uint8 `json:"chain_id"`
	Epoch             U64   `json:"epoch"`
	LedgerVersion     U64   `json:"ledger_version"`
	OldestLedger      U64   `json:"oldest_ledger_version"`
	LedgerTimestamp   U64   `json:"ledger_timestamp"`
	BlockHeight       U64   `json:"block_height"`
	OldestBlockHeight U64   `json:"oldest_block_height"`
}
