// Package envelope is the wire codec of the explorer push channel.
//
// Inbound frames are JSON objects tagged by "type". Only the block and
// transaction kinds carry data; the rest are control acknowledgements.
// Unknown kinds decode to KindUnknown so that new server-side frames do
// not break older consumers.
package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/manifest-network/aptfeed/internal/models"
)

// Kind identifies an envelope type.
type Kind string

const (
	KindBlock        Kind = "block"
	KindTransaction  Kind = "transaction"
	KindSubscribed   Kind = "subscribed"
	KindUnsubscribed Kind = "unsubscribed"
	KindPong         Kind = "pong"
	KindError        Kind = "error"
	KindUnknown      Kind = ""
)

// BlockBatch is the payload of a block envelope. Blocks are oldest first.
type BlockBatch struct {
	Count       int            `json:"count"`
	FirstHeight models.U64     `json:"firstHeight"`
	LastHeight  models.U64     `json:"lastHeight"`
	Blocks      []models.Block `json:"blocks"`
}

// TransactionBatch is the payload of a transaction envelope. Transactions are oldest first.
type TransactionBatch struct {
	Count        int                  `json:"count"`
	FirstVersion models.U64           `json:"firstVersion"`
	LastVersion  models.U64           `json:"lastVersion"`
	Transactions []models.Transaction `json:"transactions"`
}

// Envelope is a decoded inbound frame. Exactly one of the payload fields is
// set for data kinds; control kinds carry Channel or Error.
type Envelope struct {
	Kind         Kind
	RawType      string
	Blocks       *BlockBatch
	Transactions *TransactionBatch
	Channel      string
	Error        string
}

type rawEnvelope struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Channel string          `json:"channel"`
	Error   string          `json:"error"`
}

// Parse decodes a single inbound frame.
func Parse(raw []byte) (Envelope, error) {
	var r rawEnvelope
	if err := json.Unmarshal(raw, &r); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}

	env := Envelope{Kind: Kind(r.Type), RawType: r.Type}
	switch env.Kind {
	case KindBlock:
		var batch BlockBatch
		if err := decodeData(r.Data, &batch); err != nil {
			return Envelope{}, fmt.Errorf("failed to decode block batch: %w", err)
		}
		env.Blocks = &batch
	case KindTransaction:
		var batch TransactionBatch
		if err := decodeData(r.Data, &batch); err != nil {
			return Envelope{}, fmt.Errorf("failed to decode transaction batch: %w", err)
		}
		env.Transactions = &batch
	case KindSubscribed, KindUnsubscribed:
		env.Channel = r.Channel
	case KindPong:
	case KindError:
		env.Error = r.Error
	default:
		env.Kind = KindUnknown
	}
	return env, nil
}

func decodeData(data json.RawMessage, v interface{}) error {
	if len(data) == 0 || string(data) == "null" {
		return fmt.Errorf("missing data")
	}
	return json.Unmarshal(data, v)
}

// Control frames sent to the server.

type ChannelParams struct {
	Channel string `json:"channel"`
}

type Subscribe struct {
	Type   string        `json:"type"`
	ID     string        `json:"id"`
	Code   string        `json:"code"`
	Params ChannelParams `json:"params"`
}

type Ping struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type Unsubscribe struct {
	Type   string        `json:"type"`
	ID     string        `json:"id"`
	Params ChannelParams `json:"params"`
}

func NewSubscribe(channel, code string) Subscribe {
	return Subscribe{Type: "subscribe", ID: "explorer-sub", Code: code, Params: ChannelParams{Channel: channel}}
}

func NewPing() Ping {
	return Ping{Type: "ping", ID: "heartbeat"}
}

func NewUnsubscribe(channel string) Unsubscribe {
	return Unsubscribe{Type: "unsubscribe", ID: "explorer-unsub", Params: ChannelParams{Channel: channel}}
}
