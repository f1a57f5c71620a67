package envelope

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	blocks []*BlockBatch
	txs    []*TransactionBatch
}

func (h *recordingHandler) HandleBlocks(_ context.Context, b *BlockBatch) { h.blocks = append(h.blocks, b) }

func (h *recordingHandler) HandleTransactions(_ context.Context, b *TransactionBatch) {
	h.txs = append(h.txs, b)
}

func TestParse(t *testing.T) {
	cases := []struct {
		name     string
		raw      string
		wantKind Kind
		wantErr  string
		check    func(t *testing.T, env Envelope)
	}{
		{
			name:     "block batch",
			raw:      `{"type":"block","data":{"count":2,"firstHeight":"10","lastHeight":"11","blocks":[{"block_height":"10","block_hash":"0xa"},{"block_height":"11","block_hash":"0xb"}]}}`,
			wantKind: KindBlock,
			check: func(t *testing.T, env Envelope) {
				require.NotNil(t, env.Blocks)
				assert.Equal(t, 2, env.Blocks.Count)
				require.Len(t, env.Blocks.Blocks, 2)
				assert.Equal(t, uint64(11), env.Blocks.Blocks[1].Height)
			},
		},
		{
			name:     "block batch with null versions",
			raw:      `{"type":"block","data":{"count":1,"firstHeight":"12","lastHeight":"12","blocks":[{"block_height":"12","block_hash":"0xc","first_version":null,"last_version":null}]}}`,
			wantKind: KindBlock,
			check: func(t *testing.T, env Envelope) {
				require.Len(t, env.Blocks.Blocks, 1)
				assert.Equal(t, uint64(12), env.Blocks.Blocks[0].Height)
				assert.Zero(t, env.Blocks.Blocks[0].FirstVersion)
			},
		},
		{
			name:     "transaction batch",
			raw:      `{"type":"transaction","data":{"count":1,"firstVersion":"55","lastVersion":"55","transactions":[{"version":"55","hash":"0x55"}]}}`,
			wantKind: KindTransaction,
			check: func(t *testing.T, env Envelope) {
				require.NotNil(t, env.Transactions)
				require.Len(t, env.Transactions.Transactions, 1)
				assert.Equal(t, uint64(55), *env.Transactions.Transactions[0].Version)
			},
		},
		{
			name:     "subscribed",
			raw:      `{"type":"subscribed","channel":"all"}`,
			wantKind: KindSubscribed,
			check: func(t *testing.T, env Envelope) {
				assert.Equal(t, "all", env.Channel)
			},
		},
		{
			name:     "unsubscribed",
			raw:      `{"type":"unsubscribed","channel":"all"}`,
			wantKind: KindUnsubscribed,
		},
		{
			name:     "pong",
			raw:      `{"type":"pong"}`,
			wantKind: KindPong,
		},
		{
			name:     "error",
			raw:      `{"type":"error","error":"invalid code"}`,
			wantKind: KindError,
			check: func(t *testing.T, env Envelope) {
				assert.Equal(t, "invalid code", env.Error)
			},
		},
		{
			name:     "unknown kind",
			raw:      `{"type":"validator_set","data":{}}`,
			wantKind: KindUnknown,
			check: func(t *testing.T, env Envelope) {
				assert.Equal(t, "validator_set", env.RawType)
			},
		},
		{
			name:    "not json",
			raw:     `hello there`,
			wantErr: "failed to unmarshal envelope",
		},
		{
			name:    "block without data",
			raw:     `{"type":"block"}`,
			wantErr: "missing data",
		},
		{
			name:    "block with bad height",
			raw:     `{"type":"block","data":{"blocks":[{"block_height":"x"}]}}`,
			wantErr: "failed to decode block batch",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := Parse([]byte(tc.raw))
			if tc.wantErr != "" {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantKind, env.Kind)
			if tc.check != nil {
				tc.check(t, env)
			}
		})
	}
}

func TestDispatchRoutesDataKinds(t *testing.T) {
	h := &recordingHandler{}
	d := NewDispatcher(h)
	ctx := context.Background()

	_, ok := d.Dispatch(ctx, []byte(`{"type":"block","data":{"blocks":[{"block_height":"1"}]}}`))
	assert.True(t, ok)
	_, ok = d.Dispatch(ctx, []byte(`{"type":"transaction","data":{"transactions":[{"version":"1"}]}}`))
	assert.True(t, ok)
	_, ok = d.Dispatch(ctx, []byte(`{"type":"pong"}`))
	assert.True(t, ok)

	assert.Len(t, h.blocks, 1)
	assert.Len(t, h.txs, 1)
}

func TestDispatchSwallowsMalformedFrames(t *testing.T) {
	h := &recordingHandler{}
	d := NewDispatcher(h)

	for _, raw := range []string{"", "not json", "{", `{"type":"block","data":"oops"}`, `[1,2,3]`} {
		assert.NotPanics(t, func() {
			_, ok := d.Dispatch(context.Background(), []byte(raw))
			assert.False(t, ok, raw)
		})
	}
	assert.Empty(t, h.blocks)
	assert.Empty(t, h.txs)
}

func TestControlFrames(t *testing.T) {
	cases := []struct {
		name  string
		frame interface{}
		want  string
	}{
		{
			name:  "subscribe",
			frame: NewSubscribe("all", "secret"),
			want:  `{"type":"subscribe","id":"explorer-sub","code":"secret","params":{"channel":"all"}}`,
		},
		{
			name:  "ping",
			frame: NewPing(),
			want:  `{"type":"ping","id":"heartbeat"}`,
		},
		{
			name:  "unsubscribe",
			frame: NewUnsubscribe("all"),
			want:  `{"type":"unsubscribe","id":"explorer-unsub","params":{"channel":"all"}}`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := json.Marshal(tc.frame)
			require.NoError(t, err)
			assert.JSONEq(t, tc.want, string(out))
		})
	}
}
