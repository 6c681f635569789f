package engine

import (
	"context"

	"github.com/sphinxkit/rrsync/internal/rr"
)

// OpName names a crypto-core operation.
type OpName string

const (
	OpSetup                    OpName = "setup"
	OpHandle                   OpName = "handle"
	OpSend                     OpName = "send"
	OpPay                      OpName = "pay"
	OpPing                     OpName = "ping"
	OpGetMsgsCounts            OpName = "get_msgs_counts"
	OpFetchFirstMsgsPerKey     OpName = "fetch_first_msgs_per_key"
	OpFetchMsgsBatchForContact OpName = "fetch_msgs_batch_for_contact"
	OpFetchMsgsBatch           OpName = "fetch_msgs_batch"
)

// Operation is one request to the crypto core. State is always the output
// of MutationStore.CurrentStateBlob at the moment the call is built.
type Operation struct {
	Name       OpName         `json:"name"`
	Seed       string         `json:"seed"`
	UniqueTime uint64         `json:"unique_time"`
	State      []byte         `json:"state"`
	Params     map[string]any `json:"params,omitempty"`
}

// Core is the opaque cryptographic and payment core: request in, RunReturn out.
type Core interface {
	Invoke(ctx context.Context, op Operation) (*rr.RunReturn, error)
}

// CoreFunc adapts a function to the Core interface.
type CoreFunc func(ctx context.Context, op Operation) (*rr.RunReturn, error)

// Invoke calls f.
func (f CoreFunc) Invoke(ctx context.Context, op Operation) (*rr.RunReturn, error) {
	return f(ctx, op)
}
