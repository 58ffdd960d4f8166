package txn

import (
	"context"
	"fmt"
	"math/big"

	"ContractRelay/internal/contract"
	xerrors "ContractRelay/internal/errors"
	"ContractRelay/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// Builder assembles unsigned envelopes from contract calls.
type Builder struct {
	client web3.Client
	nonces *NonceAllocator
}

// NewBuilder returns a builder estimating gas against client and drawing
// nonces from nonces.
func NewBuilder(client web3.Client, nonces *NonceAllocator) *Builder {
	return &Builder{client: client, nonces: nonces}
}

// Build encodes fn(args) against binding, estimates gas and resolves the
// sender's nonce. The nonce is acquired last so it is as fresh as possible
// when the envelope is signed; on error no nonce is held.
func (b *Builder) Build(ctx context.Context, binding *contract.Binding, fn string, args []any, from common.Address) (*Envelope, error) {
	data, err := binding.Encode(fn, args)
	if err != nil {
		return nil, err
	}

	to := binding.Address()
	gas, err := b.client.EstimateGas(ctx, gethcore.CallMsg{
		From:     from,
		To:       &to,
		GasPrice: big.NewInt(0),
		Value:    big.NewInt(0),
		Data:     data,
	})
	if err != nil {
		return nil, xerrors.Wrap(CodeEstimation, err, fmt.Sprintf("estimate gas for %s", fn))
	}

	nonce, err := b.nonces.Acquire(ctx, from)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		From:     from,
		To:       to,
		Nonce:    nonce,
		GasPrice: big.NewInt(0),
		GasLimit: gas,
		Value:    big.NewInt(0),
		Data:     data,
		Function: fn,
	}, nil
}
