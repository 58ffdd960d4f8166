package txn

import (
	"crypto/ecdsa"
	"math/big"
	"strings"

	xerrors "ContractRelay/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignedTransaction is the serialized form of a signed envelope.
type SignedTransaction struct {
	Raw  []byte
	Hex  string
	Hash common.Hash

	tx *types.Transaction
}

// Transaction returns the signed transaction object.
func (s *SignedTransaction) Transaction() *types.Transaction {
	return s.tx
}

// Sign produces a legacy EIP-155 transaction from env. It performs no I/O and
// is deterministic: the same envelope, key and chain id always yield the same
// bytes. Errors never carry key material.
func Sign(env *Envelope, privateKeyHex string, chainID *big.Int) (*SignedTransaction, error) {
	if env == nil {
		return nil, xerrors.New(CodeSign, "envelope is missing")
	}
	if env.To == (common.Address{}) {
		return nil, xerrors.New(CodeSign, "envelope has no recipient")
	}
	if env.GasLimit == 0 {
		return nil, xerrors.New(CodeSign, "envelope has no gas limit")
	}
	if len(env.Data) == 0 {
		return nil, xerrors.New(CodeSign, "envelope has no call data")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, xerrors.New(CodeSign, "chain id is missing")
	}

	key, err := parsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	if crypto.PubkeyToAddress(key.PublicKey) != env.From {
		return nil, xerrors.Newf(CodeSign, "private key does not belong to %s", env.From.Hex())
	}

	to := env.To
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    env.Nonce,
		GasPrice: orZero(env.GasPrice),
		Gas:      env.GasLimit,
		To:       &to,
		Value:    orZero(env.Value),
		Data:     env.Data,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(chainID), key)
	if err != nil {
		return nil, xerrors.New(CodeSign, "sign transaction")
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, xerrors.Wrap(CodeSign, err, "encode signed transaction")
	}
	return &SignedTransaction{
		Raw:  raw,
		Hex:  hexutil.Encode(raw),
		Hash: signed.Hash(),
		tx:   signed,
	}, nil
}

// parsePrivateKey never wraps the parser error: it may quote key characters.
func parsePrivateKey(value string) (*ecdsa.PrivateKey, error) {
	value = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(value), "0x"), "0X")
	if value == "" {
		return nil, xerrors.New(CodeSign, "private key is missing")
	}
	key, err := crypto.HexToECDSA(value)
	if err != nil {
		return nil, xerrors.New(CodeSign, "private key is malformed")
	}
	return key, nil
}

// AddressOf derives the address controlled by a hex private key.
func AddressOf(privateKeyHex string) (common.Address, error) {
	key, err := parsePrivateKey(privateKeyHex)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
