package contract

import (
	"bytes"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"sort"
	"strings"

	xerrors "ContractRelay/internal/errors"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const (
	// CodeBinding marks an address or ABI descriptor that cannot be bound.
	CodeBinding xerrors.Code = "BINDING_FAILURE"
	// CodeEncoding marks a call that cannot be encoded against the ABI.
	CodeEncoding xerrors.Code = "ENCODING_FAILURE"
)

// ErrUnknownFunction is the cause of encoding errors for functions that are
// not part of the contract interface.
var ErrUnknownFunction = stdErrors.New("function not part of contract interface")

func init() {
	xerrors.Register(CodeBinding, xerrors.Attributes{
		Message:  "contract binding failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeEncoding, xerrors.Attributes{
		Message:  "call encoding failed",
		Severity: xerrors.SeverityInfo,
	})
}

// Binding couples a deployed contract address with its parsed ABI. It is
// immutable once created.
type Binding struct {
	address    common.Address
	abi        abi.ABI
	descriptor json.RawMessage
}

// Bind parses the ABI descriptor and binds it to address.
func Bind(descriptor []byte, address string) (*Binding, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return nil, xerrors.Newf(CodeBinding, "invalid contract address %q", address)
	}
	trimmed := bytes.TrimSpace(descriptor)
	if len(trimmed) == 0 {
		return nil, xerrors.New(CodeBinding, "contract ABI is empty")
	}
	if !json.Valid(trimmed) {
		return nil, xerrors.New(CodeBinding, "contract ABI is not valid JSON")
	}
	parsed, err := abi.JSON(bytes.NewReader(trimmed))
	if err != nil {
		return nil, xerrors.Wrap(CodeBinding, err, "parse contract ABI")
	}
	return &Binding{
		address:    common.HexToAddress(address),
		abi:        parsed,
		descriptor: append(json.RawMessage(nil), trimmed...),
	}, nil
}

// Address returns the bound contract address.
func (b *Binding) Address() common.Address {
	return b.address
}

// Descriptor returns a copy of the raw ABI JSON.
func (b *Binding) Descriptor() json.RawMessage {
	return append(json.RawMessage(nil), b.descriptor...)
}

// Functions lists the callable function names in sorted order.
func (b *Binding) Functions() []string {
	names := make([]string, 0, len(b.abi.Methods))
	for name := range b.abi.Methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasFunction reports whether fn is part of the interface.
func (b *Binding) HasFunction(fn string) bool {
	_, ok := b.abi.Methods[fn]
	return ok
}

func (b *Binding) method(fn string) (abi.Method, error) {
	method, ok := b.abi.Methods[fn]
	if !ok {
		return abi.Method{}, xerrors.Wrap(CodeEncoding, fmt.Errorf("%w: %s", ErrUnknownFunction, fn),
			fmt.Sprintf("function %s does not exist", fn))
	}
	return method, nil
}

// Encode packs a call to fn with JSON-decoded arguments coerced to the
// function's input types.
func (b *Binding) Encode(fn string, args []any) ([]byte, error) {
	method, err := b.method(fn)
	if err != nil {
		return nil, err
	}
	if len(args) != len(method.Inputs) {
		return nil, xerrors.Newf(CodeEncoding, "function %s expects %d arguments, got %d", fn, len(method.Inputs), len(args))
	}

	values := make([]any, len(args))
	for i, input := range method.Inputs {
		value, err := coerce(input.Type, args[i])
		if err != nil {
			name := input.Name
			if name == "" {
				name = fmt.Sprintf("#%d", i)
			}
			return nil, xerrors.Wrap(CodeEncoding, err, fmt.Sprintf("argument %s of %s", name, fn))
		}
		values[i] = value
	}

	data, err := b.abi.Pack(fn, values...)
	if err != nil {
		return nil, xerrors.Wrap(CodeEncoding, err, fmt.Sprintf("encode %s", fn))
	}
	return data, nil
}
