package contract

import (
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// CallResult is the caller-facing form of a read-only call's output.
type CallResult struct {
	// Raw is the undecoded return data in 0x hex.
	Raw string `json:"raw"`
	// Value is the first decoded output, or the raw data read as a
	// big-endian unsigned integer when the outputs cannot be decoded.
	Value  string   `json:"value"`
	Values []string `json:"values,omitempty"`
}

// Decode renders raw return data of fn. Integers are rendered as decimal
// strings so no precision is lost in transit.
func (b *Binding) Decode(fn string, raw []byte) (*CallResult, error) {
	method, err := b.method(fn)
	if err != nil {
		return nil, err
	}
	result := &CallResult{Raw: hexutil.Encode(raw)}

	if len(method.Outputs) > 0 {
		if values, err := method.Outputs.Unpack(raw); err == nil && len(values) > 0 {
			result.Values = make([]string, len(values))
			for i, v := range values {
				result.Values[i] = render(v)
			}
			result.Value = result.Values[0]
			return result, nil
		}
	}
	result.Value = new(big.Int).SetBytes(raw).String()
	return result, nil
}

func render(v any) string {
	switch x := v.(type) {
	case *big.Int:
		return x.String()
	case common.Address:
		return x.Hex()
	case common.Hash:
		return x.Hex()
	case []byte:
		return hexutil.Encode(x)
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			raw := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(raw), rv)
			return hexutil.Encode(raw)
		}
		fallthrough
	case reflect.Slice:
		parts := make([]string, rv.Len())
		for i := range parts {
			parts[i] = render(rv.Index(i).Interface())
		}
		return "[" + strings.Join(parts, ",") + "]"
	}
	return fmt.Sprint(v)
}
