package contract

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// coerce converts a JSON-decoded value into the Go type abi.Pack expects for t.
func coerce(t abi.Type, v any) (any, error) {
	switch t.T {
	case abi.AddressTy:
		return toAddress(v)
	case abi.IntTy, abi.UintTy:
		n, err := toBigInt(v)
		if err != nil {
			return nil, err
		}
		return fitInteger(t, n)
	case abi.BoolTy:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(b)) {
			case "true":
				return true, nil
			case "false":
				return false, nil
			}
		}
		return nil, fmt.Errorf("expected bool, got %T", v)
	case abi.StringTy:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return s, nil
	case abi.BytesTy:
		return toBytes(v)
	case abi.FixedBytesTy:
		raw, err := toBytes(v)
		if err != nil {
			return nil, err
		}
		if len(raw) > t.Size {
			return nil, fmt.Errorf("expected at most %d bytes, got %d", t.Size, len(raw))
		}
		out := reflect.New(t.GetType()).Elem()
		reflect.Copy(out, reflect.ValueOf(raw))
		return out.Interface(), nil
	case abi.SliceTy, abi.ArrayTy:
		items, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("expected array, got %T", v)
		}
		var out reflect.Value
		if t.T == abi.ArrayTy {
			if len(items) != t.Size {
				return nil, fmt.Errorf("expected %d elements, got %d", t.Size, len(items))
			}
			out = reflect.New(t.GetType()).Elem()
		} else {
			out = reflect.MakeSlice(t.GetType(), len(items), len(items))
		}
		for i, item := range items {
			value, err := coerce(*t.Elem, item)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out.Index(i).Set(reflect.ValueOf(value))
		}
		return out.Interface(), nil
	default:
		return nil, fmt.Errorf("unsupported argument type %s", t.String())
	}
}

func toAddress(v any) (common.Address, error) {
	switch a := v.(type) {
	case common.Address:
		return a, nil
	case string:
		a = strings.TrimSpace(a)
		if !common.IsHexAddress(a) {
			return common.Address{}, fmt.Errorf("invalid address %q", a)
		}
		return common.HexToAddress(a), nil
	}
	return common.Address{}, fmt.Errorf("expected address string, got %T", v)
}

func toBytes(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		b = strings.TrimSpace(b)
		if !strings.HasPrefix(b, "0x") && !strings.HasPrefix(b, "0X") {
			b = "0x" + b
		}
		raw, err := hexutil.Decode(b)
		if err != nil {
			return nil, fmt.Errorf("invalid hex bytes: %w", err)
		}
		return raw, nil
	}
	return nil, fmt.Errorf("expected hex string, got %T", v)
}

func toBigInt(v any) (*big.Int, error) {
	switch n := v.(type) {
	case *big.Int:
		return new(big.Int).Set(n), nil
	case int:
		return big.NewInt(int64(n)), nil
	case int64:
		return big.NewInt(n), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) || n != math.Trunc(n) {
			return nil, fmt.Errorf("expected integer, got %v", n)
		}
		out, _ := big.NewFloat(n).Int(nil)
		return out, nil
	case json.Number:
		return parseInteger(n.String())
	case string:
		return parseInteger(n)
	}
	return nil, fmt.Errorf("expected integer, got %T", v)
}

func parseInteger(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	base := 10
	digits := s
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base = 16
		digits = s[2:]
	}
	out, ok := new(big.Int).SetString(digits, base)
	if !ok || digits == "" {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return out, nil
}

// fitInteger range-checks n against t and returns the concrete Go type used
// by abi.Pack: sized ints for 8/16/32/64 bits, *big.Int otherwise.
func fitInteger(t abi.Type, n *big.Int) (any, error) {
	if t.T == abi.UintTy {
		if n.Sign() < 0 || n.BitLen() > t.Size {
			return nil, fmt.Errorf("value %s out of range for %s", n, t.String())
		}
	} else {
		limit := new(big.Int).Lsh(big.NewInt(1), uint(t.Size-1))
		lower := new(big.Int).Neg(limit)
		if n.Cmp(lower) < 0 || n.Cmp(limit) >= 0 {
			return nil, fmt.Errorf("value %s out of range for %s", n, t.String())
		}
	}

	typ := t.GetType()
	switch typ.Kind() {
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		out := reflect.New(typ).Elem()
		out.SetInt(n.Int64())
		return out.Interface(), nil
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		out := reflect.New(typ).Elem()
		out.SetUint(n.Uint64())
		return out.Interface(), nil
	default:
		return n, nil
	}
}
