package chain

import (
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Decoder turns the unpacked outputs of a single view call into a value that
// survives a JSON round trip without losing precision.
type Decoder func(outputs []any) (any, error)

// DecoderFor picks the decoder for a view function returning one value of type t.
//
// Integers wider than 32 bits are rendered as decimal strings, narrower ones as
// int64. Addresses are lowercase hex, byte values 0x-prefixed hex.
func DecoderFor(t abi.Type) (Decoder, error) {
	switch t.T {
	case abi.AddressTy:
		return single(decodeAddress), nil
	case abi.BoolTy:
		return single(decodeBool), nil
	case abi.StringTy:
		return single(decodeString), nil
	case abi.UintTy, abi.IntTy:
		if t.Size > 32 {
			return single(decodeWideInt), nil
		}
		return single(decodeNarrowInt), nil
	case abi.FixedBytesTy, abi.BytesTy:
		return single(decodeBytes), nil
	}
	return nil, fmt.Errorf("no decoder for abi type %s", t.String())
}

func single(fn func(any) (any, error)) Decoder {
	return func(outputs []any) (any, error) {
		if len(outputs) != 1 {
			return nil, fmt.Errorf("expected 1 output, got %d", len(outputs))
		}
		return fn(outputs[0])
	}
}

func decodeAddress(v any) (any, error) {
	switch a := v.(type) {
	case common.Address:
		return strings.ToLower(a.Hex()), nil
	case *common.Address:
		if a == nil {
			return nil, fmt.Errorf("nil address")
		}
		return strings.ToLower(a.Hex()), nil
	}
	return nil, fmt.Errorf("unexpected address value %T", v)
}

func decodeBool(v any) (any, error) {
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("unexpected bool value %T", v)
	}
	return b, nil
}

func decodeString(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected string value %T", v)
	}
	return s, nil
}

func decodeWideInt(v any) (any, error) {
	switch n := v.(type) {
	case *big.Int:
		if n == nil {
			return nil, fmt.Errorf("nil integer")
		}
		return n.String(), nil
	case uint64:
		return strconv.FormatUint(n, 10), nil
	case int64:
		return strconv.FormatInt(n, 10), nil
	}
	return nil, fmt.Errorf("unexpected integer value %T", v)
}

func decodeNarrowInt(v any) (any, error) {
	switch n := v.(type) {
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case *big.Int:
		if n == nil || !n.IsInt64() {
			return nil, fmt.Errorf("integer out of range")
		}
		return n.Int64(), nil
	}
	return nil, fmt.Errorf("unexpected integer value %T", v)
}

func decodeBytes(v any) (any, error) {
	if b, ok := v.([]byte); ok {
		return hexutil.Encode(b), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Array || rv.Type().Elem().Kind() != reflect.Uint8 {
		return nil, fmt.Errorf("unexpected bytes value %T", v)
	}
	out := make([]byte, rv.Len())
	for i := range out {
		out[i] = byte(rv.Index(i).Uint())
	}
	return hexutil.Encode(out), nil
}
