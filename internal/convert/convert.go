// Package convert moves values between the cty world the evaluator lives in
// and the plain Go values that cross the provider plugin and state store
// boundaries.
package convert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"

	"github.com/zclconf/go-cty/cty"
)

// UnknownMarker stands in for deferred values when hashing a property bag.
// It keeps the declared-property hash stable across runs regardless of what
// the remote side later fills in.
const UnknownMarker = "(known after apply)"

// ToGo converts a fully-known cty value into plain Go values. Unknowns are
// rejected: by the time a value crosses the provider boundary every deferred
// expression must have resolved.
func ToGo(v cty.Value) (any, error) {
	if !v.IsKnown() {
		return nil, fmt.Errorf("value is not known")
	}
	if v.IsNull() {
		return nil, nil
	}

	t := v.Type()
	switch {
	case t == cty.String:
		return v.AsString(), nil
	case t == cty.Bool:
		return v.True(), nil
	case t == cty.Number:
		bf := v.AsBigFloat()
		if i, acc := bf.Int64(); acc == big.Exact {
			return i, nil
		}
		f, _ := bf.Float64()
		return f, nil
	case t.IsObjectType() || t.IsMapType():
		out := map[string]any{}
		for it := v.ElementIterator(); it.Next(); {
			k, ev := it.Element()
			conv, err := ToGo(ev)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k.AsString(), err)
			}
			out[k.AsString()] = conv
		}
		return out, nil
	case t.IsTupleType() || t.IsListType() || t.IsSetType():
		out := []any{}
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			conv, err := ToGo(ev)
			if err != nil {
				return nil, err
			}
			out = append(out, conv)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type: %s", t.FriendlyName())
	}
}

// ToCty converts plain Go values (as produced by JSON decoding or a
// provider response) into cty values.
func ToCty(v any) (cty.Value, error) {
	switch v := v.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case string:
		return cty.StringVal(v), nil
	case bool:
		return cty.BoolVal(v), nil
	case int:
		return cty.NumberIntVal(int64(v)), nil
	case int64:
		return cty.NumberIntVal(v), nil
	case float64:
		return cty.NumberFloatVal(v), nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return cty.NumberIntVal(i), nil
		}
		f, err := v.Float64()
		if err != nil {
			return cty.NilVal, err
		}
		return cty.NumberFloatVal(f), nil
	case map[string]any:
		if len(v) == 0 {
			return cty.EmptyObjectVal, nil
		}
		attrs := make(map[string]cty.Value, len(v))
		for k, ev := range v {
			conv, err := ToCty(ev)
			if err != nil {
				return cty.NilVal, fmt.Errorf("%s: %w", k, err)
			}
			attrs[k] = conv
		}
		return cty.ObjectVal(attrs), nil
	case []any:
		if len(v) == 0 {
			return cty.EmptyTupleVal, nil
		}
		vals := make([]cty.Value, 0, len(v))
		for i, ev := range v {
			conv, err := ToCty(ev)
			if err != nil {
				return cty.NilVal, fmt.Errorf("[%d]: %w", i, err)
			}
			vals = append(vals, conv)
		}
		return cty.TupleVal(vals), nil
	default:
		return cty.NilVal, fmt.Errorf("unsupported value type: %T", v)
	}
}

// CanonicalJSON renders a possibly-unknown cty value as deterministic JSON:
// object keys sorted, unknowns replaced with UnknownMarker. Two evaluations
// of the same declared properties produce byte-identical output, which makes
// it safe to hash.
func CanonicalJSON(v cty.Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v cty.Value) error {
	if !v.IsKnown() {
		enc, _ := json.Marshal(UnknownMarker)
		buf.Write(enc)
		return nil
	}
	if v.IsNull() {
		buf.WriteString("null")
		return nil
	}

	t := v.Type()
	switch {
	case t == cty.String:
		enc, err := json.Marshal(v.AsString())
		if err != nil {
			return err
		}
		buf.Write(enc)
	case t == cty.Bool:
		if v.True() {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case t == cty.Number:
		buf.WriteString(v.AsBigFloat().Text('g', -1))
	case t.IsObjectType() || t.IsMapType():
		keys := make([]string, 0)
		elems := map[string]cty.Value{}
		for it := v.ElementIterator(); it.Next(); {
			k, ev := it.Element()
			keys = append(keys, k.AsString())
			elems[k.AsString()] = ev
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			enc, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(enc)
			buf.WriteByte(':')
			if err := writeCanonical(buf, elems[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case t.IsTupleType() || t.IsListType() || t.IsSetType():
		buf.WriteByte('[')
		first := true
		for it := v.ElementIterator(); it.Next(); {
			if !first {
				buf.WriteByte(',')
			}
			first = false
			_, ev := it.Element()
			if err := writeCanonical(buf, ev); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return fmt.Errorf("unsupported value type: %s", t.FriendlyName())
	}

	return nil
}
