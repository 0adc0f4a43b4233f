package expr

import (
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"unicode/utf8"

	"github.com/zclconf/go-cty/cty"
	ctyconvert "github.com/zclconf/go-cty/cty/convert"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// HashLength is the length of the suffix produced by uniquestring. The hash
// function is pinned: changing algorithm, encoding, or length would rename
// every derived resource on the next convergence run.
const HashLength = 13

var shortHashEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// ShortHash derives the v1 stable short identifier from a seed. Same seed,
// same hash, on every run and every host.
func ShortHash(seeds ...string) string {
	h := sha256.New()
	for i, s := range seeds {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		h.Write([]byte(s))
	}

	return shortHashEncoding.EncodeToString(h.Sum(nil))[:HashLength]
}

type builtin func(args []cty.Value) (cty.Value, error)

var builtins = map[string]builtin{
	"concat":       funcConcat,
	"lower":        funcLower,
	"upper":        funcUpper,
	"title":        funcTitle,
	"substr":       funcSubstr,
	"replace":      funcReplace,
	"uniquestring": funcUniqueString,
	"shortname":    funcShortName,
}

// IsBuiltin reports whether name is a known builtin function.
func IsBuiltin(name string) bool {
	_, ok := builtins[name]
	return ok
}

func funcConcat(args []cty.Value) (cty.Value, error) {
	var sb strings.Builder
	for _, a := range args {
		s, err := stringArg(a)
		if err != nil {
			return cty.NilVal, err
		}
		sb.WriteString(s)
	}

	return cty.StringVal(sb.String()), nil
}

func funcLower(args []cty.Value) (cty.Value, error) {
	s, err := singleStringArg(args)
	if err != nil {
		return cty.NilVal, err
	}

	return cty.StringVal(cases.Lower(language.Und).String(s)), nil
}

func funcUpper(args []cty.Value) (cty.Value, error) {
	s, err := singleStringArg(args)
	if err != nil {
		return cty.NilVal, err
	}

	return cty.StringVal(cases.Upper(language.Und).String(s)), nil
}

func funcTitle(args []cty.Value) (cty.Value, error) {
	s, err := singleStringArg(args)
	if err != nil {
		return cty.NilVal, err
	}

	return cty.StringVal(cases.Title(language.Und).String(s)), nil
}

func funcSubstr(args []cty.Value) (cty.Value, error) {
	if len(args) != 3 {
		return cty.NilVal, errors.New("expects exactly 3 arguments")
	}

	s, err := stringArg(args[0])
	if err != nil {
		return cty.NilVal, err
	}

	start, err := intArg(args[1])
	if err != nil {
		return cty.NilVal, err
	}

	length, err := intArg(args[2])
	if err != nil {
		return cty.NilVal, err
	}

	if start < 0 || start > len(s) {
		return cty.NilVal, fmt.Errorf("start %d out of range for string of length %d", start, len(s))
	}
	if length < 0 {
		return cty.NilVal, fmt.Errorf("length must not be negative, got %d", length)
	}
	if start+length > len(s) {
		length = len(s) - start
	}

	return cty.StringVal(s[start : start+length]), nil
}

func funcReplace(args []cty.Value) (cty.Value, error) {
	if len(args) != 3 {
		return cty.NilVal, errors.New("expects exactly 3 arguments")
	}

	s, err := stringArg(args[0])
	if err != nil {
		return cty.NilVal, err
	}
	old, err := stringArg(args[1])
	if err != nil {
		return cty.NilVal, err
	}
	new, err := stringArg(args[2])
	if err != nil {
		return cty.NilVal, err
	}

	return cty.StringVal(strings.ReplaceAll(s, old, new)), nil
}

func funcUniqueString(args []cty.Value) (cty.Value, error) {
	if len(args) == 0 {
		return cty.NilVal, errors.New("expects at least 1 argument")
	}

	seeds := make([]string, 0, len(args))
	for _, a := range args {
		s, err := stringArg(a)
		if err != nil {
			return cty.NilVal, err
		}
		seeds = append(seeds, s)
	}

	return cty.StringVal(ShortHash(seeds...)), nil
}

// funcShortName produces a provider-safe derived name: the base prefix is
// truncated so that prefix plus hash suffix always fits max length. The
// suffix is never truncated.
func funcShortName(args []cty.Value) (cty.Value, error) {
	if len(args) < 3 {
		return cty.NilVal, errors.New("expects base, max length, and at least 1 seed")
	}

	base, err := stringArg(args[0])
	if err != nil {
		return cty.NilVal, err
	}

	max, err := intArg(args[1])
	if err != nil {
		return cty.NilVal, err
	}
	if max <= HashLength {
		return cty.NilVal, fmt.Errorf("max length %d leaves no room for the %d character suffix", max, HashLength)
	}

	seeds := make([]string, 0, len(args)-2)
	for _, a := range args[2:] {
		s, err := stringArg(a)
		if err != nil {
			return cty.NilVal, err
		}
		seeds = append(seeds, s)
	}

	if len(base) > max-HashLength {
		// Cut on a rune boundary so a multi-byte base never yields an
		// invalid name.
		cut := max - HashLength
		for cut > 0 && !utf8.RuneStart(base[cut]) {
			cut--
		}
		base = base[:cut]
	}

	return cty.StringVal(base + ShortHash(seeds...)), nil
}

func singleStringArg(args []cty.Value) (string, error) {
	if len(args) != 1 {
		return "", errors.New("expects exactly 1 argument")
	}

	return stringArg(args[0])
}

func stringArg(v cty.Value) (string, error) {
	conv, err := ctyconvert.Convert(v, cty.String)
	if err != nil {
		return "", fmt.Errorf("expected string: %w", err)
	}
	if conv.IsNull() {
		return "", errors.New("expected string, got null")
	}

	return conv.AsString(), nil
}

func intArg(v cty.Value) (int, error) {
	conv, err := ctyconvert.Convert(v, cty.Number)
	if err != nil {
		return 0, fmt.Errorf("expected number: %w", err)
	}
	if conv.IsNull() {
		return 0, errors.New("expected number, got null")
	}

	i, acc := conv.AsBigFloat().Int64()
	if acc != big.Exact {
		return 0, fmt.Errorf("expected an integer, got %s", conv.AsBigFloat().Text('g', -1))
	}
	return int(i), nil
}

func boolArg(v cty.Value) (bool, error) {
	conv, err := ctyconvert.Convert(v, cty.Bool)
	if err != nil {
		return false, fmt.Errorf("expected bool: %w", err)
	}
	if conv.IsNull() {
		return false, errors.New("expected bool, got null")
	}

	return conv.True(), nil
}
