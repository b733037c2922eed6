package chain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sort"
	"strconv"
	"strings"
)

// maxExponent bounds number literals so a hostile payload cannot force a
// huge big.Rat expansion.
const maxExponent = 400

// maxDepth bounds nesting of arrays and objects.
const maxDepth = 512

// Canonicalize re-encodes a JSON document with sorted object keys, no
// insignificant whitespace and normalised numbers, so that documents that
// differ only in formatting (for example after a JSONB round trip) encode
// to identical bytes. Empty input is treated as null. Duplicate object
// keys are an error.
func Canonicalize(raw []byte) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("null"), nil
	}
	v, err := Decode(raw)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := writeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses a single JSON document into plain values, keeping numbers
// as json.Number. Unlike json.Unmarshal it rejects duplicate object keys, so
// every reader sees the same document.
func Decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	v, err := decodeValue(dec, 0)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("invalid JSON: trailing data")
	}
	return v, nil
}

func decodeValue(dec *json.Decoder, depth int) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}
	if depth >= maxDepth {
		return nil, errors.New("nesting too deep")
	}

	switch delim {
	case '{':
		obj := make(map[string]any)
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return nil, err
			}
			key, ok := kt.(string)
			if !ok {
				return nil, fmt.Errorf("unexpected object key %v", kt)
			}
			if _, dup := obj[key]; dup {
				return nil, fmt.Errorf("duplicate object key %q", key)
			}
			val, err := decodeValue(dec, depth+1)
			if err != nil {
				return nil, err
			}
			obj[key] = val
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return obj, nil
	case '[':
		arr := []any{}
		for dec.More() {
			val, err := decodeValue(dec, depth+1)
			if err != nil {
				return nil, err
			}
			arr = append(arr, val)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("unexpected delimiter %q", delim)
	}
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case string:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	case json.Number:
		n, err := canonicalNumber(val.String())
		if err != nil {
			return err
		}
		buf.WriteString(n)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeValue(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported JSON type %T", v)
	}
	return nil
}

// canonicalNumber renders a JSON number literal as its exact decimal value:
// integers without exponent or fraction, other values as a plain decimal
// with trailing zeros removed. "1e2", "100" and "100.0" all encode as "100".
func canonicalNumber(s string) (string, error) {
	places, err := decimalPlaces(s)
	if err != nil {
		return "", err
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return "", fmt.Errorf("invalid JSON number %q", s)
	}
	if r.IsInt() {
		return r.Num().String(), nil
	}
	out := strings.TrimRight(r.FloatString(places), "0")
	return strings.TrimSuffix(out, "."), nil
}

// ParseNumber returns the exact value of the decimal literal s. Exponents
// beyond ±400 and non-decimal forms such as "0x1p4" are refused before any
// expansion happens.
func ParseNumber(s string) (*big.Rat, error) {
	if s == "" || strings.Trim(s, "0123456789+-.eE") != "" {
		return nil, fmt.Errorf("invalid number %q", s)
	}
	if _, err := decimalPlaces(s); err != nil {
		return nil, err
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("invalid number %q", s)
	}
	return r, nil
}

// decimalPlaces returns how many fractional digits are needed to print the
// literal s exactly.
func decimalPlaces(s string) (int, error) {
	mant, exp := s, 0
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		mant = s[:i]
		e, err := strconv.Atoi(s[i+1:])
		if err != nil {
			return 0, fmt.Errorf("invalid JSON number %q", s)
		}
		if e > maxExponent || e < -maxExponent {
			return 0, fmt.Errorf("JSON number exponent out of range: %q", s)
		}
		exp = e
	}
	frac := 0
	if i := strings.IndexByte(mant, '.'); i >= 0 {
		frac = len(mant) - i - 1
	}
	if p := frac - exp; p > 0 {
		return p, nil
	}
	return 0, nil
}
