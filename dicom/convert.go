package dicom

import (
	"math"
	"strconv"
	"strings"
)

// valueSeparator splits multi-valued DICOM strings.
const valueSeparator = `\`

// Convert turns a raw tag value into the typed value for t. The second
// result is false when the field must be left out of the output: the source
// is not a string, a number does not parse, or t is Unsupported.
//
// The returned value is one of string, int32, float32, []string or
// []float32.
func Convert(v RawValue, t DataType) (any, bool) {
	if v.Kind != KindString {
		return nil, false
	}

	switch t {
	case String:
		return v.Str, true
	case Integer:
		n, ok := parseInt32(v.Str)
		if !ok {
			return nil, false
		}
		return n, true
	case Float:
		f, ok := parseFloat32(v.Str)
		if !ok {
			return nil, false
		}
		return f, true
	case ListOfStrings:
		return strings.Split(v.Str, valueSeparator), true
	case ListOfFloats:
		tokens := strings.Split(v.Str, valueSeparator)
		out := make([]float32, 0, len(tokens))
		for _, tok := range tokens {
			if f, ok := parseFloat32(tok); ok {
				out = append(out, f)
			}
		}
		return out, true
	case Unsupported:
		return nil, false
	default:
		return nil, false
	}
}

func parseInt32(s string) (int32, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, false
	}
	return int32(n), true
}

func parseFloat32(s string) (float32, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 32)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return float32(f), true
}
