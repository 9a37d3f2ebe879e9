package schema

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrConvert is wrapped by every conversion failure.
var ErrConvert = errors.New("cannot convert value")

// Converter maps one value onto a fixed kind. nil stays nil.
type Converter func(v any) (any, error)

// ConverterFor returns the converter for k. The writer resolves one per
// column at initialization. Strings are parsed culture-invariantly; other
// values go through standard numeric/temporal conversion. The result set is
// closed:
//
//	String      string
//	Integer     int64 (range-checked to int32)
//	Long        int64
//	Decimal     string (canonical decimal text)
//	Float       float64
//	Boolean     bool
//	Timestamp   time.Time, wall clock in UTC (zone dropped)
//	TimestampTZ time.Time, instant converted to UTC
//	GUID        uuid.UUID
//	Bytes       []byte
func ConverterFor(k Kind) Converter {
	var fn func(any) (any, error)
	switch k {
	case KindString:
		fn = func(v any) (any, error) { return toString(v), nil }
	case KindInteger:
		fn = func(v any) (any, error) {
			n, err := toInt64(v)
			if err == nil && (n < math.MinInt32 || n > math.MaxInt32) {
				err = fmt.Errorf("%d overflows a 32-bit integer", n)
			}
			return n, err
		}
	case KindLong:
		fn = func(v any) (any, error) { return toInt64(v) }
	case KindDecimal:
		fn = func(v any) (any, error) { return toDecimal(v) }
	case KindFloat:
		fn = func(v any) (any, error) { return toFloat(v) }
	case KindBoolean:
		fn = func(v any) (any, error) { return toBool(v) }
	case KindTimestamp:
		fn = func(v any) (any, error) {
			t, err := toTime(v)
			return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC), err
		}
	case KindTimestampTZ:
		fn = func(v any) (any, error) {
			t, err := toTime(v)
			return t.UTC(), err
		}
	case KindGUID:
		fn = func(v any) (any, error) { return toGUID(v) }
	case KindBytes:
		fn = func(v any) (any, error) { return toBytes(v) }
	default:
		fn = func(any) (any, error) { return nil, fmt.Errorf("unsupported kind %v", k) }
	}
	return func(v any) (any, error) {
		if v == nil {
			return nil, nil
		}
		out, err := fn(v)
		if err != nil {
			return nil, fmt.Errorf("%w %s (%T) to %s: %v", ErrConvert, Preview(v, 64), v, k, err)
		}
		return out, nil
	}
}

// Convert maps v onto k. See ConverterFor.
func Convert(k Kind, v any) (any, error) { return ConverterFor(k)(v) }

// Preview renders v as text truncated to max runes.
func Preview(v any, max int) string {
	if v == nil {
		return "NULL"
	}
	s := toString(v)
	r := []rune(s)
	if len(r) > max {
		return strconv.Quote(string(r[:max]) + "…")
	}
	return strconv.Quote(s)
}

// TypeName is a short Go-ish name for the dynamic type of v.
func TypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case []byte:
		return "bytes"
	case time.Time:
		return "time"
	case uuid.UUID:
		return "uuid"
	}
	return fmt.Sprintf("%T", v)
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	}
	return fmt.Sprint(v)
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return 0, errors.New("out of range")
		}
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, errors.New("out of range")
		}
		return int64(x), nil
	case float64:
		return floatToInt(x)
	case float32:
		return floatToInt(float64(x))
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case []byte:
		return parseInt(string(x))
	case string:
		return parseInt(x)
	}
	return 0, fmt.Errorf("unsupported source type %T", v)
}

// parseInt accepts plain integers and integral decimals like "42.0".
func parseInt(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}
	if strings.IndexByte(s, '.') >= 0 && decimalText.MatchString(s) {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return floatToInt(f)
		}
	}
	return 0, fmt.Errorf("%q is not an integer", s)
}

func floatToInt(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("%v is not an integral value", f)
	}
	return int64(f), nil
}

func toDecimal(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return parseDecimal(x)
	case []byte:
		return parseDecimal(string(x))
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return "", fmt.Errorf("%v is not a finite number", x)
		}
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case float32:
		return toDecimal(float64(x))
	case *big.Rat:
		return x.FloatString(decimalScale(x)), nil
	case *big.Float:
		return x.Text('f', -1), nil
	case bool:
		return "", errors.New("boolean is not a decimal")
	}
	n, err := toInt64(v)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n, 10), nil
}

// decimalText is plain base-10 notation with an optional exponent. It keeps
// out the base prefixes, ratios and underscores strconv and big.Rat accept.
var decimalText = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)

// parseDecimal validates s as a finite decimal and returns it trimmed.
func parseDecimal(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !decimalText.MatchString(s) {
		return "", fmt.Errorf("%q is not a decimal", s)
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return "", fmt.Errorf("%q is not a decimal", s)
	}
	if strings.ContainsAny(s, "eE") {
		return r.FloatString(decimalScale(r)), nil
	}
	return s, nil
}

// decimalScale returns the number of fractional digits needed to print r
// exactly, capped at 38.
func decimalScale(r *big.Rat) int {
	d := new(big.Int).Set(r.Denom())
	one, ten := big.NewInt(1), big.NewInt(10)
	scale := 0
	for d.Cmp(one) != 0 {
		g := new(big.Int).GCD(nil, nil, d, ten)
		if g.Cmp(one) == 0 || scale == 38 {
			return 38
		}
		d.Quo(d, g)
		scale++
	}
	return scale
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case string:
		return parseFloat(x)
	case []byte:
		return parseFloat(string(x))
	case bool:
		return 0, errors.New("boolean is not a number")
	}
	n, err := toInt64(v)
	return float64(n), err
}

// parseFloat accepts decimal notation and the words inf, infinity and nan.
func parseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if !decimalText.MatchString(s) {
		switch strings.ToLower(strings.TrimLeft(s, "+-")) {
		case "inf", "infinity", "nan":
		default:
			return 0, fmt.Errorf("%q is not a number", s)
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	return f, nil
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		return parseBool(x)
	case []byte:
		return parseBool(string(x))
	case float64:
		return x != 0, nil
	}
	n, err := toInt64(v)
	if err != nil {
		return false, err
	}
	return n != 0, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "t", "true", "yes", "y", "on":
		return true, nil
	case "0", "f", "false", "no", "n", "off":
		return false, nil
	}
	return false, fmt.Errorf("%q is not a boolean", s)
}

// Layouts tried in order for textual timestamps. Layouts without an offset
// are interpreted as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
	"02.01.2006 15:04:05",
	"02.01.2006",
}

func toTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		return ParseTime(x)
	case []byte:
		return ParseTime(string(x))
	}
	return time.Time{}, fmt.Errorf("unsupported source type %T", v)
}

// ParseTime parses s with the supported layouts.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, ok := parseDottedDate(s); ok {
		return t, nil
	}
	for _, l := range timeLayouts {
		if t, err := time.ParseInLocation(l, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not a recognized timestamp", s)
}

// parseDottedDate is an allocation-free path for "02.01.2006".
func parseDottedDate(s string) (time.Time, bool) {
	if len(s) != 10 || s[2] != '.' || s[5] != '.' {
		return time.Time{}, false
	}
	digit := func(b byte) (int, bool) { return int(b - '0'), b >= '0' && b <= '9' }
	var n [8]int
	for i, p := range [8]int{0, 1, 3, 4, 6, 7, 8, 9} {
		d, ok := digit(s[p])
		if !ok {
			return time.Time{}, false
		}
		n[i] = d
	}
	day := n[0]*10 + n[1]
	mon := n[2]*10 + n[3]
	year := n[4]*1000 + n[5]*100 + n[6]*10 + n[7]
	if mon < 1 || mon > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(mon), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}

func toGUID(v any) (uuid.UUID, error) {
	switch x := v.(type) {
	case uuid.UUID:
		return x, nil
	case [16]byte:
		return uuid.UUID(x), nil
	case []byte:
		if len(x) == 16 {
			return uuid.FromBytes(x)
		}
		return uuid.ParseBytes(x)
	case string:
		return uuid.Parse(strings.TrimSpace(x))
	}
	return uuid.Nil, fmt.Errorf("unsupported source type %T", v)
}

func toBytes(v any) ([]byte, error) {
	switch x := v.(type) {
	case []byte:
		return x, nil
	case string:
		if strings.HasPrefix(x, `\x`) {
			if b, err := hex.DecodeString(x[2:]); err == nil {
				return b, nil
			}
		}
		return []byte(x), nil
	case uuid.UUID:
		return x[:], nil
	}
	return nil, fmt.Errorf("unsupported source type %T", v)
}
