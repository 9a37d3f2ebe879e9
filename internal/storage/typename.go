package storage

import (
	"strconv"
	"strings"
)

// TypeArgs splits a native type such as "numeric(10, 2)" or
// "character varying(40)" into its lower-cased base name and numeric
// arguments. Non-numeric arguments (e.g. "max") are reported as -1.
func TypeArgs(native string) (base string, args []int64) {
	s := strings.ToLower(strings.TrimSpace(native))
	open := strings.IndexByte(s, '(')
	if open < 0 {
		return s, nil
	}
	base = strings.TrimSpace(s[:open])
	end := strings.IndexByte(s[open:], ')')
	if end < 0 {
		return base, nil
	}
	for _, p := range strings.Split(s[open+1:open+end], ",") {
		n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			n = -1
		}
		args = append(args, n)
	}
	return base, args
}

// FillTypeArgs sets Length for character/binary types and Precision/Scale for
// numeric types from the arguments of c.NativeType.
func FillTypeArgs(native string, length, precision, scale *int64) {
	base, args := TypeArgs(native)
	if len(args) == 0 {
		return
	}
	if strings.Contains(base, "char") || strings.Contains(base, "binary") || strings.Contains(base, "bit") {
		*length = args[0]
		return
	}
	*precision = args[0]
	if len(args) > 1 {
		*scale = args[1]
	}
}
