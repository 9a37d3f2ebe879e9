package storage

import (
	"fmt"
	"strings"
)

// UpdateFromSQL renders `UPDATE target AS T SET c = S.c ... FROM staging AS S
// WHERE T.k = S.k` for engines that support UPDATE ... FROM. target and
// staging are already quoted. It returns "" when every column is a key.
func UpdateFromSQL(quote func(string) string, target, staging string, cols, keys []string) string {
	sets := NonKeyAssignments(quote, cols, keys, "S.")
	if len(sets) == 0 {
		return ""
	}
	return fmt.Sprintf("UPDATE %s AS T SET %s FROM %s AS S WHERE %s",
		target, strings.Join(sets, ", "), staging, KeyMatch(quote, keys))
}

// InsertMissingSQL renders an INSERT ... SELECT of the staged rows whose key
// is absent from target.
func InsertMissingSQL(quote func(string) string, target, staging string, cols, keys []string) string {
	qc := make([]string, len(cols))
	sc := make([]string, len(cols))
	for i, c := range cols {
		qc[i] = quote(c)
		sc[i] = "S." + quote(c)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s AS S WHERE NOT EXISTS (SELECT 1 FROM %s AS T WHERE %s)",
		target, strings.Join(qc, ", "), strings.Join(sc, ", "), staging, target, KeyMatch(quote, keys))
}

// KeyMatch renders `T.k1 = S.k1 AND T.k2 = S.k2`.
func KeyMatch(quote func(string) string, keys []string) string {
	match := make([]string, len(keys))
	for i, k := range keys {
		match[i] = fmt.Sprintf("T.%s = S.%s", quote(k), quote(k))
	}
	return strings.Join(match, " AND ")
}

// NonKeyAssignments renders `c = <src>c` for every column not in keys.
func NonKeyAssignments(quote func(string) string, cols, keys []string, src string) []string {
	var sets []string
	for _, c := range cols {
		isKey := false
		for _, k := range keys {
			if strings.EqualFold(k, c) {
				isKey = true
				break
			}
		}
		if !isKey {
			sets = append(sets, fmt.Sprintf("%s = %s%s", quote(c), src, quote(c)))
		}
	}
	return sets
}
