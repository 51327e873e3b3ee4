package record

import (
	"math"
	"sort"
)

func floatBits(f float64) uint64 { return math.Float64bits(f) }

func floatFromBits(v uint64) float64 { return math.Float64frombits(v) }

// sortedMetaKeys gives metadata a deterministic wire order so the spool
// byte-identity invariant holds across encodes of the same record.
func sortedMetaKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
