package checkpoint

import (
	"fmt"

	"github.com/zeebo/xxh3"
)

// Fingerprint identifies one (table, target, generated-SQL) combination. Any
// edit to the manifest SQL produces a new fingerprint, so a stale COMPLETED
// record never suppresses re-execution.
func Fingerprint(naturalKey, targetDB, dropSQL, loadSQL string) string {
	h := xxh3.Hash128([]byte(naturalKey + "\x00" + targetDB + "\x00" + dropSQL + "\x00" + loadSQL))
	return fmt.Sprintf("%016x%016x", h.Hi, h.Lo)
}
