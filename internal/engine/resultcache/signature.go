package resultcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"qms-assistant/internal/models"
)

// Signature derives the cache key of a rule execution. Parameter order does
// not matter; values are rendered with their type so 1 and "1" differ.
// revision identifies the rule body, so a result computed against an older
// version of the rule can never be served for the newer one.
func Signature(ruleID int64, revision string, params map[string]interface{}) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(strconv.FormatInt(ruleID, 10))
	b.WriteByte(0)
	b.WriteString(revision)
	for _, name := range names {
		b.WriteByte(0)
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(render(params[name]))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return "nlq:" + hex.EncodeToString(sum[:])
}

func render(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case time.Time:
		return "time:" + val.UTC().Format(time.RFC3339Nano)
	case string:
		return "s:" + val
	default:
		return fmt.Sprintf("%T:%v", v, v)
	}
}

// Revision fingerprints the parts of a rule that shape its result.
func Revision(rule models.IntentRule) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(rule.Version))
	b.WriteByte(0)
	b.WriteString(rule.QueryTemplate)
	for _, col := range rule.ResultColumns {
		b.WriteByte(0)
		b.WriteString(col)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}
