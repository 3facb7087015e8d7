package mailing

import (
	"fmt"
	"regexp"
	"strings"
)

// placeholderRe matches {{ name }} tokens, whitespace-tolerant.
var placeholderRe = regexp.MustCompile(`\{\{(\s*\w+\s*)\}\}`)

// Render replaces {{ name }} placeholders in body with the string form of
// ctx[name]. Missing keys become the empty string. The pass is single and
// non-recursive: values containing placeholder syntax are not re-expanded.
// No escaping is performed; escaping is the caller's concern.
func Render(body string, ctx map[string]interface{}) string {
	return placeholderRe.ReplaceAllStringFunc(body, func(match string) string {
		key := strings.TrimSpace(placeholderRe.FindStringSubmatch(match)[1])
		val, ok := ctx[key]
		if !ok || val == nil {
			return ""
		}
		return fmt.Sprintf("%v", val)
	})
}
