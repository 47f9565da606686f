// Package placeholder resolves {{...}} tokens against a canonical field
// map. The grammar is shared by the markup substitution engine and the
// flexbox compositor:
//
//	{{NAME}}          scalar or flattened array
//	{{NAME[i]}}       array element i
//	{{NAME.FIELD}}    record member
//	{{NAME[]}}        current element inside a repeat clause
//	{{NAME[].FIELD}}  member of the current element inside a repeat clause
//
// Unknown fields, out-of-range indexes and repeat forms outside a repeat
// clause all substitute the empty string. Substitution never fails.
package placeholder

import (
	"regexp"
	"strconv"

	"github.com/sheetpress/sheetpress/fields"
)

var tokenPattern = regexp.MustCompile(
	`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*(\[\s*([0-9]*)\s*\])?(?:\.([A-Za-z_][A-Za-z0-9_]*))?\s*\}\}`)

// Expand substitutes every token in text against the field map.
func Expand(text string, m fields.Map) string {
	return expand(text, m, "", -1)
}

// ExpandIndexed substitutes like Expand, but additionally resolves the
// repeat forms {{repeatField[]}} and {{repeatField[].F}} against element
// idx of the named array field.
func ExpandIndexed(text string, m fields.Map, repeatField string, idx int) string {
	return expand(text, m, repeatField, idx)
}

// HasToken reports whether text still contains a placeholder token.
func HasToken(text string) bool {
	return tokenPattern.MatchString(text)
}

func expand(text string, m fields.Map, repeatField string, repeatIdx int) string {
	return tokenPattern.ReplaceAllStringFunc(text, func(match string) string {
		groups := tokenPattern.FindStringSubmatch(match)
		name := groups[1]
		hasBracket := groups[2] != ""
		member := groups[4]

		val, ok := m[name]
		if !ok {
			return ""
		}
		if hasBracket {
			idxStr := groups[3]
			if idxStr == "" {
				// Repeat form: only meaningful for the active repeat field.
				if name != repeatField || repeatIdx < 0 {
					return ""
				}
				return memberText(val.Index(repeatIdx), member)
			}
			i, err := strconv.Atoi(idxStr)
			if err != nil {
				return ""
			}
			return memberText(val.Index(i), member)
		}
		return memberText(val, member)
	})
}

func memberText(v fields.Value, member string) string {
	if member == "" {
		return v.Text()
	}
	return v.Member(member).Text()
}
