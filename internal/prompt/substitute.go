// Package prompt implements variable substitution and prompt assembly for
// command templates and workflow prompts.
package prompt

import (
	"strconv"
	"strings"
)

// ContextSeparator joins the substituted template and the appended external
// context.
const ContextSeparator = "\n\n---\n\n"

// Vars carries the bindings available to a template.
type Vars struct {
	// Positional arguments, referenced as $1, $2, ... and joined by
	// $ARGUMENTS.
	Positional []string
	// Named bindings for any other $NAME placeholder.
	Named map[string]string
	// ExternalContext is platform-side metadata (issue body, PR description,
	// thread history). Exposed as $CONTEXT / $EXTERNAL_CONTEXT /
	// $ISSUE_CONTEXT and appended unconditionally by Assemble.
	ExternalContext string
}

// contextAliases all resolve to Vars.ExternalContext.
var contextAliases = map[string]bool{
	"CONTEXT":          true,
	"EXTERNAL_CONTEXT": true,
	"ISSUE_CONTEXT":    true,
}

// Substitute expands placeholders in template:
//
//   - $1, $2, ... expand to the corresponding positional argument; missing
//     positions expand to empty.
//   - $ARGUMENTS expands to all positional arguments joined by one space.
//   - $CONTEXT, $EXTERNAL_CONTEXT, $ISSUE_CONTEXT expand to the external
//     context string.
//   - \$ produces a literal $ and is not re-expanded.
//   - Any other $NAME is looked up in Named; unknown names are left verbatim
//     to avoid mangling shell-like text.
func Substitute(template string, vars Vars) string {
	var sb strings.Builder
	sb.Grow(len(template))

	for i := 0; i < len(template); i++ {
		c := template[i]

		// \$ escapes the dollar sign.
		if c == '\\' && i+1 < len(template) && template[i+1] == '$' {
			sb.WriteByte('$')
			i++
			continue
		}

		if c != '$' {
			sb.WriteByte(c)
			continue
		}

		rest := template[i+1:]
		if rest == "" {
			sb.WriteByte('$')
			continue
		}

		if isDigit(rest[0]) {
			num, width := scanNumber(rest)
			if idx := num - 1; idx >= 0 && idx < len(vars.Positional) {
				sb.WriteString(vars.Positional[idx])
			}
			i += width
			continue
		}

		if isNameStart(rest[0]) {
			name, width := scanName(rest)
			sb.WriteString(resolveName(name, vars, template[i:i+1+width]))
			i += width
			continue
		}

		sb.WriteByte('$')
	}

	return sb.String()
}

// Assemble substitutes variables and then unconditionally appends the external
// context. Templates that never reference $CONTEXT still receive the context
// this way; downstream prompts are designed around the redundancy.
func Assemble(template string, vars Vars) string {
	result := Substitute(template, vars)
	if vars.ExternalContext == "" {
		return result
	}
	return result + ContextSeparator + vars.ExternalContext
}

func resolveName(name string, vars Vars, verbatim string) string {
	switch {
	case name == "ARGUMENTS":
		return strings.Join(vars.Positional, " ")
	case contextAliases[name]:
		return vars.ExternalContext
	default:
		if v, ok := vars.Named[name]; ok {
			return v
		}
		// Unknown name: keep the original text.
		return verbatim
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameChar(c byte) bool {
	return isNameStart(c) || isDigit(c)
}

func scanNumber(s string) (value, width int) {
	i := 0
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	n, _ := strconv.Atoi(s[:i])
	return n, i
}

func scanName(s string) (name string, width int) {
	i := 0
	for i < len(s) && isNameChar(s[i]) {
		i++
	}
	return s[:i], i
}
