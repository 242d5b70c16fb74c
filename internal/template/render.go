// Package template implements placeholder substitution for message templates.
// Templates use {{name}} placeholders; rendering is pure and never fails, so
// partial data can never block an outbound action.
package template

import "strings"

// Render replaces every {{name}} occurrence with variables[name].
// Unresolved placeholders are left verbatim. Whitespace inside the braces is
// tolerated: {{ name }} and {{name}} resolve identically.
func Render(template string, variables map[string]string) string {
	if template == "" || !strings.Contains(template, "{{") {
		return template
	}

	var out strings.Builder
	out.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "{{")
		if idx == -1 {
			out.WriteString(template[i:])
			break
		}

		out.WriteString(template[i : i+idx])
		start := i + idx

		end := strings.Index(template[start+2:], "}}")
		if end == -1 {
			// Unterminated placeholder: emit the rest as-is.
			out.WriteString(template[start:])
			break
		}
		end += start + 2

		name := strings.TrimSpace(template[start+2 : end])
		if val, ok := variables[name]; ok {
			out.WriteString(val)
		} else {
			out.WriteString(template[start : end+2])
		}
		i = end + 2
	}

	return out.String()
}

// Placeholders returns the distinct placeholder names referenced by a
// template, in order of first appearance. Used by definition diagnostics.
func Placeholders(template string) []string {
	var names []string
	seen := make(map[string]struct{})

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "{{")
		if idx == -1 {
			break
		}
		start := i + idx
		end := strings.Index(template[start+2:], "}}")
		if end == -1 {
			break
		}
		end += start + 2

		name := strings.TrimSpace(template[start+2 : end])
		if name != "" {
			if _, dup := seen[name]; !dup {
				seen[name] = struct{}{}
				names = append(names, name)
			}
		}
		i = end + 2
	}

	return names
}
