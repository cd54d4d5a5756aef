package vars

import "strings"

// Interpolate replaces each ${name} token in template with the current
// display form of the variable. Single pass: substituted values are never
// re-scanned. Undefined names substitute to the empty string and are
// returned in missing so the caller can emit a warning.
func (e *Env) Interpolate(template string) (result string, missing []string) {
	if !strings.Contains(template, "${") {
		return template, nil
	}

	var b strings.Builder
	b.Grow(len(template))

	i := 0
	for i < len(template) {
		start := strings.Index(template[i:], "${")
		if start < 0 {
			b.WriteString(template[i:])
			break
		}
		start += i
		end := strings.Index(template[start+2:], "}")
		if end < 0 {
			// Unterminated token: keep the tail verbatim.
			b.WriteString(template[i:])
			break
		}
		end += start + 2

		b.WriteString(template[i:start])
		name := template[start+2 : end]
		if v, ok := e.Get(name); ok {
			b.WriteString(v.Display())
		} else {
			missing = append(missing, name)
		}
		i = end + 1
	}

	return b.String(), missing
}

// HasInterpolation reports whether the string contains a ${name} token.
func HasInterpolation(s string) bool {
	open := strings.Index(s, "${")
	return open >= 0 && strings.Contains(s[open:], "}")
}
