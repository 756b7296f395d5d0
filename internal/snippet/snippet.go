// Package snippet turns C++ source text into a runnable translation unit.
//
// Source is treated as opaque text. The only structure recognized is an
// int-returning main, found by a single regular expression.
package snippet

import (
	"regexp"
	"strings"
)

// entryPoint matches `int main(...)` followed by a body or a `;`.
// The `;` form keeps forward declarations detectable.
var entryPoint = regexp.MustCompile(`\bint\s+main\s*\([^)]*\)\s*[{;]`)

// HasEntryPoint reports whether source already defines or declares main.
func HasEntryPoint(source string) bool {
	return entryPoint.MatchString(source)
}

// MakeRunnable returns source unchanged when it has an entry point.
// Otherwise the source becomes the body of a synthesized main that exits normally.
func MakeRunnable(source string) string {
	if HasEntryPoint(source) {
		return source
	}
	return "int main() {\n" + source + "\nreturn 0;\n}"
}

// WithIncludes prepends an #include line per header.
// Headers spelled as <h> or "h" are used verbatim, bare names get angle brackets.
func WithIncludes(source string, headers []string) string {
	var b strings.Builder
	for _, h := range headers {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if !strings.HasPrefix(h, "<") && !strings.HasPrefix(h, `"`) {
			h = "<" + h + ">"
		}
		b.WriteString("#include ")
		b.WriteString(h)
		b.WriteByte('\n')
	}
	if b.Len() == 0 {
		return source
	}
	b.WriteString(source)
	return b.String()
}
