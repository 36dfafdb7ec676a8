package registry

import (
	"fmt"
	"regexp"
	"strings"
)

// compiledTemplate is a URI template compiled once at registration time into
// an anchored regex with named captures, per spec §4.4/§9.
type compiledTemplate struct {
	source   string
	regex    *regexp.Regexp
	priority int
	seq      int // registration order, for stable tie-breaking
}

var placeholderRE = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// compileURITemplate translates an RFC 6570-style template such as
// "file:///{path}" into an anchored regex with one named capture per
// placeholder. Unanchored templates (the spec forbids them) are rejected by
// always anchoring with ^...$ ourselves; the caller never controls anchoring.
func compileURITemplate(template string) (*regexp.Regexp, error) {
	if template == "" {
		return nil, fmt.Errorf("registry: empty uri template")
	}

	var b strings.Builder
	b.WriteString("^")
	last := 0
	matches := placeholderRE.FindAllStringSubmatchIndex(template, -1)
	seen := make(map[string]bool)
	for _, m := range matches {
		start, end := m[0], m[1]
		nameStart, nameEnd := m[2], m[3]
		name := template[nameStart:nameEnd]
		if seen[name] {
			return nil, fmt.Errorf("registry: duplicate capture name %q in template %q", name, template)
		}
		seen[name] = true
		b.WriteString(regexp.QuoteMeta(template[last:start]))
		fmt.Fprintf(&b, "(?P<%s>[^/]+)", name)
		last = end
	}
	b.WriteString(regexp.QuoteMeta(template[last:]))
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("registry: compiling template %q: %w", template, err)
	}
	return re, nil
}

// match reports whether uri matches the compiled template, returning the
// named captures on success.
func (ct *compiledTemplate) match(uri string) (map[string]string, bool) {
	names := ct.regex.SubexpNames()
	m := ct.regex.FindStringSubmatch(uri)
	if m == nil {
		return nil, false
	}
	captures := make(map[string]string, len(names))
	for i, name := range names {
		if i == 0 || name == "" {
			continue
		}
		captures[name] = m[i]
	}
	return captures, true
}
