package logquery

import (
	"regexp"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/theory/jsonpath"
)

// Matcher reports whether a string passes a compiled pattern.
type Matcher func(string) bool

var matchAll Matcher = func(string) bool { return true }

// CompileMatcher turns an optional pattern into a Matcher. An empty pattern
// matches everything. A pattern that does not compile as a regular
// expression degrades to a literal substring match instead of failing the
// whole operation.
func CompileMatcher(pattern string) Matcher {
	if pattern == "" {
		return matchAll
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		log.Debug("pattern is not a valid regexp, matching literally: ", pattern)
		return func(s string) bool { return strings.Contains(s, pattern) }
	}
	return re.MatchString
}

// JSONPathFilter selects lines whose parsed JSON payload has a value at
// Path matching Match (equality or regexp semantics via CompileMatcher).
type JSONPathFilter struct {
	Path  string `json:"path"`
	Match string `json:"match"`
}

type compiledJSONFilter struct {
	path  *jsonpath.Path
	match Matcher
}

// compileJSONFilters compiles the JSON-path filters. A filter with an
// invalid path can never match; it is reported as a diagnostic rather than
// failing the operation.
func compileJSONFilters(filters []JSONPathFilter, diags *diagnostics) []compiledJSONFilter {
	var compiled []compiledJSONFilter
	for _, f := range filters {
		p, err := jsonpath.Parse(f.Path)
		if err != nil {
			log.Warn("invalid JSON path filter ", f.Path, ": ", err)
			diags.recordf("invalid JSON path filter %q: %v", f.Path, err)
			compiled = append(compiled, compiledJSONFilter{path: nil})
			continue
		}
		compiled = append(compiled, compiledJSONFilter{
			path:  p,
			match: CompileMatcher(f.Match),
		})
	}
	return compiled
}

func (f compiledJSONFilter) matches(payload any) bool {
	if f.path == nil || payload == nil {
		return false
	}
	for _, node := range f.path.Select(payload) {
		if f.match(jsonValueString(node)) {
			return true
		}
	}
	return false
}

// jsonValueString renders a scalar JSON value the way it appears in the
// document, so filters can match numbers and booleans by their literal form.
func jsonValueString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return "null"
	}
	return ""
}

// lineFilters is the compiled per-line filter chain shared by log pollers
// and the event collector.
type lineFilters struct {
	include     Matcher
	exclude     Matcher
	jsonFilters []compiledJSONFilter
}

func compileLineFilters(includePattern, excludePattern string, jsonFilters []JSONPathFilter, diags *diagnostics) lineFilters {
	f := lineFilters{
		include:     CompileMatcher(includePattern),
		jsonFilters: compileJSONFilters(jsonFilters, diags),
	}
	if excludePattern != "" {
		f.exclude = CompileMatcher(excludePattern)
	}
	return f
}

// accept runs the filter chain over a message: include/exclude first, then
// JSON-path filters against the parsed payload. It returns the payload so
// the caller does not parse twice.
func (f *lineFilters) accept(message string) (bool, any) {
	if !f.include(message) {
		return false, nil
	}
	if f.exclude != nil && f.exclude(message) {
		return false, nil
	}
	payload := parsePayload(message)
	for _, jf := range f.jsonFilters {
		if !jf.matches(payload) {
			return false, nil
		}
	}
	return true, payload
}
