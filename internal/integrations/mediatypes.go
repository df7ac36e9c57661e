package integrations

import "strings"

var knownMediaTypes = map[string]struct{}{
	"movie":   {},
	"episode": {},
	"track":   {},
	"live":    {},
}

// NormalizeMediaTypes lowercases, dedupes and drops unknown media types,
// keeping the input order.
func NormalizeMediaTypes(in []string) []string {
	if len(in) == 0 {
		return nil
	}

	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))

	for _, raw := range in {
		t := strings.ToLower(strings.TrimSpace(raw))
		if _, ok := knownMediaTypes[t]; !ok {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}

	return out
}
