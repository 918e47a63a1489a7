package markup

import "strings"

// Candidate is one entry of a srcset attribute, e.g. "a.png 2x".
type Candidate struct {
	URL        string
	Descriptor string
}

// ParseSrcset splits a srcset value into its candidates. Empty candidates
// are dropped.
func ParseSrcset(v string) []Candidate {
	var out []Candidate
	for _, part := range strings.Split(v, ",") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		c := Candidate{URL: fields[0]}
		if len(fields) > 1 {
			c.Descriptor = strings.Join(fields[1:], " ")
		}
		out = append(out, c)
	}
	return out
}

func FormatSrcset(cs []Candidate) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		if c.Descriptor == "" {
			parts[i] = c.URL
			continue
		}
		parts[i] = c.URL + " " + c.Descriptor
	}
	return strings.Join(parts, ", ")
}
