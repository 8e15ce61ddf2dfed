package mailbridge

import "strings"

// keywordFilter is the chat→mailbox admission-control policy: only messages
// indicating coordination intent are forwarded. This filtering is deliberate
// policy, not message loss.
type keywordFilter struct {
	forwardAll bool
	keywords   []string
}

func newKeywordFilter(keywords []string) *keywordFilter {
	filter := &keywordFilter{}
	for _, keyword := range keywords {
		keyword = strings.ToLower(strings.TrimSpace(keyword))
		if keyword == "" {
			continue
		}
		if keyword == "*" {
			filter.forwardAll = true
			continue
		}
		filter.keywords = append(filter.keywords, keyword)
	}
	return filter
}

// Match reports whether body passes the admission filter. An empty keyword
// list fails closed.
func (f *keywordFilter) Match(body string) bool {
	if f.forwardAll {
		return true
	}
	lower := strings.ToLower(body)
	for _, keyword := range f.keywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}
