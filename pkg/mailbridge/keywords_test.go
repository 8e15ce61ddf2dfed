package mailbridge

import "testing"

func TestKeywordFilterFailsClosed(t *testing.T) {
	filter := newKeywordFilter(nil)
	if filter.Match("anything at all") {
		t.Fatal("empty keyword list must not forward")
	}
	filter = newKeywordFilter([]string{"  ", ""})
	if filter.Match("anything at all") {
		t.Fatal("blank keywords must not forward")
	}
}

func TestKeywordFilterWildcard(t *testing.T) {
	filter := newKeywordFilter([]string{"*"})
	if !filter.Match("") || !filter.Match("whatever") {
		t.Fatal("wildcard must forward everything")
	}
}

func TestKeywordFilterCaseInsensitiveSubstring(t *testing.T) {
	filter := newKeywordFilter([]string{"Deploy", "handoff"})
	cases := []struct {
		body string
		want bool
	}{
		{"please DEPLOY the fix", true},
		{"Handoff notes attached", true},
		{"redeployment scheduled", true},
		{"lunch at noon?", false},
	}
	for _, tc := range cases {
		if got := filter.Match(tc.body); got != tc.want {
			t.Errorf("Match(%q) = %v, want %v", tc.body, got, tc.want)
		}
	}
}
