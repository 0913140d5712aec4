package useragent

import (
	"math/rand/v2"
	"strings"
	"testing"
)

func TestNextDrawsDesktopBrowsers(t *testing.T) {
	g := New(rand.New(rand.NewPCG(1, 2)))
	seen := map[string]struct{}{}
	for i := 0; i < 200; i++ {
		ua := g.Next()
		if !strings.HasPrefix(ua, "Mozilla/5.0 (") || strings.Contains(ua, "Mobile") {
			t.Fatalf("unexpected user agent %q", ua)
		}
		if !strings.Contains(ua, "Chrome/") && !strings.Contains(ua, "Firefox/") {
			t.Fatalf("user agent without browser token: %q", ua)
		}
		seen[ua] = struct{}{}
	}
	if len(g.list) > 1 && len(seen) < 2 {
		t.Fatalf("expected variety in drawn user agents, got %d distinct", len(seen))
	}
}

func TestNewWithListFiltersAndFallsBack(t *testing.T) {
	list := []string{
		"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 Mobile/15E148",
		"Opera/9.80 (Windows NT 6.1) Presto/2.12.388 Version/12.16",
		"Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0",
	}
	g := NewWithList(rand.New(rand.NewPCG(3, 4)), list)
	if len(g.list) != 1 || g.Next() != list[2] {
		t.Fatalf("expected only the desktop Firefox entry, got %v", g.list)
	}
	if got := NewWithList(nil, nil).Next(); got != fallback {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestRandomUsesGlobalSource(t *testing.T) {
	if ua := Random(); ua == "" {
		t.Fatalf("empty user agent")
	}
}
