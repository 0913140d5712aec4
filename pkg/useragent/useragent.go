// Package useragent draws realistic desktop browser User-Agent strings from
// the uarand catalogue. A fresh one is drawn for every upstream call.
package useragent

import (
	"math/rand/v2"
	"strings"

	"github.com/corpix/uarand"
)

// fallback is used if the catalogue holds no desktop Chrome or Firefox entry.
const fallback = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36"

var desktopPlatforms = []string{"Windows NT", "Macintosh", "X11; Linux"}

// Source is the randomness used by a Generator. *rand.Rand satisfies it.
type Source interface {
	IntN(n int) int
}

type Generator struct {
	rnd  Source
	list []string
}

// New returns a Generator drawing from r, or from the global source when r is nil.
func New(r Source) *Generator {
	return NewWithList(r, uarand.UserAgents)
}

// NewWithList draws from the desktop Chrome and Firefox entries of list.
func NewWithList(r Source, list []string) *Generator {
	return &Generator{rnd: r, list: desktopOnly(list)}
}

func desktopOnly(list []string) []string {
	out := make([]string, 0, len(list))
	for _, ua := range list {
		if !strings.HasPrefix(ua, "Mozilla/5.0 (") || strings.Contains(ua, "Mobile") {
			continue
		}
		if !strings.Contains(ua, "Chrome/") && !strings.Contains(ua, "Firefox/") {
			continue
		}
		for _, p := range desktopPlatforms {
			if strings.Contains(ua, p) {
				out = append(out, ua)
				break
			}
		}
	}
	if len(out) == 0 {
		out = []string{fallback}
	}
	return out
}

func (g *Generator) intN(n int) int {
	if g.rnd == nil {
		return rand.IntN(n)
	}
	return g.rnd.IntN(n)
}

// Next returns a User-Agent.
func (g *Generator) Next() string {
	return g.list[g.intN(len(g.list))]
}

var defaultGenerator = New(nil)

func Random() string {
	return defaultGenerator.Next()
}
