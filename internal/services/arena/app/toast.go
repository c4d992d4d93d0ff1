package server

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/louisbranch/bossarena/internal/platform/i18n/catalog"
	"github.com/louisbranch/bossarena/internal/services/arena/battle"
)

const (
	hitToastKey         = "arena.hit_toast"
	bossFallbackNameKey = "arena.boss_fallback_name"
)

var (
	supportedLocales = catalog.Default().Tags()
	localeMatcher    = language.NewMatcher(supportedLocales)
)

// newPrinter resolves locale against the catalog locales, falling back to
// the base locale.
func newPrinter(locale string) *message.Printer {
	tag := supportedLocales[0]
	if locale = strings.TrimSpace(locale); locale != "" {
		if parsed, err := language.Parse(locale); err == nil {
			_, index, _ := localeMatcher.Match(parsed)
			tag = supportedLocales[index]
		}
	}
	return message.NewPrinter(tag)
}

// hitToast renders the transient hit indicator, or "" when there is none.
func hitToast(p *message.Printer, hit *battle.Hit) string {
	if hit == nil {
		return ""
	}
	name := strings.TrimSpace(hit.BossName)
	if name == "" {
		name = p.Sprintf(bossFallbackNameKey)
	}
	return p.Sprintf(hitToastKey, name, hit.Damage)
}
