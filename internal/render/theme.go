package render

import (
	"fmt"
	"strings"
)

// DefaultThemeID is used when an entry carries no theme reference.
const DefaultThemeID = "default-light"

// Theme wraps a rendered body in a full HTML document.
type Theme struct {
	ID       string
	Name     string
	Document string // must contain the {{content}} placeholder
}

// ThemeRegistry holds the available themes.
type ThemeRegistry struct {
	themes map[string]Theme
}

// DefaultThemes returns the built-in registry.
func DefaultThemes() *ThemeRegistry {
	r := &ThemeRegistry{themes: map[string]Theme{}}
	r.Register(Theme{
		ID:   "default-light",
		Name: "Light",
		Document: `<!DOCTYPE html>
<html>
<body style="margin:0;padding:24px;background:#ffffff;color:#1a1a1a;font-family:sans-serif">
{{content}}
</body>
</html>`,
	})
	r.Register(Theme{
		ID:   "default-dark",
		Name: "Dark",
		Document: `<!DOCTYPE html>
<html>
<body style="margin:0;padding:24px;background:#18181b;color:#fafafa;font-family:sans-serif">
{{content}}
</body>
</html>`,
	})
	return r
}

// Register adds or replaces a theme.
func (r *ThemeRegistry) Register(t Theme) {
	r.themes[t.ID] = t
}

// Wrap embeds the body in the theme document. A nil themeID means the
// default theme; an explicit empty string means no wrapping at all (raw
// html sends arrive pre-styled).
func (r *ThemeRegistry) Wrap(themeID *string, body string) (string, error) {
	if themeID != nil && *themeID == "" {
		return body, nil
	}
	id := DefaultThemeID
	if themeID != nil {
		id = *themeID
	}
	theme, ok := r.themes[id]
	if !ok {
		return "", fmt.Errorf("theme %q not found", id)
	}
	return strings.Replace(theme.Document, "{{content}}", body, 1), nil
}
