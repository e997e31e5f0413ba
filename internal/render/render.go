// Package render turns an outbox entry's template source into a ready-to-send
// email. Templates are Liquid documents with a YAML front-matter block that
// declares the subject and notification category; the body renders to HTML
// and is wrapped in the entry's theme.
package render

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/osteele/liquid"
	"gopkg.in/yaml.v3"

	"github.com/ignite/email-outbox/internal/domain"
)

// Request carries everything the renderer needs for one entry.
type Request struct {
	Source    string
	ThemeID   *string
	Variables map[string]any

	// Overrides come from raw html+subject sends. When subject and category
	// are both set the source is customer HTML and is passed through
	// verbatim instead of being treated as a template. OverrideText replaces
	// the generated plain-text part.
	OverrideSubject    *string
	OverrideCategoryID *string
	OverrideText       *string
}

// Result is a fully rendered email.
type Result struct {
	Subject         string
	HTML            string
	Text            string
	CategoryID      string
	IsTransactional bool
}

// Error is a structured rendering failure. It never crashes the worker; it
// is recorded on the entry and surfaced with code EMAIL_RENDERING_ERROR.
type Error struct {
	Message  string
	Details  domain.JSON
	Internal string
}

func (e *Error) Error() string { return e.Message }

type frontMatter struct {
	Subject              string `yaml:"subject"`
	NotificationCategory string `yaml:"notification_category"`
}

// Engine renders Liquid templates with caching. Safe for concurrent use.
type Engine struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
	themes *ThemeRegistry
}

// NewEngine creates a renderer with the standard filter set and theme
// registry.
func NewEngine() *Engine {
	e := &Engine{
		engine: liquid.NewEngine(),
		themes: DefaultThemes(),
	}
	e.registerFilters()
	return e
}

func (e *Engine) registerFilters() {
	// {{ first_name | default: "there" }}
	e.engine.RegisterFilter("default", func(value any, defaultVal string) any {
		if value == nil {
			return defaultVal
		}
		s := fmt.Sprintf("%v", value)
		if s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})

	e.engine.RegisterFilter("capitalize", func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(string(s[0])) + s[1:]
	})
}

var frontMatterRe = regexp.MustCompile(`(?s)\A---\s*\n(.*?)\n---\s*\n?`)

// splitFrontMatter separates the YAML header from the Liquid body. Templates
// without a header are treated as body-only.
func splitFrontMatter(source string) (frontMatter, string, error) {
	m := frontMatterRe.FindStringSubmatch(source)
	if m == nil {
		return frontMatter{}, source, nil
	}
	var fm frontMatter
	if err := yaml.Unmarshal([]byte(m[1]), &fm); err != nil {
		return frontMatter{}, "", fmt.Errorf("malformed front matter: %w", err)
	}
	return fm, source[len(m[0]):], nil
}

// Render compiles and renders the request. All failure modes return a
// structured *Error with the underlying cause in Details.
func (e *Engine) Render(req Request) (*Result, *Error) {
	if req.OverrideSubject != nil && req.OverrideCategoryID != nil {
		return e.renderRaw(req)
	}

	fm, body, err := splitFrontMatter(req.Source)
	if err != nil {
		return nil, &Error{
			Message:  "template front matter could not be parsed",
			Details:  domain.JSON{"kind": "front-matter-error", "cause": err.Error()},
			Internal: err.Error(),
		}
	}

	tmpl, err := e.compile(body)
	if err != nil {
		return nil, &Error{
			Message:  "template failed to compile",
			Details:  domain.JSON{"kind": "build-error", "cause": err.Error()},
			Internal: err.Error(),
		}
	}

	vars := req.Variables
	if vars == nil {
		vars = map[string]any{}
	}

	html, err := tmpl.RenderString(vars)
	if err != nil {
		return nil, &Error{
			Message:  "template raised an error while rendering",
			Details:  domain.JSON{"kind": "render-error", "cause": err.Error()},
			Internal: err.Error(),
		}
	}

	subject, sErr := e.resolveSubject(fm, req, vars)
	if sErr != nil {
		return nil, sErr
	}

	category, cErr := e.resolveCategory(fm, req)
	if cErr != nil {
		return nil, cErr
	}

	wrapped, err := e.themes.Wrap(req.ThemeID, html)
	if err != nil {
		return nil, &Error{
			Message:  "unknown theme",
			Details:  domain.JSON{"kind": "theme-error", "cause": err.Error()},
			Internal: err.Error(),
		}
	}

	return &Result{
		Subject:         subject,
		HTML:            wrapped,
		Text:            htmlToText(wrapped),
		CategoryID:      category.ID,
		IsTransactional: !category.CanDisable,
	}, nil
}

// renderRaw handles raw html+subject sends. The body is customer markup,
// not a template, so literal {{ or {% sequences in it must not fail the
// render; it is only theme-wrapped.
func (e *Engine) renderRaw(req Request) (*Result, *Error) {
	category, cErr := e.resolveCategory(frontMatter{}, req)
	if cErr != nil {
		return nil, cErr
	}

	wrapped, err := e.themes.Wrap(req.ThemeID, req.Source)
	if err != nil {
		return nil, &Error{
			Message:  "unknown theme",
			Details:  domain.JSON{"kind": "theme-error", "cause": err.Error()},
			Internal: err.Error(),
		}
	}

	text := htmlToText(wrapped)
	if req.OverrideText != nil {
		text = *req.OverrideText
	}

	return &Result{
		Subject:         *req.OverrideSubject,
		HTML:            wrapped,
		Text:            text,
		CategoryID:      category.ID,
		IsTransactional: !category.CanDisable,
	}, nil
}

func (e *Engine) compile(body string) (*liquid.Template, error) {
	if cached, ok := e.cache.Load(body); ok {
		return cached.(*liquid.Template), nil
	}
	tmpl, err := e.engine.ParseString(body)
	if err != nil {
		return nil, err
	}
	e.cache.Store(body, tmpl)
	return tmpl, nil
}

// resolveSubject takes the override when present, otherwise renders the
// front-matter subject as a Liquid string so it can use variables too.
func (e *Engine) resolveSubject(fm frontMatter, req Request, vars map[string]any) (string, *Error) {
	if req.OverrideSubject != nil {
		return *req.OverrideSubject, nil
	}
	if fm.Subject == "" {
		return "", &Error{
			Message: "template does not declare a subject",
			Details: domain.JSON{"kind": "missing-export", "missing": "subject"},
		}
	}
	rendered, err := e.engine.ParseAndRenderString(fm.Subject, vars)
	if err != nil {
		return "", &Error{
			Message:  "subject failed to render",
			Details:  domain.JSON{"kind": "render-error", "cause": err.Error()},
			Internal: err.Error(),
		}
	}
	return rendered, nil
}

func (e *Engine) resolveCategory(fm frontMatter, req Request) (domain.NotificationCategory, *Error) {
	if req.OverrideCategoryID != nil {
		cat, ok := domain.NotificationCategoryByID(*req.OverrideCategoryID)
		if !ok {
			return domain.NotificationCategory{}, &Error{
				Message: "unknown notification category",
				Details: domain.JSON{"kind": "missing-export", "missing": "notification_category"},
			}
		}
		return cat, nil
	}
	if fm.NotificationCategory == "" {
		return domain.NotificationCategory{}, &Error{
			Message: "template does not declare a notification category",
			Details: domain.JSON{"kind": "missing-export", "missing": "notification_category"},
		}
	}
	cat, ok := domain.NotificationCategoryByName(fm.NotificationCategory)
	if !ok {
		return domain.NotificationCategory{}, &Error{
			Message: fmt.Sprintf("unknown notification category %q", fm.NotificationCategory),
			Details: domain.JSON{"kind": "missing-export", "missing": "notification_category"},
		}
	}
	return cat, nil
}

var tagRe = regexp.MustCompile(`<[^>]*>`)
var blankRe = regexp.MustCompile(`\n{3,}`)

// htmlToText produces the plain-text alternative part. Deliberately crude:
// strip tags, collapse blank runs.
func htmlToText(html string) string {
	text := strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n", "</p>", "\n\n").Replace(html)
	text = tagRe.ReplaceAllString(text, "")
	text = blankRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
