package mailing

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// TemplateService renders Liquid merge templates with parsed-template caching.
type TemplateService struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewTemplateService creates a template service with the merge filters
// campaigns rely on.
func NewTemplateService() *TemplateService {
	ts := &TemplateService{engine: liquid.NewEngine()}
	ts.registerFilters()
	return ts
}

func (ts *TemplateService) registerFilters() {
	// {{ first_name | default: "there" }}
	ts.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		s := fmt.Sprintf("%v", value)
		if s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})

	// {{ name | capitalize }}
	ts.engine.RegisterFilter("capitalize", func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(string(s[0])) + strings.ToLower(s[1:])
	})

	// {{ email | urlencode }}
	ts.engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})

	// {{ user_input | escape }}
	ts.engine.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})
}

// Parse validates template syntax without rendering. The worker uses it
// to tell syntax errors (fatal, subject falls back to the raw string)
// apart from render-time issues.
func (ts *TemplateService) Parse(templateStr string) error {
	_, err := ts.engine.ParseString(templateStr)
	return err
}

// Render parses and renders a template against the merge context. When
// cacheKey is non-empty the parsed template is reused across recipients.
func (ts *TemplateService) Render(cacheKey, templateStr string, bindings map[string]interface{}) (string, error) {
	if cacheKey != "" {
		if cached, ok := ts.cache.Load(cacheKey); ok {
			return cached.(*liquid.Template).RenderString(bindings)
		}
	}
	tpl, err := ts.engine.ParseString(templateStr)
	if err != nil {
		return "", err
	}
	if cacheKey != "" {
		ts.cache.Store(cacheKey, tpl)
	}
	return tpl.RenderString(bindings)
}

var (
	htmlTagRe    = regexp.MustCompile(`<[^>]*>`)
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
	styleBlockRe = regexp.MustCompile(`(?is)<(style|script)[^>]*>.*?</(style|script)>`)
)

// StripHTML derives a plain-text alternative from rendered HTML.
func StripHTML(htmlContent string) string {
	s := styleBlockRe.ReplaceAllString(htmlContent, "")
	s = regexp.MustCompile(`(?i)<br\s*/?>`).ReplaceAllString(s, "\n")
	s = regexp.MustCompile(`(?i)</(p|div|h[1-6]|li|tr)>`).ReplaceAllString(s, "\n")
	s = htmlTagRe.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = blankLinesRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// InjectFooter splices footer HTML into a rendered body just before the
// closing body tag, or appends it when the document has none.
func InjectFooter(body, footer string) string {
	if footer == "" {
		return body
	}
	lower := strings.ToLower(body)
	if idx := strings.LastIndex(lower, "</body>"); idx >= 0 {
		return body[:idx] + footer + body[idx:]
	}
	return body + footer
}
