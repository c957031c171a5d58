// Package render is the boundary to template rendering. The queue processor
// hands a template id and variable map to a Renderer and receives the
// finished subject and bodies; it never substitutes variables itself.
package render

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/osteele/liquid"
)

// ErrTemplateNotFound is returned when the template id is unknown.
var ErrTemplateNotFound = errors.New("template not found")

// Content is a rendered message.
type Content struct {
	Subject string
	HTML    string
	Text    string
}

// Template is a stored, unrendered template.
type Template struct {
	ID      string
	Version int
	Subject string
	HTML    string
	Text    string
}

// Renderer renders a template with vars.
type Renderer interface {
	Render(ctx context.Context, templateID string, vars map[string]any) (Content, error)
}

// TemplateSource loads templates by id.
type TemplateSource interface {
	GetTemplate(ctx context.Context, templateID string) (*Template, error)
}

type compiled struct {
	subject, html, text *liquid.Template
}

// LiquidRenderer renders Liquid templates from a TemplateSource, caching the
// parsed form per id and version.
type LiquidRenderer struct {
	engine *liquid.Engine
	source TemplateSource
	cache  sync.Map // "id@version" -> *compiled
}

// NewLiquidRenderer returns a renderer over source.
func NewLiquidRenderer(source TemplateSource) *LiquidRenderer {
	engine := liquid.NewEngine()
	// {{ first_name | default: "there" }} also covers empty strings.
	engine.RegisterFilter("default", func(value interface{}, fallback string) interface{} {
		if value == nil {
			return fallback
		}
		if s, ok := value.(string); ok && s == "" {
			return fallback
		}
		return value
	})
	return &LiquidRenderer{engine: engine, source: source}
}

// Render loads, parses (once per version) and renders templateID.
func (r *LiquidRenderer) Render(ctx context.Context, templateID string, vars map[string]any) (Content, error) {
	tpl, err := r.source.GetTemplate(ctx, templateID)
	if err != nil {
		return Content{}, err
	}

	key := fmt.Sprintf("%s@%d", tpl.ID, tpl.Version)
	c, ok := r.cache.Load(key)
	if !ok {
		parsed, err := r.parse(tpl)
		if err != nil {
			return Content{}, fmt.Errorf("parse template %s: %w", templateID, err)
		}
		c, _ = r.cache.LoadOrStore(key, parsed)
	}
	cc := c.(*compiled)

	bindings := liquid.Bindings(vars)
	var out Content
	if out.Subject, err = renderPart(cc.subject, bindings); err != nil {
		return Content{}, fmt.Errorf("render subject of %s: %w", templateID, err)
	}
	if out.HTML, err = renderPart(cc.html, bindings); err != nil {
		return Content{}, fmt.Errorf("render html of %s: %w", templateID, err)
	}
	if out.Text, err = renderPart(cc.text, bindings); err != nil {
		return Content{}, fmt.Errorf("render text of %s: %w", templateID, err)
	}
	return out, nil
}

func (r *LiquidRenderer) parse(tpl *Template) (*compiled, error) {
	var c compiled
	var err error
	if c.subject, err = r.parseOptional(tpl.Subject); err != nil {
		return nil, err
	}
	if c.html, err = r.parseOptional(tpl.HTML); err != nil {
		return nil, err
	}
	if c.text, err = r.parseOptional(tpl.Text); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *LiquidRenderer) parseOptional(src string) (*liquid.Template, error) {
	if src == "" {
		return nil, nil
	}
	t, err := r.engine.ParseString(src)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func renderPart(t *liquid.Template, b liquid.Bindings) (string, error) {
	if t == nil {
		return "", nil
	}
	s, err := t.RenderString(b)
	if err != nil {
		return "", err
	}
	return s, nil
}

// MapSource is an in-memory TemplateSource.
type MapSource struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewMapSource returns a source holding tpls.
func NewMapSource(tpls ...*Template) *MapSource {
	s := &MapSource{templates: make(map[string]*Template)}
	for _, t := range tpls {
		s.Put(t)
	}
	return s
}

// Put stores t, replacing any earlier version.
func (s *MapSource) Put(t *Template) {
	s.mu.Lock()
	s.templates[t.ID] = t
	s.mu.Unlock()
}

// GetTemplate implements TemplateSource.
func (s *MapSource) GetTemplate(_ context.Context, id string) (*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, ErrTemplateNotFound
	}
	return t, nil
}
