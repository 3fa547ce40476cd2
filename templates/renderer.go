// Package templates renders email subjects and HTML bodies from named
// templates. The payment_* and announcement templates are embedded; more can
// be registered or loaded from a directory.
package templates

import (
	"bufio"
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"io/fs"
	"path"
	"strings"
	"sync"
	texttemplate "text/template"

	"github.com/goliatone/go-payhooks/core"
)

//go:embed defaults/*.html defaults/subjects.txt
var defaultFS embed.FS

const (
	layoutName   = "layout"
	contentName  = "content"
	subjectsFile = "subjects.txt"
)

type entry struct {
	subject *texttemplate.Template
	body    *htmltemplate.Template
}

// Renderer is safe for concurrent use. Missing replacement keys render as
// empty strings.
type Renderer struct {
	mu        sync.RWMutex
	layout    *htmltemplate.Template
	templates map[string]entry
}

type Option func(*Renderer) error

// WithDirectory loads <name>.html content templates and an optional
// subjects.txt from dir in fsys. Loaded templates replace embedded ones
// with the same name.
func WithDirectory(fsys fs.FS, dir string) Option {
	return func(r *Renderer) error {
		return r.loadDir(fsys, dir)
	}
}

func New(opts ...Option) (*Renderer, error) {
	layoutSrc, err := fs.ReadFile(defaultFS, "defaults/layout.html")
	if err != nil {
		return nil, fmt.Errorf("templates: read layout: %w", err)
	}
	layout, err := htmltemplate.New(layoutName).Option("missingkey=zero").Parse(string(layoutSrc))
	if err != nil {
		return nil, fmt.Errorf("templates: parse layout: %w", err)
	}
	r := &Renderer{layout: layout, templates: map[string]entry{}}
	if err := r.loadDir(defaultFS, "defaults"); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds or replaces a template. body must define "content"; it is
// rendered inside the shared layout.
func (r *Renderer) Register(name string, subject string, body string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("templates: name is required")
	}
	bodyTmpl, err := r.layout.Clone()
	if err != nil {
		return fmt.Errorf("templates: clone layout: %w", err)
	}
	if !strings.Contains(body, `define "`+contentName+`"`) {
		body = `{{define "` + contentName + `"}}` + body + `{{end}}`
	}
	if _, err := bodyTmpl.Parse(body); err != nil {
		return fmt.Errorf("templates: parse %s: %w", name, err)
	}
	subjectTmpl, err := texttemplate.New(name).Option("missingkey=zero").Parse(subject)
	if err != nil {
		return fmt.Errorf("templates: parse %s subject: %w", name, err)
	}
	r.mu.Lock()
	r.templates[name] = entry{subject: subjectTmpl, body: bodyTmpl}
	r.mu.Unlock()
	return nil
}

func (r *Renderer) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.templates[strings.TrimSpace(name)]
	return ok
}

// Render fails with core.ErrTemplateNotFound for unknown names. A non-empty
// subject overrides the template subject and is itself rendered with the
// replacements.
func (r *Renderer) Render(
	_ context.Context,
	templateName string,
	subject string,
	replacements map[string]string,
) (core.RenderedEmail, error) {
	r.mu.RLock()
	tmpl, ok := r.templates[strings.TrimSpace(templateName)]
	r.mu.RUnlock()
	if !ok {
		return core.RenderedEmail{}, fmt.Errorf("%w: %q", core.ErrTemplateNotFound, templateName)
	}
	data := make(map[string]string, len(replacements)+1)
	for key, value := range replacements {
		data[key] = value
	}
	if _, exists := data["subject"]; !exists {
		data["subject"] = subject
	}

	subjectTmpl := tmpl.subject
	if strings.TrimSpace(subject) != "" {
		override, err := texttemplate.New(templateName).Option("missingkey=zero").Parse(subject)
		if err != nil {
			return core.RenderedEmail{}, core.Permanent(fmt.Errorf("templates: parse subject for %s: %w", templateName, err))
		}
		subjectTmpl = override
	}

	var subjectBuf, bodyBuf bytes.Buffer
	if err := subjectTmpl.Execute(&subjectBuf, data); err != nil {
		return core.RenderedEmail{}, core.Permanent(fmt.Errorf("templates: render subject for %s: %w", templateName, err))
	}
	if err := tmpl.body.ExecuteTemplate(&bodyBuf, layoutName, data); err != nil {
		return core.RenderedEmail{}, core.Permanent(fmt.Errorf("templates: render %s: %w", templateName, err))
	}
	return core.RenderedEmail{
		Subject:  strings.TrimSpace(subjectBuf.String()),
		HTMLBody: bodyBuf.String(),
	}, nil
}

func (r *Renderer) loadDir(fsys fs.FS, dir string) error {
	subjects, err := readSubjects(fsys, path.Join(dir, subjectsFile))
	if err != nil {
		return err
	}
	matches, err := fs.Glob(fsys, path.Join(dir, "*.html"))
	if err != nil {
		return fmt.Errorf("templates: list %s: %w", dir, err)
	}
	for _, match := range matches {
		name := strings.TrimSuffix(path.Base(match), ".html")
		if name == layoutName {
			continue
		}
		body, err := fs.ReadFile(fsys, match)
		if err != nil {
			return fmt.Errorf("templates: read %s: %w", match, err)
		}
		if err := r.Register(name, subjects[name], string(body)); err != nil {
			return err
		}
	}
	return nil
}

// readSubjects parses name=subject lines. A missing file is not an error.
func readSubjects(fsys fs.FS, file string) (map[string]string, error) {
	data, err := fs.ReadFile(fsys, file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("templates: read %s: %w", file, err)
	}
	out := map[string]string{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, subject, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("templates: malformed subject line %q", line)
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(subject)
	}
	return out, scanner.Err()
}

var _ core.TemplateRenderer = (*Renderer)(nil)
