package portal

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
)

//go:embed templates
var templateFS embed.FS

// PageData fills the page templates.
type PageData struct {
	Title string
	SSID  string
}

// Pages are the two documents the portal serves, rendered once and then
// written verbatim to every client.
type Pages struct {
	Control []byte
	Logout  []byte
}

// TemplateManager handles template parsing and rendering
type TemplateManager struct {
	templates *template.Template
}

// NewTemplateManager parses every HTML template under templates/ in fsys.
func NewTemplateManager(fsys fs.FS) (*TemplateManager, error) {
	templates, err := template.ParseFS(fsys, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parsing page templates: %w", err)
	}
	return &TemplateManager{templates: templates}, nil
}

// Render executes the control and logout templates with data.
func (tm *TemplateManager) Render(data PageData) (*Pages, error) {
	control, err := tm.execute("control.html", data)
	if err != nil {
		return nil, err
	}
	logout, err := tm.execute("logout.html", data)
	if err != nil {
		return nil, err
	}
	return &Pages{Control: control, Logout: logout}, nil
}

func (tm *TemplateManager) execute(name string, data PageData) ([]byte, error) {
	var buf bytes.Buffer
	if err := tm.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return nil, fmt.Errorf("rendering %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

// RenderPages renders the built-in pages.
func RenderPages(data PageData) (*Pages, error) {
	tm, err := NewTemplateManager(templateFS)
	if err != nil {
		return nil, err
	}
	return tm.Render(data)
}
