package assets

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"path"
	"strings"
)

//go:embed files/templates/*.html files/static/*
var FS embed.FS

// DashboardData feeds files/templates/dashboard.html.
type DashboardData struct {
	Title        string
	Version      string
	Models       []string
	Tools        []string
	DefaultModel string
	VPNStatus    string
}

func ParseTemplates() (*template.Template, error) {
	t, err := template.ParseFS(FS, "files/templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse embedded templates: %w", err)
	}
	return t, nil
}

func RenderDashboard(t *template.Template, data DashboardData) ([]byte, error) {
	if data.Title == "" {
		data.Title = "duckbridge"
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "dashboard.html", data); err != nil {
		return nil, fmt.Errorf("render dashboard: %w", err)
	}
	return buf.Bytes(), nil
}

func LoadStaticAsset(name string) ([]byte, error) {
	clean := strings.TrimPrefix(path.Clean("/"+name), "/")
	if clean == "" || clean == "." || strings.HasPrefix(clean, "..") {
		return nil, fmt.Errorf("invalid static asset name")
	}
	b, err := FS.ReadFile("files/static/" + clean)
	if err != nil {
		return nil, fmt.Errorf("read static asset: %w", err)
	}
	return b, nil
}
