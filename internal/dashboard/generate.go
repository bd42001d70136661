// Package dashboard renders Grafana dashboards for the history tables.
package dashboard

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

//go:embed templates/*.json.tmpl
var templates embed.FS

// Tables names the history tables the dashboards query.
type Tables struct {
	ContactTable   string
	TelemetryTable string
}

func funcMap(lookup func(string) string) template.FuncMap {
	return template.FuncMap{
		"env": func(key string) (string, error) {
			v := lookup(key)
			if v == "" {
				return "", fmt.Errorf("environment variable %s not set", key)
			}
			return v, nil
		},
	}
}

// Render executes every embedded template and writes the dashboards to
// outDir. Datasource uids come from the environment.
func Render(outDir string, tables Tables) error {
	return render(outDir, tables, os.Getenv)
}

func render(outDir string, tables Tables, lookup func(string) string) error {
	names, err := fs.Glob(templates, "templates/*.json.tmpl")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	for _, name := range names {
		t, err := template.New(filepath.Base(name)).Funcs(funcMap(lookup)).ParseFS(templates, name)
		if err != nil {
			return err
		}
		outPath := filepath.Join(outDir, strings.TrimSuffix(filepath.Base(name), ".tmpl"))
		f, err := os.Create(outPath)
		if err != nil {
			return err
		}
		if err := t.Execute(f, tables); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}
