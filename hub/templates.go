package main

import (
	"html/template"
	"io/fs"
	"path"
	"strconv"
	"time"

	"hydrofirma/growunit/hub/ui"
	"hydrofirma/growunit/store"
	"hydrofirma/growunit/telemetry"
)

type templateData struct {
	CurrentYear int
	Units       []unitView
	Commands    []store.CommandRecord
	Form        any
	Flash       string
	CSRFToken   string
}

type unitView struct {
	unitStatus
	LastSeen string
}

func humanDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("02 Jan 2006 at 15:04")
}

// reading renders a sensor as "value / setpoint".
func reading(v telemetry.VerboseStatus, name string) string {
	r, ok := v.Sensors[name]
	if !ok || r.Value == nil {
		return "-"
	}
	s := strconv.FormatFloat(*r.Value, 'f', -1, 64)
	if r.Setpoint != nil {
		s += " / " + strconv.FormatFloat(*r.Setpoint, 'f', -1, 64)
	}
	return s
}

var functions = template.FuncMap{
	"humanDate": humanDate,
	"reading":   reading,
}

func newTemplateCache() (map[string]*template.Template, error) {
	cache := map[string]*template.Template{}

	pages, err := fs.Glob(ui.Files, "html/pages/*.html")
	if err != nil {
		return nil, err
	}

	for _, page := range pages {
		name := path.Base(page)
		patterns := []string{
			"html/base.html",
			page,
		}
		ts, err := template.New(name).Funcs(functions).ParseFS(ui.Files, patterns...)
		if err != nil {
			return nil, err
		}
		cache[name] = ts
	}
	return cache, nil
}
