package router

import (
	"bytes"
	"html/template"
	"net/http"
	"strconv"
)

const errorPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; margin: 4em auto; max-width: 40em; color: #222; }
h1 { font-size: 1.4em; }
code { background: #f2f2f2; padding: 0.1em 0.3em; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
{{if .Code}}<p>Error code: <code>{{.Code}}</code></p>{{end}}
<p><small>HTTP {{.Status}}</small></p>
</body>
</html>
`

type errorPage struct {
	tmpl *template.Template
}

func newErrorPage() *errorPage {
	return &errorPage{tmpl: template.Must(template.New("error").Parse(errorPageHTML))}
}

func (p *errorPage) render(w http.ResponseWriter, status int, title, message, code string) {
	var buf bytes.Buffer
	err := p.tmpl.Execute(&buf, struct {
		Title, Message, Code string
		Status               int
	}{title, message, code, status})
	if err != nil {
		http.Error(w, message, status)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}
