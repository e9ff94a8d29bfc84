// Package web renders the HTML pages the HTTP vhost answers with when it cannot reach a tunnel.
package web

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/matst80/backhaul/internal/obs"
)

//go:embed templates/*.html
var tmplFS embed.FS

// Page names.
const (
	NotFound = "notfound.html"
	Down     = "down.html"
	Timeout  = "timeout.html"
)

var (
	once  sync.Once
	pages map[string]*template.Template
)

func load() {
	base := template.Must(template.New("base").ParseFS(tmplFS, "templates/base.html"))
	pages = make(map[string]*template.Template)
	for _, name := range []string{NotFound, Down, Timeout} {
		t := template.Must(base.Clone())
		pages[name] = template.Must(t.ParseFS(tmplFS, "templates/"+name))
	}
}

// Render writes page to w with data enriched by Now, Status and StatusText.
func Render(w io.Writer, page string, status int, data map[string]any) error {
	once.Do(load)
	t, ok := pages[page]
	if !ok {
		return fmt.Errorf("unknown page %q", page)
	}
	if data == nil {
		data = map[string]any{}
	}
	data["Now"] = time.Now().Format(time.RFC822)
	data["Status"] = status
	data["StatusText"] = http.StatusText(status)
	return t.ExecuteTemplate(w, "base", data)
}

// WriteError writes a complete HTTP/1.1 response carrying page to w. It falls back to a plain
// text body when the page does not render.
func WriteError(w io.Writer, status int, page string, data map[string]any) error {
	var body bytes.Buffer
	ctype := "text/html; charset=utf-8"
	if err := Render(&body, page, status, data); err != nil {
		obs.Error("web.render", obs.Fields{"page": page, "err": err})
		body.Reset()
		body.WriteString(http.StatusText(status))
		ctype = "text/plain; charset=utf-8"
	}
	var head bytes.Buffer
	fmt.Fprintf(&head, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	fmt.Fprintf(&head, "Content-Type: %s\r\n", ctype)
	fmt.Fprintf(&head, "Content-Length: %d\r\n", body.Len())
	head.WriteString("Cache-Control: no-store\r\nConnection: close\r\n\r\n")
	_, err := w.Write(append(head.Bytes(), body.Bytes()...))
	return err
}
