// Package web serves the embedded chat page.
package web

import (
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"path"
	"strings"
)

//go:embed all:dist
var distFS embed.FS

// apiPrefix belongs to the relay; nothing under it is answered with the page.
const apiPrefix = "api"

// SPAHandler serves files from dist/ and answers any other path with the
// chat page. Paths under /api/ get a JSON 404.
func SPAHandler() http.Handler {
	static, err := fs.Sub(distFS, "dist")
	if err != nil {
		panic(fmt.Sprintf("web: open dist: %v", err))
	}
	files := http.FileServer(http.FS(static))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
		if name == apiPrefix || strings.HasPrefix(name, apiPrefix+"/") {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not found"}`))
			return
		}

		w.Header().Set("Cache-Control", "no-cache")
		if !isFile(static, name) {
			http.ServeFileFS(w, r, static, "index.html")
			return
		}
		files.ServeHTTP(w, r)
	})
}

func isFile(fsys fs.FS, name string) bool {
	if name == "" {
		return false
	}
	info, err := fs.Stat(fsys, name)
	return err == nil && !info.IsDir()
}
