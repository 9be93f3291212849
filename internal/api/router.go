package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts the management routes under ManagementPrefix and sends
// every other request through the interception point.
func NewRouter(manage, intercept http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Mount(ManagementPrefix, manage)
	r.Handle("/*", intercept)
	return r
}
