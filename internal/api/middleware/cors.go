package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS allows any origin on the methods the API serves. Preflight requests
// are answered directly and never reach auth or rate limiting.
var CORS = cors.Handler(cors.Options{
	AllowedOrigins: []string{"*"},
	AllowedMethods: []string{
		http.MethodGet, http.MethodHead, http.MethodPut, http.MethodPatch,
		http.MethodPost, http.MethodDelete, http.MethodOptions,
	},
	AllowedHeaders: []string{"*"},
	ExposedHeaders: []string{"Content-Disposition", "Content-Length"},
	MaxAge:         300,
})
