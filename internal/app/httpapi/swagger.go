package httpapi

import (
	_ "embed"
	"net/http"
)

//go:embed swagger.yaml
var swaggerYAML []byte

// openAPI serves the embedded OpenAPI description. Both / and /swagger.yaml
// answer with the document itself.
func (h *Handler) openAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(swaggerYAML)
}
