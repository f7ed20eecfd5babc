package api

import (
	_ "embed"
	"fmt"
	"net/http"

	"swipe-companion/backend/pkg/validator"

	"github.com/gin-gonic/gin"
)

//go:embed openapi.yaml
var openAPIDocument []byte

func newValidator() (*validator.OpenAPIValidator, error) {
	v, err := validator.NewOpenAPIValidator(openAPIDocument)
	if err != nil {
		return nil, fmt.Errorf("load API document: %w", err)
	}
	return v, nil
}

// serveDocument serves the embedded API document
func serveDocument(c *gin.Context) {
	c.Data(http.StatusOK, "application/yaml", openAPIDocument)
}
