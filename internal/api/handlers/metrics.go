package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetOverview returns the dashboard summary of the request project, or of
// every project when the request is not scoped.
func (h *Handler) GetOverview(c *gin.Context) {
	overview, err := h.projects.Overview(c.Request.Context(), projectID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, overview)
}
