package middleware

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
)

const ProjectHeader = "X-Project-ID"

var projectPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// Project scopes the request to the project named by the X-Project-ID
// header or the project_id query parameter. Unscoped requests see every
// project.
func Project() gin.HandlerFunc {
	return func(c *gin.Context) {
		project := c.GetHeader(ProjectHeader)
		if project == "" {
			project = c.Query("project_id")
		}

		if project != "" {
			if !projectPattern.MatchString(project) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid project id"})
				c.Abort()
				return
			}
			c.Set("project_id", project)
		}

		c.Next()
	}
}
