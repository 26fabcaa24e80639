package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nadsoft/students-api/internal/models"
	appErrors "github.com/nadsoft/students-api/pkg/errors"
)

// Envelope represents the common response contract. Every payload carries
// success; the remaining keys depend on the operation.
type Envelope struct {
	Success bool             `json:"success"`
	Student interface{}      `json:"student,omitempty"`
	Meta    *models.PageMeta `json:"meta,omitempty"`
	Data    interface{}      `json:"data,omitempty"`
	Message string           `json:"message,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// JSON sends a success envelope.
func JSON(c *gin.Context, status int, envelope Envelope) {
	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")
	envelope.Success = true
	c.JSON(status, envelope)
}

// Student responds with a single student under the "student" key.
func Student(c *gin.Context, status int, student interface{}) {
	JSON(c, status, Envelope{Student: student})
}

// Created responds with HTTP 201 Created.
func Created(c *gin.Context, student interface{}) {
	Student(c, http.StatusCreated, student)
}

// Paginated responds with a page of rows and its metadata.
func Paginated(c *gin.Context, data interface{}, meta models.PageMeta) {
	JSON(c, http.StatusOK, Envelope{Meta: &meta, Data: data})
}

// Message responds with a bare confirmation message.
func Message(c *gin.Context, message string) {
	JSON(c, http.StatusOK, Envelope{Message: message})
}

// Error sends an error response converting the error to the common structure.
// Not-found failures use the "message" key, everything else uses "error".
func Error(c *gin.Context, err error) {
	appErr := appErrors.FromError(err)
	_ = c.Error(appErr)
	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")
	envelope := Envelope{Success: false}
	if appErr.Status == http.StatusNotFound {
		envelope.Message = appErr.Message
	} else {
		envelope.Error = appErr.Error()
	}
	c.AbortWithStatusJSON(appErr.Status, envelope)
}
