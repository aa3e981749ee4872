package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	appErrors "github.com/clinicore/clinicore/pkg/errors"
	"github.com/clinicore/clinicore/pkg/validator"
)

// Envelope is the uniform payload returned by every API operation.
type Envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Errors  []string    `json:"errors"`
}

// OK writes a success envelope with the supplied message and data.
func OK(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Envelope{
		Success: true,
		Message: message,
		Data:    data,
		Errors:  []string{},
	})
}

// Created writes a 201 success envelope.
func Created(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusCreated, Envelope{
		Success: true,
		Message: message,
		Data:    data,
		Errors:  []string{},
	})
}

// Error writes a failure envelope derived from the supplied error. Field
// level validation failures are expanded into the errors list; everything
// else renders the AppError message only, so internal details never reach
// the response body.
func Error(c *gin.Context, err error) {
	if err == nil {
		err = appErrors.ErrInternalServer
	}

	if fieldErrs, ok := err.(validator.ValidationErrors); ok {
		details := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			details = append(details, fe.Describe())
		}
		c.JSON(http.StatusBadRequest, Envelope{
			Success: false,
			Message: appErrors.ErrBadRequest.Message,
			Errors:  details,
		})
		return
	}

	appErr := appErrors.FromError(err)
	status := appErr.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}

	c.JSON(status, Envelope{
		Success: false,
		Message: appErr.Message,
		Errors:  []string{appErr.Code},
	})
}
