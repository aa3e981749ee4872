package handlers

import (
	"github.com/gin-gonic/gin"

	appErrors "github.com/clinicore/clinicore/pkg/errors"
	"github.com/clinicore/clinicore/pkg/response"
	appValidator "github.com/clinicore/clinicore/pkg/validator"
)

func bindAndValidate[T any](c *gin.Context, dest *T) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		response.Error(c, appErrors.NewBadRequest("invalid JSON payload"))
		return false
	}

	if err := appValidator.ValidateStruct(dest); err != nil {
		response.Error(c, err)
		return false
	}

	return true
}
