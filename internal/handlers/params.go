package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/huangang/modsentry/pkg/response"
)

// paramID parses the :id route parameter, answering 400 when malformed.
func paramID(c *gin.Context, what string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "invalid "+what+" id")
		return 0, false
	}
	return uint(id), true
}

// bindJSON decodes and validates the request body into a fresh T. On
// failure the 400 has already been written.
func bindJSON[T any](c *gin.Context) (*T, bool) {
	req := new(T)
	if err := c.ShouldBindJSON(req); err != nil {
		response.BadRequest(c, err.Error())
		return nil, false
	}
	return req, true
}

func bindQuery[T any](c *gin.Context) (*T, bool) {
	req := new(T)
	if err := c.ShouldBindQuery(req); err != nil {
		response.BadRequest(c, err.Error())
		return nil, false
	}
	return req, true
}
