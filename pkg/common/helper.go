package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fxpulse.com/pkg/logger"
	"fxpulse.com/pkg/xerr"
)

// Response is the envelope every API answer uses.
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

func Success(ctx *gin.Context, data interface{}) {
	ctx.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: http.StatusText(http.StatusOK),
		Data:    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, message string) {
	c.JSON(httpStatus, Response{
		Code:    code,
		Message: message,
		Data:    nil,
	})
}

// FailErr answers with the CodeError carried by err; anything else is a 500.
func FailErr(c *gin.Context, err error) {
	ce := xerr.FromError(err)
	status := xerr.HTTPStatus(ce.Code)
	if status >= http.StatusInternalServerError {
		logger.Warn(c, "http error",
			zap.String("request_id", RequestIDFromGin(c)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("biz_code", ce.Code),
			zap.Error(err),
		)
	}
	Fail(c, status, ce.Code, ce.Msg)
}
