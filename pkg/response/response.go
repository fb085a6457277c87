package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeUnauthorized  = 401
	CodeForbidden     = 403
	CodeNotFound      = 404
	CodeServerError   = 500
	CodeBusinessError = 1000
)

const (
	CodeTokenNotFound         = 1001
	CodeBalanceNotEnough      = 1002
	CodeAllowanceNotEnough    = 1003
	CodeSelfDealing           = 1004
	CodeListingNotFound       = 1005
	CodeListingInactive       = 1006
	CodeListedAmountNotEnough = 1007
	CodePaymentFailed         = 1008
	CodeTokenTransferFailed   = 1009
	CodeInvalidToken          = 1010
	CodeInvalidAmount         = 1011
	CodeNotSeller             = 1012
	CodeProfileNotFound       = 1013
	CodeReconciliationFailed  = 1099
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, code, message)
}
