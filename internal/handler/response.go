package handler

import (
	"github.com/gin-gonic/gin"
)

const jsonContentType = "application/json; charset=utf-8"

// SuccessResponse 成功响应
func SuccessResponse(c *gin.Context, statusCode int, message string, data interface{}) {
	c.JSON(statusCode, Response{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// ErrorResponse 错误响应，data 固定为 null
func ErrorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, Response{
		Success: false,
		Message: message,
	})
}

// RawResponse 写出已编码的 JSON 响应体，用于幂等重放
func RawResponse(c *gin.Context, statusCode int, body []byte) {
	c.Data(statusCode, jsonContentType, body)
}
