package response

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Response API响应结构
type Response struct {
	Success   bool        `json:"success"`
	Code      int         `json:"code"`
	Message   string      `json:"message,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// WriteError 返回错误响应（net/http版，供订阅服务使用）
func WriteError(w http.ResponseWriter, statusCode int, message string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := Response{
		Success:   false,
		Code:      statusCode,
		Message:   message,
		Timestamp: time.Now().Unix(),
	}
	if err != nil {
		resp.Error = err.Error()
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// InternalServerError 返回服务器错误响应
func InternalServerError(w http.ResponseWriter, message string, err error) {
	WriteError(w, http.StatusInternalServerError, message, err)
}

// === Gin 版本 ===

// Success 返回成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Success:   true,
		Code:      http.StatusOK,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

// SuccessWithMessage 返回带消息的成功响应
func SuccessWithMessage(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Success:   true,
		Code:      http.StatusOK,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

// Created 返回资源创建成功响应
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Success:   true,
		Code:      http.StatusCreated,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

// Error 返回错误响应
func Error(c *gin.Context, statusCode int, message string, err error) {
	resp := Response{
		Success:   false,
		Code:      statusCode,
		Message:   message,
		Timestamp: time.Now().Unix(),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	c.JSON(statusCode, resp)
}

// BadRequest 返回请求错误响应
func BadRequest(c *gin.Context, message string, err ...error) {
	Error(c, http.StatusBadRequest, message, first(err))
}

// Unauthorized 返回未授权响应
func Unauthorized(c *gin.Context, message string, err ...error) {
	Error(c, http.StatusUnauthorized, message, first(err))
}

// Forbidden 返回禁止访问响应
func Forbidden(c *gin.Context, message string, err ...error) {
	Error(c, http.StatusForbidden, message, first(err))
}

// NotFound 返回资源不存在响应
func NotFound(c *gin.Context, message string, err ...error) {
	Error(c, http.StatusNotFound, message, first(err))
}

// Conflict 返回资源冲突响应
func Conflict(c *gin.Context, message string, err ...error) {
	Error(c, http.StatusConflict, message, first(err))
}

// InternalError 返回服务器错误响应
func InternalError(c *gin.Context, message string, err ...error) {
	Error(c, http.StatusInternalServerError, message, first(err))
}

func first(errs []error) error {
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
