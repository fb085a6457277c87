package handler

import (
	"log"
	"strings"
	"time"

	"tokenmarket/internal/model"
	"tokenmarket/pkg/response"

	"github.com/gin-gonic/gin"
)

const (
	// AccountHeader 由上游身份网关注入的已认证账户标识
	AccountHeader = "X-Account-ID"
	callerKey     = "caller"
)

// LoggerMiddleware 日志中间件
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		// 处理请求
		c.Next()

		// 记录日志
		latency := time.Since(start)
		status := c.Writer.Status()

		if query != "" {
			path = path + "?" + query
		}

		log.Printf("[HTTP] %d | %13v | %15s | %-7s %s | caller=%s",
			status,
			latency,
			c.ClientIP(),
			c.Request.Method,
			path,
			Caller(c),
		)
	}
}

// RecoveryMiddleware 恢复中间件，防止 panic 导致服务崩溃
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("[PANIC] %v", err)
				c.AbortWithStatusJSON(500, gin.H{
					"code":    500,
					"message": "服务器内部错误",
				})
			}
		}()
		c.Next()
	}
}

// CORSMiddleware 跨域中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID, "+AccountHeader)

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// IdentityMiddleware 读取调用方账户，缺失时视为匿名，由各业务入口拒绝
// reserved 中的系统账户不能作为外部调用方
func IdentityMiddleware(reserved ...model.Account) gin.HandlerFunc {
	return func(c *gin.Context) {
		account := model.Account(strings.TrimSpace(c.GetHeader(AccountHeader)))
		if account == "" {
			account = model.AnonymousAccount
		}
		for _, r := range reserved {
			if account == r {
				log.Printf("[Identity] 拒绝系统账户作为调用方: account=%s, path=%s", account, c.Request.URL.Path)
				response.BusinessError(c, response.CodeForbidden, "系统保留账户不能作为调用方")
				c.Abort()
				return
			}
		}
		c.Set(callerKey, account)
		c.Next()
	}
}

// Caller 当前请求的调用方
func Caller(c *gin.Context) model.Account {
	if v, ok := c.Get(callerKey); ok {
		if account, ok := v.(model.Account); ok {
			return account
		}
	}
	return model.AnonymousAccount
}
