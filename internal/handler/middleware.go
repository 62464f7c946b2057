package handler

import (
	"log"
	"net"
	"net/http"
	"time"

	"nanogen/pkg/response"

	"github.com/gin-gonic/gin"
)

// Logger 请求日志中间件
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Printf("[HTTP] %s %s %d %v", c.Request.Method, c.Request.URL.Path,
			c.Writer.Status(), time.Since(start))
	}
}

// Recovery panic 兜底中间件
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[HTTP] panic: %v", r)
				response.ServerError(c, "内部错误")
				c.Abort()
			}
		}()
		c.Next()
	}
}

// CORS 跨域中间件
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, X-Admin-Token")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// AdminAuth 管理接口鉴权
func AdminAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" || c.GetHeader("X-Admin-Token") != token {
			response.Error(c, response.CodeUnauthorized, "未授权")
			c.Abort()
			return
		}
		c.Next()
	}
}

// IPAllowlist webhook 来源 IP 白名单，支持单个 IP 与 CIDR
//
// 白名单外的请求直接拒绝，连报文都不解析。白名单为空时放行
// （开发环境），生产必须配置。
func IPAllowlist(allowed []string) gin.HandlerFunc {
	var nets []*net.IPNet
	var ips []net.IP
	for _, entry := range allowed {
		if _, ipNet, err := net.ParseCIDR(entry); err == nil {
			nets = append(nets, ipNet)
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			ips = append(ips, ip)
		} else {
			log.Printf("[Webhook] 白名单条目不合法，忽略: %s", entry)
		}
	}

	return func(c *gin.Context) {
		if len(nets) == 0 && len(ips) == 0 {
			c.Next()
			return
		}

		remoteIP := net.ParseIP(c.ClientIP())
		if remoteIP != nil {
			for _, ip := range ips {
				if ip.Equal(remoteIP) {
					c.Next()
					return
				}
			}
			for _, ipNet := range nets {
				if ipNet.Contains(remoteIP) {
					c.Next()
					return
				}
			}
		}

		log.Printf("[Webhook] 拒绝白名单外的来源: %s", c.ClientIP())
		c.AbortWithStatus(http.StatusForbidden)
	}
}
