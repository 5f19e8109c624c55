package middleware

import (
	"github.com/gin-gonic/gin"
)

// RouteOpt 路由选项
type RouteOpt struct {
	// Auth runs before the handler when set.
	Auth gin.HandlerFunc
}

func handlers(h gin.HandlerFunc, opt RouteOpt) []gin.HandlerFunc {
	if opt.Auth != nil {
		return []gin.HandlerFunc{opt.Auth, h}
	}
	return []gin.HandlerFunc{h}
}

// 封装 POST
func POST(r gin.IRoutes, path string, h gin.HandlerFunc, opt RouteOpt) {
	r.POST(path, handlers(h, opt)...)
}

// 封装 GET
func GET(r gin.IRoutes, path string, h gin.HandlerFunc, opt RouteOpt) {
	r.GET(path, handlers(h, opt)...)
}
