package router

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/hertz-contrib/keyauth"

	"interview-buddy-go/internal/api/handler"
)

// ErrInvalidAPIKey 请求未携带有效的 API 密钥
var ErrInvalidAPIKey = errors.New("invalid API key")

// Options 路由级中间件配置
type Options struct {
	FrontendURL string   // CORS 允许的来源，为空时允许任意来源
	APIKeys     []string // 为空时不校验
}

// RegisterRoutes 注册 API 路由
func RegisterRoutes(h *server.Hertz, ih *handler.InterviewHandler, opts Options) {
	h.Use(CORS(opts.FrontendURL))
	// 预检请求由 CORS 中间件直接返回
	h.OPTIONS("/*path", func(c context.Context, ctx *app.RequestContext) {})

	api := h.Group("/api")
	api.GET("/health", ih.Health)

	if len(opts.APIKeys) > 0 {
		api.Use(APIKeyAuth(opts.APIKeys))
	}
	api.POST("/start", ih.Start)
	api.POST("/answer", ih.Answer)
	api.POST("/end", ih.End)
	api.GET("/export/:sessionId", ih.Export)
	api.POST("/resume/extract", ih.ExtractResume)
}

// CORS 允许前端跨域访问
func CORS(allowOrigin string) app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		origin := strings.TrimSpace(string(ctx.Request.Header.Peek("Origin")))
		switch {
		case allowOrigin == "" || allowOrigin == "*":
			ctx.Response.Header.Set("Access-Control-Allow-Origin", "*")
		case origin != "" && strings.EqualFold(strings.TrimRight(origin, "/"), strings.TrimRight(allowOrigin, "/")):
			ctx.Response.Header.Set("Access-Control-Allow-Origin", origin)
			ctx.Response.Header.Set("Vary", "Origin")
		}
		ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		ctx.Response.Header.Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, Content-Length")

		if string(ctx.Method()) == consts.MethodOptions {
			ctx.AbortWithStatus(consts.StatusNoContent)
			return
		}
		ctx.Next(c)
	}
}

// APIKeyAuth 校验 Authorization: Bearer <key>
func APIKeyAuth(keys []string) app.HandlerFunc {
	return keyauth.New(
		keyauth.WithKeyLookUp("header:Authorization", "Bearer"),
		keyauth.WithValidator(func(_ context.Context, _ *app.RequestContext, key string) (bool, error) {
			for _, k := range keys {
				if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
					return true, nil
				}
			}
			return false, ErrInvalidAPIKey
		}),
		keyauth.WithErrorHandler(func(_ context.Context, ctx *app.RequestContext, _ error) {
			ctx.AbortWithStatusJSON(consts.StatusUnauthorized, utils.H{"error": "Invalid or missing API key"})
		}),
	)
}
