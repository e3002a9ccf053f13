package middleware

import (
	midsec "UniRide/middleware/security"

	"github.com/gin-gonic/gin"
)

type RouteOpt struct {
	IsAuth   bool // bearer token of an app user
	Internal bool // shared key of a backend producer
}

// Guard builds the per-route middleware a RouteOpt asks for.
type Guard struct {
	Verifier    midsec.TokenVerifier
	InternalKey string
}

func (g Guard) chain(handler gin.HandlerFunc, opt RouteOpt) []gin.HandlerFunc {
	hs := make([]gin.HandlerFunc, 0, 3)
	if opt.Internal {
		hs = append(hs, midsec.InternalKey(g.InternalKey))
	}
	if opt.IsAuth {
		hs = append(hs, midsec.Middleware(g.Verifier))
	}
	return append(hs, handler)
}

func (g Guard) POST(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	r.POST(path, g.chain(handler, opt)...)
}

func (g Guard) GET(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	r.GET(path, g.chain(handler, opt)...)
}

func (g Guard) PUT(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	r.PUT(path, g.chain(handler, opt)...)
}
