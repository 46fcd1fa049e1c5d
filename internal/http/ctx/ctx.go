package ctx

import (
	"context"
	"time"

	"github.com/valyala/fasthttp"

	dbpkg "abengine/internal/db"
)

const (
	UserKey   = "user"
	APIKeyKey = "apiKey"
)

// RequestTimeout bounds the store and broker work done for one request.
const RequestTimeout = 10 * time.Second

// Context returns a context for the work of one request.
func Context(_ *fasthttp.RequestCtx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), RequestTimeout)
}

func SetUser(ctx *fasthttp.RequestCtx, user *dbpkg.User) {
	ctx.SetUserValue(UserKey, user)
}

func UserFromCtx(ctx *fasthttp.RequestCtx) (*dbpkg.User, bool) {
	u, ok := ctx.UserValue(UserKey).(*dbpkg.User)
	return u, ok && u != nil
}

func SetAPIKey(ctx *fasthttp.RequestCtx, apiKey *dbpkg.APIKey) {
	ctx.SetUserValue(APIKeyKey, apiKey)
}

func APIKeyFromCtx(ctx *fasthttp.RequestCtx) (*dbpkg.APIKey, bool) {
	ak, ok := ctx.UserValue(APIKeyKey).(*dbpkg.APIKey)
	return ak, ok && ak != nil
}
