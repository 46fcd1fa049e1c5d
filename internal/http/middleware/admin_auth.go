package middleware

import (
	"bytes"
	"encoding/base64"
	"strings"

	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	dbpkg "abengine/internal/db"
	httpctx "abengine/internal/http/ctx"
)

// AdminAuth returns middleware that checks HTTP basic credentials against the
// users table and only lets admin users through.
func AdminAuth(db *gorm.DB) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			username, password, ok := basicCredentials(ctx.Request.Header.Peek("Authorization"))
			if !ok {
				unauthorized(ctx)
				return
			}

			reqCtx, cancel := httpctx.Context(ctx)
			user, err := dbpkg.Authenticate(reqCtx, db, username, password)
			cancel()
			if err != nil {
				unauthorized(ctx)
				return
			}
			if !user.IsAdmin {
				ctx.SetStatusCode(fasthttp.StatusForbidden)
				ctx.SetBodyString("admin access required")
				return
			}

			httpctx.SetUser(ctx, user)
			next(ctx)
		}
	}
}

func basicCredentials(auth []byte) (username, password string, ok bool) {
	const prefix = "Basic "
	if !bytes.HasPrefix(auth, []byte(prefix)) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(auth[len(prefix):])))
	if err != nil {
		return "", "", false
	}
	username, password, ok = strings.Cut(string(decoded), ":")
	if !ok || username == "" {
		return "", "", false
	}
	return username, password, true
}

func unauthorized(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("WWW-Authenticate", `Basic realm="abengine"`)
	ctx.SetStatusCode(fasthttp.StatusUnauthorized)
	ctx.SetBodyString("unauthorized")
}
