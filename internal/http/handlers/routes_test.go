package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"abengine/internal/config"
	dbpkg "abengine/internal/db"
	"abengine/internal/experiment"
)

type testServer struct {
	handler fasthttp.RequestHandler
	db      *gorm.DB
	logs    *observer.ObservedLogs
	apiKey  string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, dbpkg.Migrate(gdb))

	cfg := &config.Config{AdminUser: "admin", AdminPassword: "s3cret", RetentionDays: 90}
	ctx := context.Background()
	admin, err := dbpkg.EnsureBootstrapAdmin(ctx, gdb, cfg)
	require.NoError(t, err)
	key, err := dbpkg.CreateAPIKey(ctx, gdb, admin, "storefront")
	require.NoError(t, err)

	core, logs := observer.New(zapcore.InfoLevel)
	svc := experiment.NewService(dbpkg.NewStore(gdb), dbpkg.NewOrderHistory(gdb))
	return &testServer{
		handler: NewRouter(svc, gdb, cfg, zap.New(core)),
		db:      gdb,
		logs:    logs,
		apiKey:  key.Key,
	}
}

const (
	asAdmin  = "admin"
	asClient = "client"
)

func (s *testServer) do(method, uri, body, as string) *fasthttp.RequestCtx {
	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	if body != "" {
		ctx.Request.Header.SetContentType("application/json")
		ctx.Request.SetBodyString(body)
	}
	switch as {
	case asAdmin:
		ctx.Request.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("admin:s3cret")))
	case asClient:
		ctx.Request.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	s.handler(&ctx)
	return &ctx
}

func TestRouterHealthz(t *testing.T) {
	srv := newTestServer(t)
	ctx := srv.do("GET", "/healthz", "", "")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "ok", string(ctx.Response.Body()))
}

func TestRouterSeparatesAdminAndClientAuth(t *testing.T) {
	srv := newTestServer(t)

	assert.Equal(t, fasthttp.StatusUnauthorized, srv.do("GET", "/v1/experiments", "", "").Response.StatusCode())
	assert.Equal(t, fasthttp.StatusUnauthorized, srv.do("GET", "/v1/experiments", "", asClient).Response.StatusCode(),
		"client keys do not open admin routes")
	assert.Equal(t, fasthttp.StatusOK, srv.do("GET", "/v1/experiments", "", asAdmin).Response.StatusCode())

	assert.Equal(t, fasthttp.StatusUnauthorized, srv.do("POST", "/v1/events", `{"events":[]}`, "").Response.StatusCode())
}

func TestRouterEndToEnd(t *testing.T) {
	srv := newTestServer(t)

	ctx := srv.do("POST", "/v1/experiments", createBody, asAdmin)
	require.Equal(t, fasthttp.StatusCreated, ctx.Response.StatusCode(), "body: %s", ctx.Response.Body())
	var view experimentView
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &view))
	base := "/v1/experiments/" + view.ID

	require.Equal(t, fasthttp.StatusOK, srv.do("POST", base+"/start", "", asAdmin).Response.StatusCode())

	ctx = srv.do("POST", base+"/assignments", `{"subject_id":"aaa"}`, asClient)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode(), "body: %s", ctx.Response.Body())
	var assigned assignResponse
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &assigned))
	assert.Equal(t, "treatment", assigned.VariantID)
	assert.Equal(t, "orange", assigned.Config["color"])

	ctx = srv.do("GET", base+"/assignments/aaa", "", asClient)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	events := fmt.Sprintf(`{"events":[{"experiment_id":%q,"subject_id":"aaa","variant_id":"treatment","kind":"conversion","value":42}]}`, view.ID)
	ctx = srv.do("POST", "/v1/events", events, asClient)
	require.Equal(t, fasthttp.StatusAccepted, ctx.Response.StatusCode(), "body: %s", ctx.Response.Body())

	ctx = srv.do("GET", base+"/summary", "", asAdmin)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	var sum experiment.Summary
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &sum))
	assert.Equal(t, int64(1), sum.TotalAssignments)
	assert.Equal(t, int64(1), sum.TotalEvents)

	hour := time.Now().UTC().Truncate(time.Hour)
	require.NoError(t, dbpkg.AggregateHour(context.Background(), srv.db, hour))
	ctx = srv.do("GET", base+"/timeseries?hours=2", "", asAdmin)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode(), "body: %s", ctx.Response.Body())
	var series struct {
		Series []seriesPoint `json:"series"`
	}
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &series))
	require.Len(t, series.Series, 1)
	assert.Equal(t, "treatment", series.Series[0].VariantID)
	assert.Equal(t, "CONVERSION", series.Series[0].Kind)
	assert.InDelta(t, 42, series.Series[0].ValueSum, 1e-9)

	ctx = srv.do("GET", "/v1/metrics?experiment="+view.ID, "", asAdmin)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), fmt.Sprintf(`experiment=%q`, view.ID))

	ctx = srv.do("POST", base+"/complete", "", asAdmin)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	ctx = srv.do("POST", base+"/assignments", `{"subject_id":"bbb"}`, asClient)
	assert.Equal(t, fasthttp.StatusConflict, ctx.Response.StatusCode())

	ctx = srv.do("GET", "/v1/experiments/missing/timeseries", "", asAdmin)
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}

func TestRequestLoggerRecordsRequests(t *testing.T) {
	srv := newTestServer(t)
	srv.do("GET", "/healthz", "", "")

	entries := srv.logs.FilterMessage("request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "GET", fields["method"])
	assert.Equal(t, "/healthz", fields["path"])
	assert.EqualValues(t, fasthttp.StatusOK, fields["status"])
}
