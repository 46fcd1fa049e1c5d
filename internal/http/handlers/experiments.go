package handlers

import (
	"strconv"
	"strings"

	"github.com/valyala/fasthttp"

	"abengine/internal/experiment"
	httpctx "abengine/internal/http/ctx"
)

func CreateExperiment(svc *experiment.Service) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var req experiment.CreateRequest
		if !decodeBody(ctx, &req) {
			return
		}

		reqCtx, cancel := httpctx.Context(ctx)
		defer cancel()
		exp, err := svc.CreateExperiment(reqCtx, req)
		if err != nil {
			writeError(ctx, err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusCreated, toExperimentView(exp))
	}
}

func ListExperiments(svc *experiment.Service) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		status := experiment.Status(strings.ToUpper(string(ctx.QueryArgs().Peek("status"))))
		limit := 0
		if l := string(ctx.QueryArgs().Peek("limit")); l != "" {
			n, err := strconv.Atoi(l)
			if err != nil || n < 0 {
				errResponse(ctx, fasthttp.StatusBadRequest, "invalid limit")
				return
			}
			limit = n
		}

		reqCtx, cancel := httpctx.Context(ctx)
		defer cancel()
		exps, err := svc.ListTests(reqCtx, status, limit)
		if err != nil {
			writeError(ctx, err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{"experiments": toExperimentViews(exps)})
	}
}

func RunningExperiments(svc *experiment.Service) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		reqCtx, cancel := httpctx.Context(ctx)
		defer cancel()
		exps, err := svc.RunningTests(reqCtx)
		if err != nil {
			writeError(ctx, err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{"experiments": toExperimentViews(exps)})
	}
}

func GetExperiment(svc *experiment.Service) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		reqCtx, cancel := httpctx.Context(ctx)
		defer cancel()
		exp, err := svc.GetExperiment(reqCtx, pathParam(ctx, "id"))
		if err != nil {
			writeError(ctx, err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, toExperimentView(exp))
	}
}

func StartExperiment(svc *experiment.Service) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		reqCtx, cancel := httpctx.Context(ctx)
		defer cancel()
		exp, err := svc.StartExperiment(reqCtx, pathParam(ctx, "id"))
		if err != nil {
			writeError(ctx, err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, toExperimentView(exp))
	}
}

type stopRequest struct {
	Reason string `json:"reason"`
}

func StopExperiment(svc *experiment.Service) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var req stopRequest
		if len(ctx.PostBody()) > 0 && !decodeBody(ctx, &req) {
			return
		}

		reqCtx, cancel := httpctx.Context(ctx)
		defer cancel()
		exp, err := svc.StopExperiment(reqCtx, pathParam(ctx, "id"), strings.TrimSpace(req.Reason))
		if err != nil {
			writeError(ctx, err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, toExperimentView(exp))
	}
}

func CompleteExperiment(svc *experiment.Service) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		reqCtx, cancel := httpctx.Context(ctx)
		defer cancel()
		exp, err := svc.CompleteExperiment(reqCtx, pathParam(ctx, "id"))
		if err != nil {
			writeError(ctx, err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, toExperimentView(exp))
	}
}

func ExperimentResults(svc *experiment.Service) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		reqCtx, cancel := httpctx.Context(ctx)
		defer cancel()
		res, err := svc.AnalyzeTest(reqCtx, pathParam(ctx, "id"))
		if err != nil {
			writeError(ctx, err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, res)
	}
}

func ExperimentSummary(svc *experiment.Service) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		reqCtx, cancel := httpctx.Context(ctx)
		defer cancel()
		sum, err := svc.TestSummary(reqCtx, pathParam(ctx, "id"))
		if err != nil {
			writeError(ctx, err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, sum)
	}
}

// Cleanup purges finished experiments older than ?days=, defaulting to
// defaultDays.
func Cleanup(svc *experiment.Service, defaultDays int) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		days := defaultDays
		if d := string(ctx.QueryArgs().Peek("days")); d != "" {
			n, err := strconv.Atoi(d)
			if err != nil {
				errResponse(ctx, fasthttp.StatusBadRequest, "invalid days")
				return
			}
			days = n
		}

		reqCtx, cancel := httpctx.Context(ctx)
		defer cancel()
		n, err := svc.CleanupOldTests(reqCtx, days)
		if err != nil {
			writeError(ctx, err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{"deleted": n, "days": days})
	}
}
