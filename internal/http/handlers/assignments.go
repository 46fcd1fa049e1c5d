package handlers

import (
	"errors"

	"github.com/valyala/fasthttp"

	"abengine/internal/experiment"
	httpctx "abengine/internal/http/ctx"
)

type assignRequest struct {
	SubjectID string         `json:"subject_id"`
	Context   map[string]any `json:"context,omitempty"`
}

type assignResponse struct {
	ExperimentID string         `json:"experiment_id"`
	SubjectID    string         `json:"subject_id"`
	Assigned     bool           `json:"assigned"`
	VariantID    string         `json:"variant_id,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	Reason       string         `json:"reason,omitempty"`
}

// Assign returns the subject's variant, assigning on first call. A subject
// outside the target audience is a normal negative answer, not an error.
func Assign(svc *experiment.Service) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var req assignRequest
		if !decodeBody(ctx, &req) {
			return
		}
		id := pathParam(ctx, "id")

		reqCtx, cancel := httpctx.Context(ctx)
		defer cancel()
		variantID, err := svc.AssignVariant(reqCtx, experiment.AssignRequest{
			ExperimentID: id,
			SubjectID:    req.SubjectID,
			Context:      req.Context,
		})
		if errors.Is(err, experiment.ErrAudienceMismatch) {
			jsonResponse(ctx, fasthttp.StatusOK, assignResponse{
				ExperimentID: id,
				SubjectID:    req.SubjectID,
				Reason:       "audience_mismatch",
			})
			return
		}
		if err != nil {
			writeError(ctx, err)
			return
		}
		recordAssignment(id, variantID)

		resp := assignResponse{
			ExperimentID: id,
			SubjectID:    req.SubjectID,
			Assigned:     true,
			VariantID:    variantID,
		}
		if exp, err := svc.GetExperiment(reqCtx, id); err == nil {
			for _, v := range exp.Variants {
				if v.ID == variantID {
					resp.Config = v.Config
				}
			}
		}
		jsonResponse(ctx, fasthttp.StatusOK, resp)
	}
}

// GetAssignment looks up an existing assignment without creating one.
func GetAssignment(svc *experiment.Service) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := pathParam(ctx, "id")
		subject := pathParam(ctx, "subject")

		reqCtx, cancel := httpctx.Context(ctx)
		defer cancel()
		variantID, ok, err := svc.GetUserVariant(reqCtx, id, subject)
		if err != nil {
			writeError(ctx, err)
			return
		}
		if !ok {
			errResponse(ctx, fasthttp.StatusNotFound, "no assignment")
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, assignResponse{
			ExperimentID: id,
			SubjectID:    subject,
			Assigned:     true,
			VariantID:    variantID,
		})
	}
}
