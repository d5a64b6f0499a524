package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"fleetcp.sh/internal/ferrors"
)

// TriggerInput mirrors rollout.TriggerInput; defined locally so this
// package doesn't need to import internal/rollout just for a struct
// literal shape. internal/httpapi constructs a Handler with Trigger
// set to a *rollout.Orchestrator's Trigger method, whose TriggerInput
// has identical fields.
type TriggerInput struct {
	ImageName   string
	NewTag      string
	TriggeredBy string
	RawPayload  []byte
}

// RolloutResult is the subset of models.Rollout the response body
// needs.
type RolloutResult struct {
	RolloutID string
	PolicyID  string
}

// Handler serves POST /webhooks/docker-registry (spec §6): verifies
// the signature, parses the registry payload, and hands the
// (image, tag) pair to the rollout orchestrator via Trigger.
type Handler struct {
	Secret  string
	Trigger func(ctx context.Context, in TriggerInput) (*RolloutResult, error)
	Logger  *slog.Logger
}

type triggerResponse struct {
	RolloutID     string `json:"rollout_id,omitempty"`
	Image         string `json:"image"`
	Tag           string `json:"tag"`
	MatchedPolicy string `json:"matchedPolicy,omitempty"`
}

// ServeHTTP implements the verify-parse-trigger flow.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, ferrors.New(ferrors.CodeInvalidInput, "failed to read request body"))
		return
	}

	if sig := r.Header.Get("X-Hub-Signature"); sig != "" || h.Secret != "" {
		if !VerifySignature(body, h.Secret, sig) {
			// Spec §6/§9 names "invalid_signature" as the literal error
			// code here, distinct from the ferrors.ErrorCode taxonomy's
			// generic "unauthorized".
			writeJSON(w, http.StatusUnauthorized, ferrors.Body{Error: "invalid_signature", Message: "webhook signature does not match configured secret"})
			return
		}
	}

	imageName, tag, err := ParsePayload(body)
	if err != nil {
		writeError(w, ferrors.Wrap(err, ferrors.CodeInvalidInput, "unrecognized registry webhook payload"))
		return
	}

	result, err := h.Trigger(r.Context(), TriggerInput{
		ImageName:  imageName,
		NewTag:     tag,
		RawPayload: body,
	})
	if err != nil {
		if ferrors.GetCode(err) == ferrors.CodeNotFound {
			// No enabled policy matched; spec §6 says this is not an
			// error.
			writeJSON(w, http.StatusOK, triggerResponse{Image: imageName, Tag: tag})
			return
		}
		writeError(w, err)
		return
	}

	resp := triggerResponse{Image: imageName, Tag: tag}
	if result != nil {
		resp.RolloutID = result.RolloutID
		resp.MatchedPolicy = result.PolicyID
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := ferrors.GetCode(err)
	var body ferrors.Body
	if fe, ok := err.(*ferrors.FleetError); ok {
		body = fe.Body()
	} else {
		body = ferrors.Body{Error: string(code), Message: err.Error()}
	}
	writeJSON(w, code.HTTPStatus(), body)
}
