package httpapi

import (
	"context"

	"fleetcp.sh/internal/rollout"
	"fleetcp.sh/internal/webhook"
)

// webhookHandler adapts rollout.Orchestrator.Trigger to the webhook
// package's local TriggerInput/RolloutResult shape, keeping
// internal/webhook free of an internal/rollout import (see
// webhook.TriggerInput's doc comment).
func (s *Server) webhookHandler() *webhook.Handler {
	return &webhook.Handler{
		Secret: s.webhookSec,
		Logger: s.logger,
		Trigger: func(ctx context.Context, in webhook.TriggerInput) (*webhook.RolloutResult, error) {
			r, err := s.orch.Trigger(ctx, rollout.TriggerInput{
				ImageName:   in.ImageName,
				NewTag:      in.NewTag,
				TriggeredBy: in.TriggeredBy,
				RawPayload:  in.RawPayload,
			})
			if err != nil {
				return nil, err
			}
			return &webhook.RolloutResult{RolloutID: r.RolloutID, PolicyID: r.PolicyID}, nil
		},
	}
}
