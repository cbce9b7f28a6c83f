package commands

import (
	"context"
	"fmt"

	"github.com/corvid-labs/tempo/cron"
	"github.com/corvid-labs/tempo/logger"
)

// newDeliveryExecutor returns the binary's payload executor. It logs
// the delivery under the job's session key and reports a summary;
// applications embedding the engine supply their own Executor to route
// payloads into real sessions.
func newDeliveryExecutor() cron.Executor {
	return cron.ExecutorFunc(func(ctx context.Context, req cron.ExecRequest) (*cron.ExecResult, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		switch req.Payload.Kind {
		case cron.PayloadSystemEvent:
			logger.Infow("Delivering system event",
				"session_key", req.SessionKey,
				"session_target", req.SessionTarget,
				"job_name", req.JobName,
				"text", req.Payload.Text,
			)
			return &cron.ExecResult{
				Summary:    fmt.Sprintf("system event delivered to %s session", req.SessionTarget),
				OutputText: req.Payload.Text,
			}, nil

		case cron.PayloadAgentTurn:
			logger.Infow("Dispatching agent turn",
				"session_key", req.SessionKey,
				"session_target", req.SessionTarget,
				"job_name", req.JobName,
				"model", req.Payload.Model,
				"channel", req.Payload.Channel,
				"to", req.Payload.To,
			)
			return &cron.ExecResult{
				Summary:    fmt.Sprintf("agent turn dispatched to %s session", req.SessionTarget),
				OutputText: req.Payload.Message,
			}, nil

		default:
			// Unknown kinds are rejected at the API boundary; reaching
			// here means the row predates the current payload schema.
			return nil, fmt.Errorf("unsupported payload kind %q", req.Payload.Kind)
		}
	})
}
