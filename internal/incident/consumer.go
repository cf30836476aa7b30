package incident

import (
	"context"
	"encoding/json"

	"github.com/quantumlayerhq/ql-cgov/pkg/apperrors"
	"github.com/quantumlayerhq/ql-cgov/pkg/kafka"
	"github.com/quantumlayerhq/ql-cgov/pkg/logger"
	"github.com/quantumlayerhq/ql-cgov/pkg/rbac"
)

// HeaderAuthorization carries the reporter's bearer token.
const HeaderAuthorization = "authorization"

// Authenticator turns a bearer header into an actor.
type Authenticator interface {
	Authenticate(ctx context.Context, authorization string) (context.Context, rbac.Actor, error)
}

// Handler returns a Kafka handler that reports one incident per message.
// The reporter is the subject of the message's bearer token; unsigned
// messages are rejected.
func Handler(svc *Service, authn Authenticator, log *logger.Logger) kafka.MessageHandler {
	log = log.WithComponent("incident-consumer")
	return func(ctx context.Context, msg kafka.Message) error {
		ctx, actor, err := authn.Authenticate(ctx, msg.Headers[HeaderAuthorization])
		if err != nil {
			log.WarnContext(ctx, "rejected unauthenticated incident", "offset", msg.Offset, "error", err)
			return apperrors.Unauthorized("", "", "incident message: %v", err)
		}

		var in ReportRequest
		if err := json.Unmarshal(msg.Value, &in); err != nil {
			return apperrors.Validation("malformed_incident", "value", "failed to decode incident: %v", err)
		}
		if in.CorrelationID == "" {
			in.CorrelationID = logger.GetCorrelationID(ctx)
		}
		in.ReportedBy = actor.ID

		_, err = svc.Report(ctx, in)
		return err
	}
}
