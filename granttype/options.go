package granttype

import (
	"log/slog"
	"time"

	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/security"
)

// Options are the collaborators shared by every grant type. All fields are
// optional.
type Options struct {
	Auditor *security.Auditor
	Metrics *instrumentation.Metrics
	Logger  *slog.Logger

	// Now is the clock; time.Now when nil.
	Now func() time.Time

	// ClockSkew is tolerated on code and assertion expiry.
	ClockSkew time.Duration
}

func (o *Options) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

func (o *Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// audit logs a rejected grant.
func (o *Options) audit(eventType string, data *Data, userID, reason string) {
	o.Auditor.LogEvent(security.Event{
		Type:     eventType,
		UserID:   userID,
		ClientID: data.ClientID().String(),
		Details:  map[string]any{"reason": reason},
	})
}
