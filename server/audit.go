package server

import (
	"log/slog"
	"time"
)

// AuthEventType labels an auth audit record.
type AuthEventType string

// Audit event types emitted by the service.
const (
	EventLogin             AuthEventType = "LOGIN"
	EventLogout            AuthEventType = "LOGOUT"
	EventTokenRefresh      AuthEventType = "TOKEN_REFRESH"
	EventTokenRevocation   AuthEventType = "TOKEN_REVOCATION"
	EventTokenValidation   AuthEventType = "TOKEN_VALIDATION"
	EventFederatedCallback AuthEventType = "FEDERATED_CALLBACK"
	EventFailedLogin       AuthEventType = "FAILED_LOGIN"
	EventAccessDenied      AuthEventType = "ACCESS_DENIED"
	EventSessionExpired    AuthEventType = "SESSION_EXPIRED"
)

// AuthEvent is a structured audit record for an authentication or
// authorization decision.
type AuthEvent struct {
	Type      AuthEventType
	Subject   string
	Success   bool
	Timestamp time.Time
	Resource  string
	Detail    string
	Duration  time.Duration
}

// NewAuthEvent starts an audit record for the given event type.
func NewAuthEvent(typ AuthEventType, subject string, success bool) *AuthEvent {
	return &AuthEvent{
		Type:      typ,
		Subject:   subject,
		Success:   success,
		Timestamp: time.Now(),
	}
}

// WithResource attaches the resource the event concerns.
func (e *AuthEvent) WithResource(resource string) *AuthEvent {
	e.Resource = resource
	return e
}

// WithDetail attaches a free-form detail message.
func (e *AuthEvent) WithDetail(detail string) *AuthEvent {
	e.Detail = detail
	return e
}

// WithDuration attaches how long the underlying operation took.
func (e *AuthEvent) WithDuration(d time.Duration) *AuthEvent {
	e.Duration = d
	return e
}

// Emit writes the event to the logger. Failures are logged at warn so
// they stand out in production streams.
func (e *AuthEvent) Emit(logger *slog.Logger) {
	attrs := []any{
		"event", string(e.Type),
		"sub", e.Subject,
		"success", e.Success,
		"ts", e.Timestamp.UTC().Format(time.RFC3339),
	}
	if e.Resource != "" {
		attrs = append(attrs, "resource", e.Resource)
	}
	if e.Detail != "" {
		attrs = append(attrs, "detail", e.Detail)
	}
	if e.Duration > 0 {
		attrs = append(attrs, "duration_ms", e.Duration.Milliseconds())
	}

	if e.Success {
		logger.Info("auth_event", attrs...)
	} else {
		logger.Warn("auth_event", attrs...)
	}
}
