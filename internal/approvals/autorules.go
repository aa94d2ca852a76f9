package approvals

import (
	"github.com/dagbolade/toolgate/internal/policy"
	"github.com/dagbolade/toolgate/internal/preview"
)

// Preference keys consulted for the skipAll auto-rule.
const (
	PrefSkipAll        = "approvals.skipAll"
	prefSkipAllSession = "approvals.skipAll." // + session id
)

// SessionSkipAllKey returns the per-session skipAll preference key.
func SessionSkipAllKey(sessionID string) string {
	return prefSkipAllSession + sessionID
}

// lowRiskTools never mutate state, so they may bypass human review unless the
// approval mode is "always".
var lowRiskTools = map[string]bool{
	"search": true,
	"read":   true,
	"grep":   true,
}

// AutoRuleInput is the snapshot of preferences and policy the rules run
// against. The caller loads it so rule evaluation itself stays side-effect
// free.
type AutoRuleInput struct {
	SkipAllGlobal  bool
	SkipAllSession bool
	ApprovalMode   policy.ApprovalMode
}

// AutoMatch names the first auto-approval rule that fired.
type AutoMatch struct {
	Reason string `json:"reason"`
}

// EvaluateAutoRules decides whether a preview may bypass human review.
// First match wins: skipAll preference (or approval mode "never"), then the
// per-tool low-risk allowlist. Returns nil when the approval must stay
// pending.
func EvaluateAutoRules(env preview.Envelope, in AutoRuleInput) *AutoMatch {
	if in.SkipAllGlobal || in.SkipAllSession || in.ApprovalMode == policy.ApprovalNever {
		return &AutoMatch{Reason: AutoReasonSkipAll}
	}

	if in.ApprovalMode != policy.ApprovalAlways && lowRiskTools[env.Tool] {
		return &AutoMatch{Reason: env.Tool}
	}

	return nil
}
