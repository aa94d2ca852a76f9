package approvals

import (
	"encoding/json"
	"testing"

	"github.com/dagbolade/toolgate/internal/policy"
	"github.com/dagbolade/toolgate/internal/preview"
)

func ruleEnvelope(t *testing.T, tool string) preview.Envelope {
	t.Helper()

	env, err := preview.New("ses-1", tool, "run", "summary", json.RawMessage(`{}`), nil)
	if err != nil {
		t.Fatalf("envelope failed: %v", err)
	}
	return env
}

func TestEvaluateAutoRules(t *testing.T) {
	tests := []struct {
		name string
		tool string
		in   AutoRuleInput
		want string // expected reason, "" means no match
	}{
		{
			name: "risky tool stays pending",
			tool: "file",
			in:   AutoRuleInput{ApprovalMode: policy.ApprovalRisky},
			want: "",
		},
		{
			name: "low-risk tool matches by name",
			tool: "search",
			in:   AutoRuleInput{ApprovalMode: policy.ApprovalRisky},
			want: "search",
		},
		{
			name: "global skipAll wins over everything",
			tool: "file",
			in:   AutoRuleInput{SkipAllGlobal: true, ApprovalMode: policy.ApprovalAlways},
			want: AutoReasonSkipAll,
		},
		{
			name: "session skipAll",
			tool: "terminal",
			in:   AutoRuleInput{SkipAllSession: true, ApprovalMode: policy.ApprovalRisky},
			want: AutoReasonSkipAll,
		},
		{
			name: "mode never behaves like skipAll",
			tool: "file",
			in:   AutoRuleInput{ApprovalMode: policy.ApprovalNever},
			want: AutoReasonSkipAll,
		},
		{
			name: "mode always forces review even for low-risk tools",
			tool: "read",
			in:   AutoRuleInput{ApprovalMode: policy.ApprovalAlways},
			want: "",
		},
		{
			name: "grep is low-risk",
			tool: "grep",
			in:   AutoRuleInput{ApprovalMode: policy.ApprovalRisky},
			want: "grep",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			match := EvaluateAutoRules(ruleEnvelope(t, tt.tool), tt.in)

			if tt.want == "" {
				if match != nil {
					t.Fatalf("expected no match, got %+v", match)
				}
				return
			}
			if match == nil {
				t.Fatal("expected a match")
			}
			if match.Reason != tt.want {
				t.Errorf("reason = %s, want %s", match.Reason, tt.want)
			}
		})
	}
}

func TestSessionSkipAllKey(t *testing.T) {
	if got := SessionSkipAllKey("ses-42"); got != "approvals.skipAll.ses-42" {
		t.Errorf("unexpected key: %s", got)
	}
}
