package policy

// ApprovalMode controls how aggressively proposals require human review.
type ApprovalMode string

const (
	ApprovalNever  ApprovalMode = "never"
	ApprovalRisky  ApprovalMode = "risky"
	ApprovalAlways ApprovalMode = "always"
)

// Config is a read-only snapshot of the security policy. The orchestrator
// re-reads it at apply time, so flags flipped after a preview was recorded
// still gate execution.
type Config struct {
	EnableFileWrite     bool         `json:"enable_file_write"`
	EnableCodeExecution bool         `json:"enable_code_execution"`
	ApprovalMode        ApprovalMode `json:"approval_mode"`
}

// Gate exposes the current policy snapshot.
type Gate interface {
	Config() Config
}

// Static is a fixed-configuration gate, used in tests and as a fallback when
// no policy file is configured.
type Static struct {
	Cfg Config
}

func (s Static) Config() Config {
	return s.Cfg
}

// DefaultConfig permits everything and requires review for risky actions.
func DefaultConfig() Config {
	return Config{
		EnableFileWrite:     true,
		EnableCodeExecution: true,
		ApprovalMode:        ApprovalRisky,
	}
}
