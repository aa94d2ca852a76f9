package preview

import "github.com/google/uuid"

// NewPreviewID returns a fresh opaque preview identifier.
func NewPreviewID() string {
	return "prv_" + uuid.NewString()
}

// NewSessionID returns a fresh opaque session identifier.
func NewSessionID() string {
	return "ses_" + uuid.NewString()
}
