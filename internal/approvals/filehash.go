package approvals

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// fileSnapshot is the content of a hash-audited file at one point in time.
type fileSnapshot struct {
	Exists  bool
	Hash    string
	Content []byte
}

// snapshotFile reads and hashes the file at path. A missing file is a valid
// snapshot, not an error.
func snapshotFile(path string) (fileSnapshot, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fileSnapshot{}, nil
	}
	if err != nil {
		return fileSnapshot{}, fmt.Errorf("read %s: %w", path, err)
	}

	return fileSnapshot{
		Exists:  true,
		Hash:    contentHash(data),
		Content: data,
	}, nil
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// diffDigest hashes the textual patch between two file versions, giving a
// compact tamper-evident record of what changed.
func diffDigest(before, after []byte) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(string(before), string(after), false)
	patches := dmp.PatchMake(string(before), diffs)
	return contentHash([]byte(dmp.PatchToText(patches)))
}

// targetPath extracts the file path a mutation targets, preferring the
// preview detail over the raw arguments.
func targetPath(detail map[string]any, args json.RawMessage) string {
	if p, ok := detail["path"].(string); ok && p != "" {
		return p
	}

	if len(args) == 0 {
		return ""
	}
	var decoded map[string]any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return ""
	}
	if p, ok := decoded["path"].(string); ok {
		return p
	}
	return ""
}
