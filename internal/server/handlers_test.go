package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dagbolade/toolgate/internal/approvals"
	"github.com/dagbolade/toolgate/internal/policy"
	"github.com/dagbolade/toolgate/internal/store"
	"github.com/labstack/echo/v4"
)

func newTestHandler(t *testing.T) *ApprovalHandler {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "toolgate.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	gate := policy.Static{Cfg: policy.DefaultConfig()}
	runners := map[string]approvals.Runner{
		"file": approvals.RunnerFunc(func(ctx context.Context, args json.RawMessage, onExecute approvals.ExecuteCallback) (json.RawMessage, error) {
			return json.RawMessage(`{"ok":true}`), nil
		}),
	}

	orch := approvals.New(st, gate, approvals.Options{Runners: runners})
	return NewApprovalHandler(orch)
}

func doRequest(t *testing.T, handler echo.HandlerFunc, method, path, body string, params map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	e := echo.New()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	names := make([]string, 0, len(params))
	values := make([]string, 0, len(params))
	for k, v := range params {
		names = append(names, k)
		values = append(values, v)
	}
	c.SetParamNames(names...)
	c.SetParamValues(values...)

	if err := handler(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	return rec
}

func submitTestProposal(t *testing.T, h *ApprovalHandler, sessionID, tool, args string) approvals.SubmitResult {
	t.Helper()

	body := `{"session_id":"` + sessionID + `","tool":"` + tool + `","action":"write","summary":"s","args":` + args + `}`
	rec := doRequest(t, h.SubmitProposal, http.MethodPost, "/proposals", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("submit returned %d: %s", rec.Code, rec.Body.String())
	}

	var result approvals.SubmitResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return result
}

func TestSubmitProposalHandler(t *testing.T) {
	h := newTestHandler(t)

	result := submitTestProposal(t, h, "ses-1", "file", `{"path":"/tmp/a.txt"}`)

	if result.Preview.ID == "" {
		t.Error("expected a preview id")
	}
	if result.Approval == nil || result.Approval.Status != store.StatusPending {
		t.Errorf("expected pending approval, got %+v", result.Approval)
	}
	if result.Duplicate {
		t.Error("first proposal flagged duplicate")
	}
}

func TestSubmitProposalHandlerValidation(t *testing.T) {
	h := newTestHandler(t)

	// Tool is required.
	body := `{"session_id":"ses-1","action":"write","summary":"s","args":{}}`
	rec := doRequest(t, h.SubmitProposal, http.MethodPost, "/proposals", body, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestApplyApprovalHandler(t *testing.T) {
	h := newTestHandler(t)

	result := submitTestProposal(t, h, "ses-1", "file", `{"path":"/tmp/a.txt"}`)
	id := result.Approval.ID

	rec := doRequest(t, h.ApplyApproval, http.MethodPost, "/approvals/"+id+"/apply",
		`{"resolved_by":"alice"}`, map[string]string{"id": id})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var applied approvals.ApplyResult
	if err := json.Unmarshal(rec.Body.Bytes(), &applied); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if applied.Status != store.StatusApplied {
		t.Errorf("expected applied, got %s", applied.Status)
	}

	// A second apply conflicts.
	rec = doRequest(t, h.ApplyApproval, http.MethodPost, "/approvals/"+id+"/apply",
		`{"resolved_by":"bob"}`, map[string]string{"id": id})
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
}

func TestApplyApprovalHandlerNotFound(t *testing.T) {
	h := newTestHandler(t)

	rec := doRequest(t, h.ApplyApproval, http.MethodPost, "/approvals/prv_missing/apply",
		"", map[string]string{"id": "prv_missing"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestRejectApprovalHandler(t *testing.T) {
	h := newTestHandler(t)

	result := submitTestProposal(t, h, "ses-1", "file", `{"path":"/tmp/a.txt"}`)
	id := result.Approval.ID

	rec := doRequest(t, h.RejectApproval, http.MethodPost, "/approvals/"+id+"/reject",
		`{"resolved_by":"alice","feedback_text":"nope"}`, map[string]string{"id": id})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// Rejecting again conflicts.
	rec = doRequest(t, h.RejectApproval, http.MethodPost, "/approvals/"+id+"/reject",
		"", map[string]string{"id": id})
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
}

func TestCancelPreviewHandler(t *testing.T) {
	h := newTestHandler(t)

	result := submitTestProposal(t, h, "ses-1", "file", `{"path":"/tmp/a.txt"}`)
	id := result.Preview.ID

	rec := doRequest(t, h.CancelPreview, http.MethodPost, "/previews/"+id+"/cancel",
		"", map[string]string{"id": id})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// Cancelling a terminal approval is still a success.
	rec = doRequest(t, h.CancelPreview, http.MethodPost, "/previews/"+id+"/cancel",
		"", map[string]string{"id": id})
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 on terminal cancel, got %d", rec.Code)
	}
}

func TestListPendingHandler(t *testing.T) {
	h := newTestHandler(t)

	submitTestProposal(t, h, "ses-1", "file", `{"path":"/tmp/a.txt"}`)
	submitTestProposal(t, h, "ses-1", "file", `{"path":"/tmp/b.txt"}`)

	rec := doRequest(t, h.ListPending, http.MethodGet, "/sessions/ses-1/pending",
		"", map[string]string{"id": "ses-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Total   int                 `json:"total"`
		Pending []store.ApprovalRow `json:"pending"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Total != 2 || len(resp.Pending) != 2 {
		t.Errorf("expected 2 pending approvals, got total=%d len=%d", resp.Total, len(resp.Pending))
	}
}

func TestListApprovalsHandler(t *testing.T) {
	h := newTestHandler(t)

	submitTestProposal(t, h, "ses-1", "file", `{"path":"/tmp/a.txt"}`)

	rec := doRequest(t, h.ListApprovals, http.MethodGet, "/sessions/ses-1/approvals",
		"", map[string]string{"id": "ses-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var export approvals.SessionExport
	if err := json.Unmarshal(rec.Body.Bytes(), &export); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(export.Previews) != 1 || len(export.Approvals) != 1 {
		t.Errorf("expected 1 preview and 1 approval, got %d/%d", len(export.Previews), len(export.Approvals))
	}
}

func TestPreferenceHandlers(t *testing.T) {
	h := newTestHandler(t)

	rec := doRequest(t, h.SetPreference, http.MethodPut, "/preferences/approvals.skipAll",
		`{"value":"true"}`, map[string]string{"key": "approvals.skipAll"})
	if rec.Code != http.StatusOK {
		t.Fatalf("set returned %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h.GetPreference, http.MethodGet, "/preferences/approvals.skipAll",
		"", map[string]string{"key": "approvals.skipAll"})
	if rec.Code != http.StatusOK {
		t.Fatalf("get returned %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"value":"true"`) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}

	// Unset keys read as empty, not 404.
	rec = doRequest(t, h.GetPreference, http.MethodGet, "/preferences/unset",
		"", map[string]string{"key": "unset"})
	if rec.Code != http.StatusOK {
		t.Fatalf("get returned %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"value":""`) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}
