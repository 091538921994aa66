package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/foreman/internal/model"
)

func TestEnqueueJobValid(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := `{"chat_context_id":"chat-1","prompt":"run the tests"}`
	resp, err := http.Post(ts.URL+"/v1/jobs", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /v1/jobs: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}

	var job model.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if len(job.ID) != 26 {
		t.Errorf("ID length = %d, want 26", len(job.ID))
	}
	if job.Status != model.StatusQueued {
		t.Errorf("Status = %q, want %q", job.Status, model.StatusQueued)
	}
	if job.ChatContextID != "chat-1" {
		t.Errorf("ChatContextID = %q, want %q", job.ChatContextID, "chat-1")
	}
	if job.Provider != model.ProviderAgent {
		t.Errorf("Provider = %q, want %q", job.Provider, model.ProviderAgent)
	}
	if job.Workdir == "" {
		t.Error("Workdir is empty, expected the resolved default root")
	}
}

func TestEnqueueJobMissingChatContext(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := `{"prompt":"run the tests"}`
	resp, err := http.Post(ts.URL+"/v1/jobs", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /v1/jobs: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}

	var errResp map[string]string
	json.NewDecoder(resp.Body).Decode(&errResp)
	if errResp["error"] == "" {
		t.Error("expected error message in response")
	}
}

func TestEnqueueJobBlankPrompt(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := `{"chat_context_id":"chat-1","prompt":"   "}`
	resp, err := http.Post(ts.URL+"/v1/jobs", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /v1/jobs: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestEnqueueJobInvalidJSON(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/jobs", "application/json", bytes.NewBufferString("not json"))
	if err != nil {
		t.Fatalf("POST /v1/jobs: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestEnqueueJobNoWorkspace(t *testing.T) {
	srv := newTestServerOpts(t, testServerOpts{noWorkspace: true})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := `{"chat_context_id":"chat-1","prompt":"run the tests"}`
	resp, err := http.Post(ts.URL+"/v1/jobs", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /v1/jobs: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetJobExisting(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := `{"chat_context_id":"chat-1","prompt":"hello"}`
	createResp, _ := http.Post(ts.URL+"/v1/jobs", "application/json", bytes.NewBufferString(body))
	var created model.Job
	json.NewDecoder(createResp.Body).Decode(&created)
	createResp.Body.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs/" + created.ID)
	if err != nil {
		t.Fatalf("GET /v1/jobs/%s: %v", created.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var got model.Job
	json.NewDecoder(resp.Body).Decode(&got)
	if got.ID != created.ID {
		t.Errorf("ID = %q, want %q", got.ID, created.ID)
	}
}

func TestGetJobNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs/nonexistent")
	if err != nil {
		t.Fatalf("GET /v1/jobs/nonexistent: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListJobsFiltersByChat(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for i, chat := range []string{"chat-1", "chat-1", "chat-2"} {
		body := fmt.Sprintf(`{"chat_context_id":%q,"prompt":"job %d"}`, chat, i)
		resp, _ := http.Post(ts.URL+"/v1/jobs", "application/json", bytes.NewBufferString(body))
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/v1/jobs?chat_context_id=chat-1")
	if err != nil {
		t.Fatalf("GET /v1/jobs: %v", err)
	}
	defer resp.Body.Close()

	var listResp listJobsResponse
	json.NewDecoder(resp.Body).Decode(&listResp)

	if listResp.Total != 2 {
		t.Errorf("total = %d, want 2", listResp.Total)
	}
	for _, j := range listResp.Jobs {
		if j.ChatContextID != "chat-1" {
			t.Errorf("job %s has chat %q, want chat-1", j.ID, j.ChatContextID)
		}
	}

	// Without the filter, all chats are listed.
	allResp, err := http.Get(ts.URL + "/v1/jobs")
	if err != nil {
		t.Fatalf("GET /v1/jobs: %v", err)
	}
	defer allResp.Body.Close()

	var all listJobsResponse
	json.NewDecoder(allResp.Body).Decode(&all)
	if all.Total != 3 {
		t.Errorf("unfiltered total = %d, want 3", all.Total)
	}
}

func TestListJobsPagination(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for i := 0; i < 5; i++ {
		body := fmt.Sprintf(`{"chat_context_id":"chat-1","prompt":"job %d"}`, i)
		resp, _ := http.Post(ts.URL+"/v1/jobs", "application/json", bytes.NewBufferString(body))
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/v1/jobs?limit=2&offset=0")
	if err != nil {
		t.Fatalf("GET /v1/jobs: %v", err)
	}
	defer resp.Body.Close()

	var listResp listJobsResponse
	json.NewDecoder(resp.Body).Decode(&listResp)

	if listResp.Total != 5 {
		t.Errorf("total = %d, want 5", listResp.Total)
	}
	if len(listResp.Jobs) != 2 {
		t.Errorf("jobs count = %d, want 2", len(listResp.Jobs))
	}
	if listResp.Limit != 2 {
		t.Errorf("limit = %d, want 2", listResp.Limit)
	}
	if listResp.Offset != 0 {
		t.Errorf("offset = %d, want 0", listResp.Offset)
	}
}

func TestListJobsDefaultLimit(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs")
	if err != nil {
		t.Fatalf("GET /v1/jobs: %v", err)
	}
	defer resp.Body.Close()

	var listResp listJobsResponse
	json.NewDecoder(resp.Body).Decode(&listResp)

	if listResp.Limit != defaultListLimit {
		t.Errorf("limit = %d, want %d", listResp.Limit, defaultListLimit)
	}
}

func TestCancelJobNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("DELETE", ts.URL+"/v1/jobs/nonexistent", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /v1/jobs/nonexistent: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}

	var outcome struct {
		OK     bool   `json:"ok"`
		Reason string `json:"reason"`
	}
	json.NewDecoder(resp.Body).Decode(&outcome)
	if outcome.OK {
		t.Error("ok = true, want false")
	}
	if outcome.Reason != "not_found" {
		t.Errorf("reason = %q, want not_found", outcome.Reason)
	}
}

func TestCancelJobQueued(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := `{"chat_context_id":"chat-1","prompt":"hello"}`
	createResp, _ := http.Post(ts.URL+"/v1/jobs", "application/json", bytes.NewBufferString(body))
	var created model.Job
	json.NewDecoder(createResp.Body).Decode(&created)
	createResp.Body.Close()

	// The poll interval is an hour, so the job is still queued.
	req, _ := http.NewRequest("DELETE", ts.URL+"/v1/jobs/"+created.ID+"?chat_context_id=chat-1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}

	var outcome struct {
		OK     bool   `json:"ok"`
		Reason string `json:"reason"`
	}
	json.NewDecoder(resp.Body).Decode(&outcome)
	if outcome.Reason != "not_running" {
		t.Errorf("reason = %q, want not_running", outcome.Reason)
	}
}

func TestCancelJobWrongChat(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := `{"chat_context_id":"chat-1","prompt":"hello"}`
	createResp, _ := http.Post(ts.URL+"/v1/jobs", "application/json", bytes.NewBufferString(body))
	var created model.Job
	json.NewDecoder(createResp.Body).Decode(&created)
	createResp.Body.Close()

	req, _ := http.NewRequest("DELETE", ts.URL+"/v1/jobs/"+created.ID+"?chat_context_id=chat-2", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer resp.Body.Close()

	// Jobs from other chats are reported as missing, not as forbidden.
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCancelJobRunning(t *testing.T) {
	srv := newTestServerOpts(t, testServerOpts{poll: 10 * time.Millisecond, provDelay: 10 * time.Second})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := `{"chat_context_id":"chat-1","prompt":"long job"}`
	createResp, _ := http.Post(ts.URL+"/v1/jobs", "application/json", bytes.NewBufferString(body))
	var created model.Job
	json.NewDecoder(createResp.Body).Decode(&created)
	createResp.Body.Close()

	waitForStatus(t, srv, created.ID, model.StatusRunning)

	req, _ := http.NewRequest("DELETE", ts.URL+"/v1/jobs/"+created.ID+"?chat_context_id=chat-1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var outcome struct {
		OK bool `json:"ok"`
	}
	json.NewDecoder(resp.Body).Decode(&outcome)
	if !outcome.OK {
		t.Error("ok = false, want true")
	}

	canceled := waitForStatus(t, srv, created.ID, model.StatusCanceled)
	if canceled.ExitInfo == nil || canceled.ExitInfo.Code != 130 {
		t.Errorf("ExitInfo = %+v, want code 130", canceled.ExitInfo)
	}
}
