package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// enqueueJob submits a prompt and returns the decoded job record.
func enqueueJob(t *testing.T, baseURL, chat, prompt, providerName string) map[string]any {
	t.Helper()

	payload := map[string]string{
		"chat_context_id": chat,
		"prompt":          prompt,
	}
	if providerName != "" {
		payload["provider"] = providerName
	}
	body, _ := json.Marshal(payload)

	resp, err := http.Post(baseURL+"/v1/jobs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/jobs: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 202 {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 202\nbody: %s", resp.StatusCode, raw)
	}

	var job map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	return job
}

// getJob fetches a job record by ID.
func getJob(t *testing.T, baseURL, id string) map[string]any {
	t.Helper()

	resp, err := http.Get(baseURL + "/v1/jobs/" + id)
	if err != nil {
		t.Fatalf("GET /v1/jobs/%s: %v", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("GET /v1/jobs/%s: status = %d, want 200", id, resp.StatusCode)
	}

	var job map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	return job
}

// waitJobStatus polls until the job reaches the wanted status. Reaching a
// different terminal status fails immediately instead of burning the deadline.
func waitJobStatus(t *testing.T, baseURL, id, want string) map[string]any {
	t.Helper()

	terminal := map[string]bool{"succeeded": true, "failed": true, "canceled": true}
	deadline := time.Now().Add(jobTimeout)
	var last string
	for time.Now().Before(deadline) {
		job := getJob(t, baseURL, id)
		last, _ = job["status"].(string)
		if last == want {
			return job
		}
		if terminal[last] {
			t.Fatalf("job %s reached %q while waiting for %q", id, last, want)
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach %q within %v (last status %q)", id, want, jobTimeout, last)
	return nil
}

// jobTime parses one of the RFC 3339 timestamp fields of a job record.
func jobTime(t *testing.T, job map[string]any, field string) time.Time {
	t.Helper()

	raw, ok := job[field].(string)
	if !ok || raw == "" {
		t.Fatalf("job %v missing %s", job["id"], field)
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		t.Fatalf("parse %s = %q: %v", field, raw, err)
	}
	return ts
}

// A prompt piped through cat comes back as the process output, so the job
// succeeds with exit 0 and the prompt lands in the log history.
func TestJobLifecycleSucceeds(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary)

	job := enqueueJob(t, sp.url, "chat-e2e", "lifecycle probe 4217", "")
	id, ok := job["id"].(string)
	if !ok || len(id) != 26 {
		t.Fatalf("id = %v, expected 26-char ULID", job["id"])
	}
	if job["chat_context_id"] != "chat-e2e" {
		t.Errorf("chat_context_id = %v, want chat-e2e", job["chat_context_id"])
	}
	if job["provider"] != "agent" {
		t.Errorf("provider = %v, want agent", job["provider"])
	}
	if wd, _ := job["workdir"].(string); wd == "" {
		t.Error("workdir not captured at enqueue")
	}

	final := waitJobStatus(t, sp.url, id, "succeeded")

	exit, ok := final["exit_info"].(map[string]any)
	if !ok {
		t.Fatal("finished job missing exit_info")
	}
	if code, _ := exit["code"].(float64); code != 0 {
		t.Errorf("exit code = %v, want 0", exit["code"])
	}
	jobTime(t, final, "started_at")
	jobTime(t, final, "finished_at")
}

func TestLogHistoryContainsPrompt(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary)

	prompt := "history probe: the quick brown fox"
	job := enqueueJob(t, sp.url, "chat-e2e", prompt, "")
	id := job["id"].(string)
	waitJobStatus(t, sp.url, id, "succeeded")

	resp, err := http.Get(sp.url + "/v1/jobs/" + id + "/logs/history")
	if err != nil {
		t.Fatalf("GET logs/history: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), prompt) {
		t.Errorf("log history does not contain the prompt\nhistory:\n%s", body)
	}
}

// Three jobs enqueued back to back run one at a time in enqueue order: each
// job starts only after the previous one finished.
func TestJobsRunSequentiallyInOrder(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary)

	var ids []string
	for i := 0; i < 3; i++ {
		job := enqueueJob(t, sp.url, "chat-e2e", fmt.Sprintf("ordered job %d", i), "")
		ids = append(ids, job["id"].(string))
	}

	var finals []map[string]any
	for _, id := range ids {
		finals = append(finals, waitJobStatus(t, sp.url, id, "succeeded"))
	}

	for i := 1; i < len(finals); i++ {
		prevDone := jobTime(t, finals[i-1], "finished_at")
		started := jobTime(t, finals[i], "started_at")
		if started.Before(prevDone) {
			t.Errorf("job %d started at %v before job %d finished at %v",
				i, started, i-1, prevDone)
		}
	}
}

// An unknown provider name resolves to the default at enqueue time; the job
// record carries the resolved name.
func TestUnknownProviderFallsBackToDefault(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary)

	job := enqueueJob(t, sp.url, "chat-e2e", "fallback probe", "no-such-provider")
	if job["provider"] != "agent" {
		t.Errorf("provider = %v, want agent", job["provider"])
	}
	waitJobStatus(t, sp.url, job["id"].(string), "succeeded")
}

// A missing agent binary fails the job with the spawn_error marker instead of
// wedging the queue; the next job still runs.
func TestSpawnFailureMarksJobFailed(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary, "FOREMAN_AGENT_COMMAND=/nonexistent/agent-binary")

	job := enqueueJob(t, sp.url, "chat-e2e", "doomed job", "")
	id := job["id"].(string)
	final := waitJobStatus(t, sp.url, id, "failed")

	exit, ok := final["exit_info"].(map[string]any)
	if !ok {
		t.Fatal("failed job missing exit_info")
	}
	if code, _ := exit["code"].(float64); code != 1 {
		t.Errorf("exit code = %v, want 1", exit["code"])
	}
	if exit["signal"] != "spawn_error" {
		t.Errorf("exit signal = %v, want spawn_error", exit["signal"])
	}

	resp, err := http.Get(sp.url + "/v1/jobs/" + id + "/logs/history")
	if err != nil {
		t.Fatalf("GET logs/history: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "failed to spawn") {
		t.Errorf("log history missing spawn failure marker\nhistory:\n%s", body)
	}
}

func TestListJobsFilterAndPagination(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary)

	for i := 0; i < 3; i++ {
		enqueueJob(t, sp.url, "chat-a", fmt.Sprintf("chat-a job %d", i), "")
	}
	enqueueJob(t, sp.url, "chat-b", "chat-b job", "")

	resp, err := http.Get(sp.url + "/v1/jobs?chat_context_id=chat-a&limit=2")
	if err != nil {
		t.Fatalf("GET /v1/jobs: %v", err)
	}
	defer resp.Body.Close()

	var list map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	total, ok := list["total"].(float64)
	if !ok {
		t.Fatal("total field missing or not a number")
	}
	if int(total) != 3 {
		t.Errorf("total = %d, want 3", int(total))
	}

	jobs, ok := list["jobs"].([]any)
	if !ok {
		t.Fatal("jobs field missing or not an array")
	}
	if len(jobs) != 2 {
		t.Errorf("jobs count = %d, want 2", len(jobs))
	}
	for _, raw := range jobs {
		job := raw.(map[string]any)
		if job["chat_context_id"] != "chat-a" {
			t.Errorf("job %v has chat_context_id %v, want chat-a", job["id"], job["chat_context_id"])
		}
	}
}

// Every job leaves durable artifacts behind: the shared jobs.json record file
// plus a per-job log and metadata snapshot.
func TestJobArtifactsOnDisk(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary)

	prompt := "artifact probe"
	job := enqueueJob(t, sp.url, "chat-e2e", prompt, "")
	id := job["id"].(string)
	waitJobStatus(t, sp.url, id, "succeeded")

	if _, err := os.Stat(filepath.Join(sp.dataDir, "jobs.json")); err != nil {
		t.Errorf("jobs.json: %v", err)
	}
	if _, err := os.Stat(filepath.Join(sp.dataDir, "logs", id+".log")); err != nil {
		t.Errorf("job log: %v", err)
	}

	metaRaw, err := os.ReadFile(filepath.Join(sp.dataDir, "logs", id+".meta.json"))
	if err != nil {
		t.Fatalf("job metadata: %v", err)
	}
	var meta map[string]any
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		t.Fatalf("parse job metadata: %v", err)
	}
	if meta["id"] != id {
		t.Errorf("meta id = %v, want %v", meta["id"], id)
	}
	if meta["prompt"] != prompt {
		t.Errorf("meta prompt = %v, want %v", meta["prompt"], prompt)
	}
}

// A job left queued by a killed server is picked up and run by the next one
// pointed at the same data dir.
func TestQueuedJobsSurviveRestart(t *testing.T) {
	binary := getBinary(t)
	shared := t.TempDir()

	// An hour-long poll interval keeps the job queued for the whole test.
	first := startServer(t, binary,
		"FOREMAN_DATA_DIR="+shared,
		"FOREMAN_POLL_INTERVAL=1h",
	)

	job := enqueueJob(t, first.url, "chat-e2e", "restart probe", "")
	id := job["id"].(string)
	if got := getJob(t, first.url, id)["status"]; got != "queued" {
		t.Fatalf("status = %v, want queued", got)
	}

	first.stop()

	second := startServer(t, binary, "FOREMAN_DATA_DIR="+shared)
	waitJobStatus(t, second.url, id, "succeeded")
}
