package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentspy/agentspy/pkg/config"
)

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), "body: %s", data)
	}
	return out
}

func TestInfoEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := getJSON(t, ts.http.URL+"/api/v1/info")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["version"])
	assert.Equal(t, "agent-spy", body["tenant_handle"])

	cfg := body["batch_ingest_config"].(map[string]any)
	assert.Equal(t, float64(20*1024*1024), cfg["size_limit_bytes"])
}

func TestCreateThenPatchRun(t *testing.T) {
	ts := newTestServer(t, nil)
	id := "11111111-1111-1111-1111-111111111111"

	resp, _ := postJSON(t, ts.http.URL+"/api/v1/runs", map[string]any{
		"id":           id,
		"name":         "root",
		"run_type":     "chain",
		"start_time":   "2025-01-01T00:00:00Z",
		"project_name": "p1",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPatch, ts.http.URL+"/api/v1/runs/"+id,
		bytes.NewReader([]byte(`{"end_time":"2025-01-01T00:00:05Z","outputs":{"x":1}}`)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	patchResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	decodeBody(t, patchResp)
	assert.Equal(t, http.StatusOK, patchResp.StatusCode)

	resp, body := getJSON(t, ts.http.URL+"/api/v1/runs/"+id)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, float64(5000), body["duration_ms"])
	assert.Equal(t, "p1", body["project_name"])
}

func TestGetRunNotFound(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, _ := getJSON(t, ts.http.URL+"/api/v1/runs/11111111-1111-1111-1111-111111111111")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = getJSON(t, ts.http.URL+"/api/v1/runs/not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBatchIngest(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := postJSON(t, ts.http.URL+"/api/v1/runs/batch", map[string]any{
		"post": []map[string]any{
			{"id": "22222222-2222-2222-2222-222222222222", "name": "a", "run_type": "chain", "start_time": "2025-01-01T00:00:00Z"},
			{"id": "not-a-uuid", "name": "bad"},
			{"id": "33333333-3333-3333-3333-333333333333", "name": "b", "run_type": "llm", "start_time": "2025-01-01T00:00:01Z"},
		},
		"patch": []map[string]any{},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(2), body["created_count"])
	assert.Equal(t, float64(0), body["updated_count"])

	errs := body["errors"].([]any)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].(map[string]any)["id"], "not-a-uuid")
}

func TestBatchCreatePlusPatchSameCall(t *testing.T) {
	ts := newTestServer(t, nil)
	id := "44444444-4444-4444-4444-444444444444"

	resp, body := postJSON(t, ts.http.URL+"/api/v1/runs/batch", map[string]any{
		"post": []map[string]any{
			{"id": id, "name": "combo", "run_type": "chain", "start_time": "2025-01-01T00:00:00Z"},
		},
		"patch": []map[string]any{
			{"id": id, "end_time": "2025-01-01T00:00:02Z", "outputs": map[string]any{"done": true}},
		},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["created_count"])
	assert.Equal(t, float64(1), body["updated_count"])

	_, run := getJSON(t, ts.http.URL+"/api/v1/runs/"+id)
	assert.Equal(t, "completed", run["status"])
}

func TestBatchMalformedEnvelope(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Post(ts.http.URL+"/api/v1/runs/batch", "application/json",
		bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Settings) {
		cfg.RequireAuth = true
		cfg.APIKeys = []string{"sekret"}
	})

	// Unauthenticated call rejected.
	resp, _ := getJSON(t, ts.http.URL+"/api/v1/info")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// x-api-key accepted.
	req, err := http.NewRequest(http.MethodGet, ts.http.URL+"/api/v1/info", nil)
	require.NoError(t, err)
	req.Header.Set("x-api-key", "sekret")
	authResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	decodeBody(t, authResp)
	assert.Equal(t, http.StatusOK, authResp.StatusCode)

	// Bearer token accepted.
	req, err = http.NewRequest(http.MethodGet, ts.http.URL+"/api/v1/info", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer sekret")
	bearerResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	decodeBody(t, bearerResp)
	assert.Equal(t, http.StatusOK, bearerResp.StatusCode)

	// Health stays open.
	liveResp, err := http.Get(ts.http.URL + "/health/live")
	require.NoError(t, err)
	defer liveResp.Body.Close()
	assert.Equal(t, http.StatusOK, liveResp.StatusCode)
}

func TestFeedbackRoundTrip(t *testing.T) {
	ts := newTestServer(t, nil)
	runID := "55555555-5555-5555-5555-555555555555"

	resp, body := postJSON(t, ts.http.URL+"/api/v1/feedback", map[string]any{
		"run_id": runID,
		"key":    "correctness",
		"score":  0.9,
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, runID, body["run_id"])

	resp, list := getJSON(t, ts.http.URL+fmt.Sprintf("/api/v1/runs/%s/feedback", runID))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, list["feedback"].([]any), 1)
}
