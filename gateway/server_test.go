package gateway

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matyoung89/ComfyEndpoints/contract"
	"github.com/matyoung89/ComfyEndpoints/db"
	"github.com/matyoung89/ComfyEndpoints/engine"
	"github.com/matyoung89/ComfyEndpoints/executor"
	"github.com/matyoung89/ComfyEndpoints/filestore"
	"github.com/matyoung89/ComfyEndpoints/resolver"
)

const testAPIKey = "test-key"

type gatewayRig struct {
	srv      *httptest.Server
	jobs     *executor.JobStore
	database *sql.DB
}

func newGatewayRig(t *testing.T) *gatewayRig {
	t.Helper()
	dir := t.TempDir()
	database, err := db.Open(filepath.Join(dir, "state.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.Migrate(database, nil))

	log := zap.NewNop().Sugar()
	files, err := filestore.NewStore(database, filepath.Join(dir, "files"), log)
	require.NoError(t, err)
	jobs := executor.NewJobStore(database, log)
	artifacts, err := filestore.NewArtifactStore(filepath.Join(dir, "artifacts"))
	require.NoError(t, err)

	c := &contract.WorkflowContract{
		ContractID: "demo",
		Version:    "1",
		Inputs: []contract.InputField{
			{Name: "prompt", Type: "string", Required: true, NodeID: "1"},
		},
		Outputs: []contract.OutputField{
			{Name: "caption", Type: "string", NodeID: "10"},
		},
	}
	template := contract.Graph{
		"1":  {ClassType: contract.APIInputClass, Inputs: map[string]interface{}{"value": ""}},
		"10": {ClassType: contract.APIOutputClass, Inputs: map[string]interface{}{"name": "caption", "type": "string"}},
	}

	// The pool is never started; submitted jobs stay queued, which is what
	// the route tests need.
	eng := engine.NewClient("http://127.0.0.1:1", time.Second, log)
	exec := executor.New(c, template, jobs, files, artifacts, eng, executor.Options{}, log)
	pool := executor.NewWorkerPool(context.Background(), exec, 1, log)

	server := NewServer(c, files, jobs, pool, Options{
		APIKey: testAPIKey,
		AppID:  "app1",
	}, log)

	srv := httptest.NewServer(server.Routes())
	t.Cleanup(srv.Close)
	return &gatewayRig{srv: srv, jobs: jobs, database: database}
}

func (g *gatewayRig) do(t *testing.T, method, path string, body []byte, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, g.srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("x-api-key", testAPIKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]interface{}
	if len(data) > 0 && json.Unmarshal(data, &decoded) != nil {
		decoded = map[string]interface{}{"_raw": string(data)}
	}
	return resp, decoded
}

func (g *gatewayRig) jobCount(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, g.database.QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&n))
	return n
}

func TestHealthzRequiresNoAuth(t *testing.T) {
	rig := newGatewayRig(t)
	resp, err := http.Get(rig.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthRejectsMissingAndWrongKey(t *testing.T) {
	rig := newGatewayRig(t)

	for _, key := range []string{"", "wrong"} {
		req, err := http.NewRequest(http.MethodGet, rig.srv.URL+"/contract", nil)
		require.NoError(t, err)
		if key != "" {
			req.Header.Set("x-api-key", key)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestContractEcho(t *testing.T) {
	rig := newGatewayRig(t)
	resp, body := rig.do(t, http.MethodGet, "/contract", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "demo", body["contract_id"])
}

func TestRunAcceptsValidPayload(t *testing.T) {
	rig := newGatewayRig(t)
	resp, body := rig.do(t, http.MethodPost, "/run", []byte(`{"prompt": "hello"}`), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID, _ := body["job_id"].(string)
	require.NotEmpty(t, jobID)
	assert.Equal(t, executor.StateQueued, body["state"])

	resp, body = rig.do(t, http.MethodGet, "/jobs/"+jobID, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, executor.StateQueued, body["state"])
	assert.Equal(t, false, body["cancel_requested"])
}

func TestRunRejectsInvalidPayloadWithoutJobRow(t *testing.T) {
	rig := newGatewayRig(t)

	resp, body := rig.do(t, http.MethodPost, "/run", []byte(`{}`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", body["error"])
	assert.Equal(t, "missing_required_input:prompt", body["detail"])

	resp, body = rig.do(t, http.MethodPost, "/run", []byte(`{"prompt": "x", "extra": 1}`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "unexpected_inputs:extra", body["detail"])

	resp, _ = rig.do(t, http.MethodPost, "/run", []byte(`[1, 2]`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, 0, rig.jobCount(t))
}

func TestJobCancelIdempotent(t *testing.T) {
	rig := newGatewayRig(t)
	_, body := rig.do(t, http.MethodPost, "/run", []byte(`{"prompt": "x"}`), nil)
	jobID := body["job_id"].(string)

	resp, body := rig.do(t, http.MethodPost, "/jobs/"+jobID+"/cancel", nil, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["cancel_requested"])

	resp, body = rig.do(t, http.MethodPost, "/jobs/"+jobID+"/cancel", nil, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["cancel_requested"])
}

func TestJobGetUnknown(t *testing.T) {
	rig := newGatewayRig(t)
	resp, body := rig.do(t, http.MethodGet, "/jobs/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["error"])
}

func TestFileUploadDownloadRoundTrip(t *testing.T) {
	rig := newGatewayRig(t)
	content := []byte("\x89PNG pretend image")

	resp, body := rig.do(t, http.MethodPost, "/files", content, map[string]string{
		"content-type": "image/png",
		"x-file-name":  "in.png",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	fileID, _ := body["file_id"].(string)
	require.True(t, filestore.IsFileID(fileID))
	assert.Equal(t, "image/png", body["media_type"])
	assert.Equal(t, "app1", body["app_id"])
	// Internal storage location never leaks over the wire.
	_, leaked := body["storage_path"]
	assert.False(t, leaked)

	resp, body = rig.do(t, http.MethodGet, "/files/"+fileID, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(len(content)), body["size_bytes"])

	req, err := http.NewRequest(http.MethodGet, rig.srv.URL+"/files/"+fileID+"/download", nil)
	require.NoError(t, err)
	req.Header.Set("x-api-key", testAPIKey)
	dl, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer dl.Body.Close()
	got, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, "image/png", dl.Header.Get("Content-Type"))
	assert.Contains(t, dl.Header.Get("Content-Disposition"), `filename="in.png"`)
}

func TestFileListPaginationOverHTTP(t *testing.T) {
	rig := newGatewayRig(t)
	for i := 0; i < 3; i++ {
		resp, _ := rig.do(t, http.MethodPost, "/files", []byte{byte(i + 1)}, map[string]string{
			"content-type": "image/png",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, body := rig.do(t, http.MethodGet, "/files?limit=2", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := body["items"].([]interface{})
	assert.Len(t, items, 2)
	cursor, ok := body["next_cursor"].(float64)
	require.True(t, ok)

	resp, body = rig.do(t, http.MethodGet, "/files?limit=2&cursor="+strconv.FormatInt(int64(cursor), 10), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["items"].([]interface{}), 1)
	_, hasCursor := body["next_cursor"]
	assert.False(t, hasCursor)

	// An explicit limit=0 clamps to one record; it does not fall back to the
	// default page size.
	resp, body = rig.do(t, http.MethodGet, "/files?limit=0", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["items"].([]interface{}), 1)

	resp, _ = rig.do(t, http.MethodGet, "/files?cursor=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFileGetUnknown(t *testing.T) {
	rig := newGatewayRig(t)
	resp, _ := rig.do(t, http.MethodGet, "/files/fid_00000000000000000000000000000000", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDegradedServerRoutes(t *testing.T) {
	failure := &resolver.Failure{
		Status:  resolver.StatusFailed,
		Stage:   resolver.StageModels,
		Message: "required model not declared",
		Details: map[string]interface{}{
			"unresolved_models": []interface{}{
				map[string]interface{}{
					"class_type": "CheckpointLoaderSimple",
					"input_name": "ckpt_name",
					"value":      "missing.safetensors",
					"reason":     resolver.ReasonNotDeclared,
				},
			},
		},
	}
	d := NewDegradedServer("127.0.0.1:0", failure, zap.NewNop().Sugar())
	srv := httptest.NewServer(d.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, false, health["ok"])
	assert.Equal(t, resolver.StatusFailed, health["status"])

	for _, path := range []string{"/run", "/artifact-resolver/error"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		var got map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, resolver.StatusFailed, got["status"])
		assert.Equal(t, resolver.StageModels, got["stage"])

		details := got["details"].(map[string]interface{})
		models := details["unresolved_models"].([]interface{})
		first := models[0].(map[string]interface{})
		assert.Equal(t, resolver.ReasonNotDeclared, first["reason"])
	}
}
