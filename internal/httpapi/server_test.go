package httpapi_test

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jobd-dev/jobd/internal/events"
	"github.com/jobd-dev/jobd/internal/httpapi"
	"github.com/jobd-dev/jobd/internal/jobstore"
	"github.com/jobd-dev/jobd/internal/lifecycle"
	"github.com/jobd-dev/jobd/internal/model"
	"github.com/jobd-dev/jobd/internal/runner"
	"github.com/jobd-dev/jobd/internal/specs"
	"github.com/stretchr/testify/require"
)

var specFiles = map[string]string{
	"echo": `
name: Echo
description: prints its input
expectedInputs:
  - id: message
    type: string
execution:
  application: sh
  arguments: ["-c", "echo \"$1\" | tee out.txt", "sh", "${inputs.message}"]
expectedOutputs:
  - id: report
    path: out.txt
    mimeType: text/plain
    name: Report
`,
	"sleep": `
name: Sleep
execution:
  application: sleep
  arguments: ["30"]
`,
}

type apiResponse struct {
	ID           string            `json:"id"`
	LatestStatus model.Status      `json:"latestStatus"`
	Timestamps   []model.Timestamp `json:"timestamps"`
	Links        map[string]struct {
		Href string `json:"href"`
	} `json:"_links"`
}

type client struct {
	t   *testing.T
	srv *httptest.Server
}

func newClient(t *testing.T) client {
	t.Helper()
	for _, bin := range []string{"sh", "sleep"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("skipped, binary %s not available: %v", bin, err)
		}
	}
	specDir := t.TempDir()
	for id, content := range specFiles {
		require.NoError(t, os.MkdirAll(filepath.Join(specDir, id), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(specDir, id, "spec.yml"), []byte(content), 0o644))
	}
	repo := specs.NewFS(specDir)
	broker := events.NewBroker()
	store, err := jobstore.NewFS(t.TempDir(), repo, jobstore.WithEvents(broker))
	require.NoError(t, err)
	ctrl := lifecycle.New(t.Context(), store, runner.New(store, broker, t.TempDir()))

	srv := httptest.NewServer(httpapi.Server{
		Jobs:   ctrl,
		Specs:  repo,
		Events: broker,
		Guest:  model.GuestOwner,
	}.Router())
	t.Cleanup(func() {
		ctrl.Close()
		broker.Close()
		srv.Close()
		_ = store.Close()
	})
	return client{t: t, srv: srv}
}

func (c client) do(method, path, body string) (int, []byte) {
	c.t.Helper()
	req, err := http.NewRequestWithContext(c.t.Context(), method, c.srv.URL+path, strings.NewReader(body))
	require.NoError(c.t, err)
	resp, err := c.srv.Client().Do(req)
	require.NoError(c.t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	b, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp.StatusCode, b
}

func (c client) job(path string) apiResponse {
	c.t.Helper()
	code, b := c.do(http.MethodGet, path, "")
	require.Equal(c.t, http.StatusOK, code, string(b))
	var ret apiResponse
	require.NoError(c.t, json.Unmarshal(b, &ret))
	return ret
}

func (c client) submit(body string) apiResponse {
	c.t.Helper()
	code, b := c.do(http.MethodPost, "/api/v1/jobs", body)
	require.Equal(c.t, http.StatusOK, code, string(b))
	var ret apiResponse
	require.NoError(c.t, json.Unmarshal(b, &ret))
	return ret
}

func (c client) waitFor(id string, status model.Status) apiResponse {
	c.t.Helper()
	var ret apiResponse
	require.Eventually(c.t, func() bool {
		ret = c.job("/api/v1/jobs/" + id)
		return ret.LatestStatus == status
	}, 10*time.Second, 20*time.Millisecond)
	return ret
}

func TestRoot(t *testing.T) {
	t.Parallel()
	c := newClient(t)
	root := c.job("/")
	require.Equal(t, "/api/v1/jobs", root.Links["jobs"].Href)
	require.Equal(t, "/api/v1/specs", root.Links["specs"].Href)
	require.Equal(t, "/api/v1/users/current", root.Links["current-user"].Href)

	code, b := c.do(http.MethodGet, "/api/v1/users/current", "")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"id":"guest","name":"guest"}`, string(b))
}

func TestSpecs(t *testing.T) {
	t.Parallel()
	c := newClient(t)

	code, b := c.do(http.MethodGet, "/api/v1/specs", "")
	require.Equal(t, http.StatusOK, code)
	var list struct {
		Entries []struct {
			ID string `json:"id"`
		} `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(b, &list))
	require.Len(t, list.Entries, 2)
	require.Equal(t, "echo", list.Entries[0].ID)

	code, b = c.do(http.MethodGet, "/api/v1/specs/echo", "")
	require.Equal(t, http.StatusOK, code)
	var spec model.Spec
	require.NoError(t, json.Unmarshal(b, &spec))
	require.Equal(t, "Echo", spec.Name)

	code, _ = c.do(http.MethodGet, "/api/v1/specs/nope", "")
	require.Equal(t, http.StatusNotFound, code)
}

func TestSubmit_BadRequests(t *testing.T) {
	t.Parallel()
	c := newClient(t)
	for _, body := range []string{`{`, `{"name":"no spec"}`, `{"spec":"nope"}`, `[]`} {
		code, b := c.do(http.MethodPost, "/api/v1/jobs", body)
		require.Equal(t, http.StatusBadRequest, code, "%s: %s", body, b)
	}
	code, _ := c.do(http.MethodGet, "/api/v1/jobs?page=x", "")
	require.Equal(t, http.StatusBadRequest, code)
}

func TestJobLifecycle(t *testing.T) {
	t.Parallel()
	c := newClient(t)

	job := c.submit(`{"spec":"echo","name":"greeting","inputs":{"message":"hello $(whoami)"}}`)
	require.NotEmpty(t, job.ID)
	require.Contains(t, job.Links, "self")

	job = c.waitFor(job.ID, model.StatusFinished)
	require.Contains(t, job.Links, "stdout")
	require.Contains(t, job.Links, "outputs")
	require.NotContains(t, job.Links, "stderr")
	require.NotContains(t, job.Links, "abort")

	code, b := c.do(http.MethodGet, job.Links["stdout"].Href, "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "hello $(whoami)\n", string(b))

	code, b = c.do(http.MethodGet, job.Links["inputs"].Href, "")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"message":"hello $(whoami)"}`, string(b))

	code, b = c.do(http.MethodGet, job.Links["spec"].Href, "")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, string(b), `"application":"sh"`)

	code, b = c.do(http.MethodGet, job.Links["outputs"].Href, "")
	require.Equal(t, http.StatusOK, code)
	var outputs struct {
		Entries []struct {
			ID       string `json:"id"`
			MimeType string `json:"mimeType"`
			Links    map[string]struct {
				Href string `json:"href"`
			} `json:"_links"`
		} `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(b, &outputs))
	require.Len(t, outputs.Entries, 1)
	require.Equal(t, "text/plain", outputs.Entries[0].MimeType)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, c.srv.URL+outputs.Entries[0].Links["self"].Href, nil)
	require.NoError(t, err)
	resp, err := c.srv.Client().Do(req)
	require.NoError(t, err)
	b, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	require.Equal(t, "hello $(whoami)\n", string(b))

	code, _ = c.do(http.MethodPost, "/api/v1/jobs/"+job.ID+"/abort", "")
	require.Equal(t, http.StatusConflict, code)

	code, _ = c.do(http.MethodDelete, "/api/v1/jobs/"+job.ID, "")
	require.Equal(t, http.StatusOK, code)
	code, _ = c.do(http.MethodGet, "/api/v1/jobs/"+job.ID, "")
	require.Equal(t, http.StatusNotFound, code)
	code, _ = c.do(http.MethodPost, "/api/v1/jobs/"+job.ID+"/abort", "")
	require.Equal(t, http.StatusNotFound, code)
}

func TestListJobs(t *testing.T) {
	t.Parallel()
	c := newClient(t)
	for range 5 {
		c.submit(`{"spec":"echo","inputs":{"message":"x"}}`)
	}

	code, b := c.do(http.MethodGet, "/api/v1/jobs?page=2&page-size=2", "")
	require.Equal(t, http.StatusOK, code)
	var page struct {
		Entries  []apiResponse `json:"entries"`
		Page     int           `json:"page"`
		PageSize int           `json:"pageSize"`
		Total    int           `json:"total"`
		Links    map[string]struct {
			Href string `json:"href"`
		} `json:"_links"`
	}
	require.NoError(t, json.Unmarshal(b, &page))
	require.Len(t, page.Entries, 2)
	require.Equal(t, 2, page.Page)
	require.Equal(t, 2, page.PageSize)
	require.Equal(t, 5, page.Total)
	require.Equal(t, "/api/v1/jobs?page=1&page-size=2", page.Links["previous"].Href)
	require.Equal(t, "/api/v1/jobs?page=3&page-size=2", page.Links["next"].Href)
}

func TestAbortWithUpdates(t *testing.T) {
	t.Parallel()
	c := newClient(t)

	job := c.submit(`{"spec":"sleep"}`)
	job = c.waitFor(job.ID, model.StatusRunning)
	require.Contains(t, job.Links, "abort")

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, c.srv.URL+job.Links["stdout-updates"].Href, nil)
	require.NoError(t, err)
	resp, err := c.srv.Client().Do(req)
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	code, _ := c.do(http.MethodPost, job.Links["abort"].Href, "")
	require.Equal(t, http.StatusOK, code)

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Contains(t, lines, "event: status")
	require.Contains(t, strings.Join(lines, "\n"), `"status":"ABORTED"`)

	job = c.waitFor(job.ID, model.StatusAborted)
	require.NotContains(t, job.Links, "abort")
}
