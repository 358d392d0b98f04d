package host

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/buildkite/go-buildkite/v3/buildkite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etsy/jenkins-master-project/internal/logging"
	"github.com/etsy/jenkins-master-project/pkg/model"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (fn roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return fn(r)
}

// fakeAPI answers Buildkite REST calls from a route table keyed by "METHOD path".
type fakeAPI struct {
	mu       sync.Mutex
	routes   map[string]string
	requests []*http.Request
	bodies   []string
}

func (f *fakeAPI) client() *buildkite.Client {
	return buildkite.NewClient(&http.Client{Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.requests = append(f.requests, r)
		if r.Body != nil {
			b, _ := io.ReadAll(r.Body)
			f.bodies = append(f.bodies, string(b))
		}
		body, ok := f.routes[r.Method+" "+r.URL.Path]
		status := http.StatusOK
		if !ok {
			status, body = http.StatusNotFound, `{"message":"Not Found"}`
		}
		return &http.Response{
			StatusCode: status,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       io.NopCloser(strings.NewReader(body)),
			Request:    r,
		}, nil
	})})
}

func newTestBuildkite(routes map[string]string) (*Buildkite, *fakeAPI) {
	api := &fakeAPI{routes: routes}
	return NewBuildkiteWithClient(api.client(), "acme", logging.Discard()), api
}

const buildsPath = "/v2/organizations/acme/pipelines/web/builds"

func TestBuildkite_Project(t *testing.T) {
	bk, _ := newTestBuildkite(map[string]string{
		"GET /v2/organizations/acme/pipelines/web": `{"slug":"web","web_url":"https://buildkite.com/acme/web","env":{"REV":"main","DEPLOY":"false"}}`,
	})

	p, err := bk.Project(context.Background(), "web")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "https://buildkite.com/acme/web", p.URL)
	require.Len(t, p.Parameters, 2)
	assert.Equal(t, "DEPLOY", p.Parameters[0].Name)
	assert.Equal(t, "main", p.Parameter("REV").Default)

	missing, err := bk.Project(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestBuildkite_Schedule(t *testing.T) {
	bk, api := newTestBuildkite(map[string]string{
		"POST " + buildsPath: `{"number":42,"state":"scheduled"}`,
	})

	item, err := bk.Schedule(context.Background(), "web", model.Cause{MasterBuildID: "mb_1", Attempt: 2}, model.ParameterSet{
		{Name: "REV", Type: model.ParameterTypeString, Value: "abc"},
		{Name: "CFG", Type: model.ParameterTypeFile, FileName: "app.yaml", Location: "file:///stage/mb_1/CFG/app.yaml"},
	})
	require.NoError(t, err)
	assert.Equal(t, "42", item.ID)
	assert.Equal(t, 2, item.Cause.Attempt)

	require.Len(t, api.bodies, 1)
	var sent struct {
		Env      map[string]string `json:"env"`
		MetaData map[string]string `json:"meta_data"`
	}
	require.NoError(t, json.Unmarshal([]byte(api.bodies[0]), &sent))
	assert.Equal(t, "mb_1", sent.MetaData[MetaMasterBuildID])
	assert.Equal(t, "2", sent.MetaData[MetaAttempt])
	assert.Equal(t, "abc", sent.Env["REV"])
	assert.Equal(t, "file:///stage/mb_1/CFG/app.yaml", sent.Env["CFG"])
	assert.Equal(t, "app.yaml", sent.Env["CFG_FILENAME"])
}

func TestBuildkite_ScheduleFileDownloadURL(t *testing.T) {
	bk, api := newTestBuildkite(map[string]string{
		"POST " + buildsPath: `{"number":43,"state":"scheduled"}`,
	})
	bk.WithFileBaseURL("https://master.example.com/")

	_, err := bk.Schedule(context.Background(), "web", model.NewCause("mb_1"), model.ParameterSet{
		{Name: "CFG", Type: model.ParameterTypeFile, FileName: "app config.yaml", Location: "s3://files/mb_1/CFG/app config.yaml"},
	})
	require.NoError(t, err)

	require.Len(t, api.bodies, 1)
	var sent struct {
		Env map[string]string `json:"env"`
	}
	require.NoError(t, json.Unmarshal([]byte(api.bodies[0]), &sent))
	assert.Equal(t, "https://master.example.com/api/v1/masterbuilds/mb_1/files/CFG/app%20config.yaml", sent.Env["CFG"])
	assert.Equal(t, "app config.yaml", sent.Env["CFG_FILENAME"])
}

func TestBuildkite_History(t *testing.T) {
	bk, _ := newTestBuildkite(map[string]string{
		"GET " + buildsPath: `[
			{"number":3,"state":"scheduled","meta_data":{"master-build-id":"mb_1","master-attempt":"1"}},
			{"number":2,"state":"running","started_at":"2024-01-01T00:00:00Z","meta_data":{"master-build-id":"mb_1","master-attempt":"0"}},
			{"number":1,"state":"failed","started_at":"2024-01-01T00:00:00Z","finished_at":"2024-01-01T00:01:00Z"}
		]`,
	})

	execs, err := bk.History(context.Background(), "web")
	require.NoError(t, err)
	require.Len(t, execs, 2, "queued builds are not executions")

	assert.Equal(t, 2, execs[0].Number)
	assert.True(t, execs[0].IsRunning())
	assert.True(t, execs[0].HasCause(model.Cause{MasterBuildID: "mb_1"}))

	assert.Equal(t, model.ResultFailure, execs[1].Result)
	assert.Empty(t, execs[1].Causes)
	assert.NotNil(t, execs[1].CompletedAt)
}

func TestBuildkite_Cancel(t *testing.T) {
	bk, api := newTestBuildkite(map[string]string{
		"GET " + buildsPath + "/7":        `{"number":7,"state":"scheduled"}`,
		"PUT " + buildsPath + "/7/cancel": `{"number":7,"state":"canceled"}`,
		"GET " + buildsPath + "/8":        `{"number":8,"state":"running","started_at":"2024-01-01T00:00:00Z"}`,
	})
	ctx := context.Background()

	ok, err := bk.Cancel(ctx, &model.QueueItem{ID: "7", Project: "web"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = bk.Cancel(ctx, &model.QueueItem{ID: "8", Project: "web"})
	require.NoError(t, err)
	assert.False(t, ok, "started builds are never cancelled")

	for _, r := range api.requests {
		assert.NotEqual(t, buildsPath+"/8/cancel", r.URL.Path)
	}
}

func TestResultOf(t *testing.T) {
	tests := map[string]model.Result{
		"passed":      model.ResultSuccess,
		"soft_failed": model.ResultUnstable,
		"failed":      model.ResultFailure,
		"canceled":    model.ResultAborted,
		"skipped":     model.ResultNotBuilt,
		"not_run":     model.ResultNotBuilt,
		"mystery":     model.ResultFailure,
	}
	for state, want := range tests {
		assert.Equal(t, want, resultOf(state), state)
	}
}
