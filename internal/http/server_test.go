package http_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_http "github.com/sarar04/flowengine/internal/http"
	"github.com/sarar04/flowengine/internal/log"
	"github.com/sarar04/flowengine/pkg/models"
	"github.com/sarar04/flowengine/pkg/service"
	"github.com/sarar04/flowengine/pkg/storage"
)

func newServer(store storage.Store) *httptest.Server {
	logger := log.GetLogger()
	wfSvc := service.NewWorkflowService(store, logger)
	actSvc := service.NewActivityService(store, logger)
	taskSvc := service.NewTaskService(store, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", internal_http.HealthHandler)
	mux.HandleFunc("/workflows", internal_http.WorkflowsHandler(wfSvc))
	mux.HandleFunc("/workflows/validate", internal_http.ValidateWorkflowHandler(wfSvc))
	mux.HandleFunc("/activities", internal_http.ActivitiesHandler(wfSvc))
	mux.HandleFunc("/activities/commit", internal_http.CommitActivityHandler(actSvc))
	mux.HandleFunc("/activities/start", internal_http.StartActivityHandler(actSvc))
	mux.HandleFunc("/activities/logevent", internal_http.LogEventHandler(actSvc))
	mux.HandleFunc("/activities/status", internal_http.StatusHandler(actSvc))
	mux.HandleFunc("/activities/history", internal_http.HistoryHandler(actSvc))
	mux.HandleFunc("/tasks", internal_http.TasksHandler(taskSvc))
	return httptest.NewServer(mux)
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestServerEndToEnd(t *testing.T) {
	server := newServer(storage.NewMockStore())
	defer server.Close()

	t.Run("Health", func(t *testing.T) {
		resp, err := http.Get(server.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(body), "running")
	})

	def := service.WorkflowDefinition{
		Name:     "approval",
		Creator:  "alice",
		Template: true,
		Status:   models.ActiveWorkflowStatus,
		States: []service.StateDefinition{
			{Name: "submit", Type: models.StartState, Relation: 1, Participants: []string{"alice"}},
			{Name: "approve", Type: models.GeneralState, Relation: 1, Participants: []string{"bob"}},
			{Name: "done", Type: models.EndState},
		},
		Transitions: []service.TransitionDefinition{
			{Name: "submitted", FromState: "submit", ToState: "approve"},
			{Name: "approved", FromState: "approve", ToState: "done"},
		},
	}

	var template models.Workflow
	t.Run("CreateWorkflow", func(t *testing.T) {
		resp := postJSON(t, server.URL+"/workflows?belong_to=team", def)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		decode(t, resp, &template)
		assert.Greater(t, template.ID, int64(0))
		assert.Equal(t, models.ActiveWorkflowStatus, template.Status)
	})

	t.Run("ListWorkflows", func(t *testing.T) {
		resp, err := http.Get(server.URL + "/workflows?belong_to=team")
		require.NoError(t, err)
		var workflows []models.Workflow
		decode(t, resp, &workflows)
		require.Len(t, workflows, 1)
		assert.Equal(t, template.ID, workflows[0].ID)
	})

	var activity models.WorkflowActivity
	t.Run("CreateActivity", func(t *testing.T) {
		resp := postJSON(t, server.URL+"/activities", map[string]interface{}{
			"template_id": template.ID,
			"name":        "lunch receipt",
			"creator":     "alice",
			"belong_to":   "team",
		})
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		decode(t, resp, &activity)
		assert.Equal(t, models.EditActivityStatus, activity.Status)
	})

	t.Run("CommitAndStart", func(t *testing.T) {
		resp, err := http.PostForm(server.URL+"/activities/commit", url.Values{
			"activity_id": {fmt.Sprint(activity.ID)},
			"user":        {"alice"},
		})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()

		resp, err = http.PostForm(server.URL+"/activities/start", url.Values{
			"activity_id": {fmt.Sprint(activity.ID)},
			"user":        {"alice"},
		})
		require.NoError(t, err)
		var first models.WorkflowHistory
		decode(t, resp, &first)
		assert.True(t, first.Open())
	})

	// the running activity works on a clone; fetch it for state IDs
	var running models.Workflow
	t.Run("GetRunningWorkflow", func(t *testing.T) {
		resp, err := http.Get(fmt.Sprintf("%s/workflows?id=%d&belong_to=team", server.URL, activity.WorkflowID))
		require.NoError(t, err)
		decode(t, resp, &running)
		require.Len(t, running.States, 3)
	})

	t.Run("LogEventsToCompletion", func(t *testing.T) {
		submit := running.StateByName("submit")
		approve := running.StateByName("approve")
		require.NotNil(t, submit)
		require.NotNil(t, approve)

		resp := postJSON(t, server.URL+"/activities/logevent", map[string]interface{}{
			"activity_id": activity.ID,
			"state_id":    submit.ID,
			"executor":    "alice",
			"action":      "submitted",
		})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()

		resp = postJSON(t, server.URL+"/activities/logevent", map[string]interface{}{
			"activity_id": activity.ID,
			"state_id":    approve.ID,
			"executor":    "bob",
			"action":      "approved",
		})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()

		resp2, err := http.Get(fmt.Sprintf("%s/activities/status?activity_id=%d&state_id=%d", server.URL, activity.ID, submit.ID))
		require.NoError(t, err)
		var status map[string]string
		decode(t, resp2, &status)
		assert.Equal(t, service.StatusFinish, status["status"])
	})

	t.Run("History", func(t *testing.T) {
		resp, err := http.Get(fmt.Sprintf("%s/activities/history?activity_id=%d", server.URL, activity.ID))
		require.NoError(t, err)
		var histories []models.WorkflowHistory
		decode(t, resp, &histories)
		assert.Len(t, histories, 2)
	})

	t.Run("Tasks", func(t *testing.T) {
		resp, err := http.Get(server.URL + "/tasks?executor=bob&belong_to=team")
		require.NoError(t, err)
		var tasks service.Tasks
		decode(t, resp, &tasks)
		assert.NotEmpty(t, tasks.Completed)
		assert.Empty(t, tasks.Executing)
	})
}

func TestServerErrorPayloads(t *testing.T) {
	server := newServer(storage.NewMockStore())
	defer server.Close()

	t.Run("DomainErrorCarriesStableCode", func(t *testing.T) {
		resp := postJSON(t, server.URL+"/workflows?belong_to=team", service.WorkflowDefinition{})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		var payload struct {
			ErrorNum int    `json:"error_num"`
			ErrorMsg string `json:"error_msg"`
		}
		decode(t, resp, &payload)
		assert.Equal(t, 400020, payload.ErrorNum)
		assert.NotEmpty(t, payload.ErrorMsg)
	})

	t.Run("MissingRowIs404", func(t *testing.T) {
		resp, err := http.PostForm(server.URL+"/activities/commit", url.Values{
			"activity_id": {"424242"},
			"user":        {"alice"},
		})
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("MissingParameterRejected", func(t *testing.T) {
		resp, err := http.PostForm(server.URL+"/activities/commit", url.Values{"user": {"alice"}})
		require.NoError(t, err)
		var payload struct {
			ErrorNum int `json:"error_num"`
		}
		decode(t, resp, &payload)
		assert.Equal(t, 400020, payload.ErrorNum)
	})

	t.Run("MethodNotAllowed", func(t *testing.T) {
		resp, err := http.Get(server.URL + "/activities/commit")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}
