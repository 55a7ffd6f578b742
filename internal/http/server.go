package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/jmoiron/sqlx/types"
	"github.com/pkg/errors"

	"github.com/sarar04/flowengine/internal/log"
	"github.com/sarar04/flowengine/pkg/models"
	"github.com/sarar04/flowengine/pkg/service"
	"github.com/sarar04/flowengine/pkg/storage"
)

func StartServer(port string, store storage.Store) error {
	logger := log.GetLogger()
	wfSvc := service.NewWorkflowService(store, logger)
	actSvc := service.NewActivityService(store, logger)
	taskSvc := service.NewTaskService(store, logger)

	http.HandleFunc("/health", HealthHandler)
	http.HandleFunc("/workflows", WorkflowsHandler(wfSvc))
	http.HandleFunc("/workflows/validate", ValidateWorkflowHandler(wfSvc))
	http.HandleFunc("/activities", ActivitiesHandler(wfSvc))
	http.HandleFunc("/activities/commit", CommitActivityHandler(actSvc))
	http.HandleFunc("/activities/start", StartActivityHandler(actSvc))
	http.HandleFunc("/activities/logevent", LogEventHandler(actSvc))
	http.HandleFunc("/activities/delegate", DelegateHandler(actSvc))
	http.HandleFunc("/activities/abolish", AbolishHandler(actSvc))
	http.HandleFunc("/activities/editstate", EditStateHandler(actSvc))
	http.HandleFunc("/activities/status", StatusHandler(actSvc))
	http.HandleFunc("/activities/history", HistoryHandler(actSvc))
	http.HandleFunc("/tasks", TasksHandler(taskSvc))

	logger.Infof("Starting flowengine server on :%s", port)
	return http.ListenAndServe(":"+port, nil)
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "flowengine server is running")
}

// errorPayload is the wire shape of every failed request
type errorPayload struct {
	ErrorNum int         `json:"error_num"`
	ErrorMsg string      `json:"error_msg"`
	Detail   interface{} `json:"detail,omitempty"`
}

// writeError maps domain errors to 400 with a stable code, missing rows
// to 404, everything else to 500
func writeError(w http.ResponseWriter, err error) {
	if fe, ok := models.AsFlowError(err); ok {
		writeJSON(w, http.StatusBadRequest, errorPayload{
			ErrorNum: fe.Code,
			ErrorMsg: fe.Message,
			Detail:   fe.Detail,
		})
		return
	}
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorPayload{ErrorMsg: "not found"})
		return
	}
	log.GetLogger().Errorf("Internal error: %v", err)
	writeJSON(w, http.StatusInternalServerError, errorPayload{ErrorMsg: "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func int64Param(r *http.Request, name string) (int64, error) {
	raw := r.FormValue(name)
	if raw == "" {
		return 0, models.ErrParameterError.WithDetail(fmt.Sprintf("missing '%s' parameter", name))
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, models.ErrParameterError.WithDetail(fmt.Sprintf("invalid '%s' parameter", name))
	}
	return v, nil
}

func WorkflowsHandler(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			listWorkflowsHTTP(w, r, svc)
		case http.MethodPost:
			createWorkflowHTTP(w, r, svc)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func createWorkflowHTTP(w http.ResponseWriter, r *http.Request, svc *service.WorkflowService) {
	var def service.WorkflowDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, models.ErrParameterError.WithDetail("invalid JSON body"))
		return
	}
	belongTo := r.URL.Query().Get("belong_to")
	wf, err := svc.CreateWorkflow(def, belongTo)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func listWorkflowsHTTP(w http.ResponseWriter, r *http.Request, svc *service.WorkflowService) {
	q := r.URL.Query()
	if idRaw := q.Get("id"); idRaw != "" {
		id, err := strconv.ParseInt(idRaw, 10, 64)
		if err != nil {
			writeError(w, models.ErrParameterError.WithDetail("invalid 'id' parameter"))
			return
		}
		wf, err := svc.GetWorkflow(id, q.Get("belong_to"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, wf)
		return
	}
	workflows, err := svc.ListTemplates(q.Get("belong_to"), models.WorkflowStatus(q.Get("status")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workflows)
}

func ValidateWorkflowHandler(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id, err := int64Param(r, "id")
		if err != nil {
			writeError(w, err)
			return
		}
		ok, verrs, err := svc.Validate(id, r.FormValue("belong_to"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"valid": ok, "errors": verrs})
	}
}

func ActivitiesHandler(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			activities, err := svc.ListActivities(r.URL.Query().Get("belong_to"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, activities)
		case http.MethodPost:
			createActivityHTTP(w, r, svc)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// activityRequest is the POST /activities body
type activityRequest struct {
	TemplateID  int64          `json:"template_id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Creator     string         `json:"creator"`
	Subject     models.Subject `json:"subject"`
	BelongTo    string         `json:"belong_to"`
}

func createActivityHTTP(w http.ResponseWriter, r *http.Request, svc *service.WorkflowService) {
	var req activityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, models.ErrParameterError.WithDetail("invalid JSON body"))
		return
	}
	activity, err := svc.CreateActivity(req.TemplateID, req.Name, req.Description, req.Creator, req.Subject, req.BelongTo)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, activity)
}

func CommitActivityHandler(svc *service.ActivityService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id, err := int64Param(r, "activity_id")
		if err != nil {
			writeError(w, err)
			return
		}
		activity, err := svc.Commit(id, r.FormValue("user"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, activity)
	}
}

func StartActivityHandler(svc *service.ActivityService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id, err := int64Param(r, "activity_id")
		if err != nil {
			writeError(w, err)
			return
		}
		entry, err := svc.Start(id, r.FormValue("user"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	}
}

// logEventRequest is the POST /activities/logevent body
type logEventRequest struct {
	ActivityID int64          `json:"activity_id"`
	StateID    int64          `json:"state_id"`
	Executor   string         `json:"executor"`
	Action     string         `json:"action"`
	Note       string         `json:"note"`
	Attachment types.JSONText `json:"attachment"`
}

func LogEventHandler(svc *service.ActivityService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req logEventRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, models.ErrParameterError.WithDetail("invalid JSON body"))
			return
		}
		entry, err := svc.LogEvent(req.ActivityID, req.StateID, req.Executor, req.Action, req.Note, req.Attachment)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	}
}

// delegateRequest is the POST /activities/delegate body
type delegateRequest struct {
	ActivityID int64          `json:"activity_id"`
	User       string         `json:"user"`
	Delegator  string         `json:"delegator"`
	Reason     string         `json:"reason"`
	Attachment types.JSONText `json:"attachment"`
	Repeat     bool           `json:"repeat"`
}

func DelegateHandler(svc *service.ActivityService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req delegateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, models.ErrParameterError.WithDetail("invalid JSON body"))
			return
		}
		activity, err := svc.Delegation(req.ActivityID, req.User, req.Delegator, req.Reason, req.Attachment, req.Repeat)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, activity)
	}
}

func AbolishHandler(svc *service.ActivityService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id, err := int64Param(r, "activity_id")
		if err != nil {
			writeError(w, err)
			return
		}
		activity, err := svc.Abolish(id, r.FormValue("user"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, activity)
	}
}

// editStateRequest is the POST /activities/editstate body
type editStateRequest struct {
	ActivityID int64             `json:"activity_id"`
	StateID    int64             `json:"state_id"`
	User       string            `json:"user"`
	Edit       service.StateEdit `json:"edit"`
}

func EditStateHandler(svc *service.ActivityService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req editStateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, models.ErrParameterError.WithDetail("invalid JSON body"))
			return
		}
		state, err := svc.EditState(req.ActivityID, req.User, req.Edit, req.StateID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
	}
}

func StatusHandler(svc *service.ActivityService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		activityID, err := int64Param(r, "activity_id")
		if err != nil {
			writeError(w, err)
			return
		}
		stateID, err := int64Param(r, "state_id")
		if err != nil {
			writeError(w, err)
			return
		}
		status, err := svc.GetStatus(activityID, stateID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": status})
	}
}

func HistoryHandler(svc *service.ActivityService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		activityID, err := int64Param(r, "activity_id")
		if err != nil {
			writeError(w, err)
			return
		}
		histories, err := svc.GetHistory(activityID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, histories)
	}
}

func TasksHandler(svc *service.TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		executor := r.URL.Query().Get("executor")
		if executor == "" {
			writeError(w, models.ErrParameterError.WithDetail("missing 'executor' parameter"))
			return
		}
		tasks, err := svc.TasksFor(executor, r.URL.Query().Get("belong_to"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tasks)
	}
}
