// Copyright 2025-2026 The jobrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/spryce/jobrelay/common"
	"github.com/spryce/jobrelay/event"
	"github.com/spryce/jobrelay/publisher"
)

// JobStatusUpdateRequest request body for a job status update
type JobStatusUpdateRequest struct {
	// SubjectID the user / owning account the job belongs to
	SubjectID string `json:"subject_id" validate:"required"`
	// Status the new job status
	Status event.Status `json:"status" validate:"required,oneof=PENDING COMPLETE ERROR"`
	// Payload the generation result parameters
	Payload event.ResultPayload `json:"payload"`
	// CreatedAt when the job was created
	CreatedAt time.Time `json:"created_at" validate:"required"`
}

// JobStatusResponse response body for a job status query
type JobStatusResponse struct {
	StandardResponse
	// Job the current job state
	Job event.CompletionEvent `json:"job"`
}

// APIRestStatusPublisherHandler REST handler for job status updates
type APIRestStatusPublisherHandler struct {
	APIRestHandler
	store    publisher.StatusStore
	validate *validator.Validate
}

// GetAPIRestStatusPublisherHandler define a new APIRestStatusPublisherHandler
func GetAPIRestStatusPublisherHandler(
	store publisher.StatusStore, requestIDHeader string,
) (APIRestStatusPublisherHandler, error) {
	logTags := log.Fields{
		"module": "rest", "component": "api-status-publisher",
	}
	return APIRestStatusPublisherHandler{
		APIRestHandler: APIRestHandler{
			Component:       common.Component{LogTags: logTags},
			requestIDHeader: requestIDHeader,
		},
		store:    store,
		validate: validator.New(),
	}, nil
}

// UpdateJobStatus record a job status change. The matching completion
// event reaches the notification queue through the outbox relay, not from
// this handler.
func (h APIRestStatusPublisherHandler) UpdateJobStatus(w http.ResponseWriter, r *http.Request) {
	restCall := "POST /v1/job/{jobID}/status"
	localLogTags, _ := common.UpdateLogTags(r.Context(), h.LogTags)

	vars := mux.Vars(r)
	jobID, ok := vars["jobID"]
	if !ok {
		msg := "no job ID provided"
		h.reply(w, http.StatusBadRequest, getStdRESTErrorMsg(
			http.StatusBadRequest, &msg,
		), restCall)
		return
	}

	var request JobStatusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to parse status update for %s", jobID,
		)
		msg := "unable to parse request body"
		h.reply(w, http.StatusBadRequest, getStdRESTErrorMsg(
			http.StatusBadRequest, &msg,
		), restCall)
		return
	}
	if err := h.validate.Struct(&request); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Invalid status update for %s", jobID,
		)
		msg := err.Error()
		h.reply(w, http.StatusBadRequest, getStdRESTErrorMsg(
			http.StatusBadRequest, &msg,
		), restCall)
		return
	}

	change := event.CompletionEvent{
		JobID:     jobID,
		SubjectID: request.SubjectID,
		Status:    request.Status,
		Payload:   request.Payload,
		CreatedAt: request.CreatedAt,
		UpdatedAt: time.Now(),
	}
	if err := h.store.UpdateStatus(r.Context(), change); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Status update failed for %s", change.String(),
		)
		msg := "status update failed"
		h.reply(w, http.StatusInternalServerError, getStdRESTErrorMsg(
			http.StatusInternalServerError, &msg,
		), restCall)
		return
	}
	h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), restCall)
}

// UpdateJobStatusHandler Wrapper around UpdateJobStatus
func (h APIRestStatusPublisherHandler) UpdateJobStatusHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.UpdateJobStatus(w, r)
	})
}

// -----------------------------------------------------------------------

// GetJobStatus fetch the authoritative current status of a job
func (h APIRestStatusPublisherHandler) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	restCall := "GET /v1/job/{jobID}/status"
	localLogTags, _ := common.UpdateLogTags(r.Context(), h.LogTags)

	vars := mux.Vars(r)
	jobID, ok := vars["jobID"]
	if !ok {
		msg := "no job ID provided"
		h.reply(w, http.StatusBadRequest, getStdRESTErrorMsg(
			http.StatusBadRequest, &msg,
		), restCall)
		return
	}

	job, err := h.store.GetStatus(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, publisher.ErrJobNotFound) {
			msg := "job not found"
			h.reply(w, http.StatusNotFound, getStdRESTErrorMsg(
				http.StatusNotFound, &msg,
			), restCall)
			return
		}
		log.WithError(err).WithFields(localLogTags).Errorf("Status query failed for %s", jobID)
		msg := "status query failed"
		h.reply(w, http.StatusInternalServerError, getStdRESTErrorMsg(
			http.StatusInternalServerError, &msg,
		), restCall)
		return
	}
	h.reply(w, http.StatusOK, JobStatusResponse{
		StandardResponse: getStdRESTSuccessMsg(), Job: job,
	}, restCall)
}

// GetJobStatusHandler Wrapper around GetJobStatus
func (h APIRestStatusPublisherHandler) GetJobStatusHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.GetJobStatus(w, r)
	})
}

// -----------------------------------------------------------------------

// Alive liveness check
func (h APIRestStatusPublisherHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), "GET /alive")
}

// AliveHandler Wrapper around Alive
func (h APIRestStatusPublisherHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready readiness check
func (h APIRestStatusPublisherHandler) Ready(w http.ResponseWriter, r *http.Request) {
	h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), "GET /ready")
}

// ReadyHandler Wrapper around Ready
func (h APIRestStatusPublisherHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
