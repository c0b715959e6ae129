// Copyright 2026 The multiview Authors
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
	"errors"
	"fmt"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/multiview/common"
	"github.com/alwitt/multiview/subscription"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// ReadinessCheck reports whether the service's dependencies are usable
type ReadinessCheck func() bool

// APIRestDiagnosticsHandler REST handler for call session diagnostics
type APIRestDiagnosticsHandler struct {
	goutils.RestAPIHandler
	registry *subscription.SessionRegistry
	ready    ReadinessCheck
}

// GetAPIRestDiagnosticsHandler define APIRestDiagnosticsHandler
func GetAPIRestDiagnosticsHandler(
	registry *subscription.SessionRegistry,
	httpConfig *common.HTTPConfig,
	ready ReadinessCheck,
) (APIRestDiagnosticsHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "diagnostics",
	}
	return APIRestDiagnosticsHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		registry: registry,
		ready:    ready,
	}, nil
}

// =======================================================================
// Call sessions

// APIRestRespCallList response listing the open call sessions
type APIRestRespCallList struct {
	goutils.RestAPIBaseResponse
	// Calls are the call IDs with an open session
	Calls []string `json:"calls"`
}

// APIRestRespCallSession response describing one call session
type APIRestRespCallSession struct {
	goutils.RestAPIBaseResponse
	// InstanceID is the session instance ID
	InstanceID string `json:"instance_id"`
	// State is the session lifecycle state
	State string `json:"state"`
	// Subscriptions is the session's subscription state
	Subscriptions subscription.ManagerSnapshot `json:"subscriptions"`
}

// -----------------------------------------------------------------------

// ListCalls godoc
// @Summary List call sessions
// @Description List the calls with an open media session
// @tags Diagnostics
// @Produce json
// @Param Multiview-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespCallList "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Multiview-Request-ID "Request ID to match against logs"
// @Router /v1/call [get]
func (h APIRestDiagnosticsHandler) ListCalls(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespCallList{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Calls:               h.registry.CallIDs(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// ListCallsHandler Wrapper around ListCalls
func (h APIRestDiagnosticsHandler) ListCallsHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.ListCalls)
}

// -----------------------------------------------------------------------

// GetCall godoc
// @Summary Query a call session
// @Description Query the subscription state of one call session
// @tags Diagnostics
// @Produce json
// @Param Multiview-Request-ID header string false "User provided request ID to match against logs"
// @Param callID path string true "Call ID"
// @Success 200 {object} APIRestRespCallSession "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,404,500 {string} Multiview-Request-ID "Request ID to match against logs"
// @Router /v1/call/{callID} [get]
func (h APIRestDiagnosticsHandler) GetCall(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	callID, ok := vars["callID"]
	if !ok {
		msg := "No call ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	session, err := h.registry.Get(callID)
	if err != nil {
		msg := fmt.Sprintf("No session for call %s", callID)
		respCode = http.StatusInternalServerError
		if errors.Is(err, common.ErrUnknownSession) {
			respCode = http.StatusNotFound
		}
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespCallSession{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		InstanceID:          session.InstanceID(),
		State:               session.State(),
		Subscriptions:       session.Snapshot(),
	}
}

// GetCallHandler Wrapper around GetCall
func (h APIRestDiagnosticsHandler) GetCallHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.GetCall)
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For diagnostics REST API liveness check
// @Description Will return success to indicate diagnostics REST API module is live
// @tags Diagnostics
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestDiagnosticsHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestDiagnosticsHandler) AliveHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.Alive)
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For diagnostics REST API readiness check
// @Description Will return success if the NATS connection is up
// @tags Diagnostics
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestDiagnosticsHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.ready == nil || h.ready() {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestDiagnosticsHandler) ReadyHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.Ready)
}

// =======================================================================

// BuildDiagnosticsRouter assemble the diagnostics API routes
func BuildDiagnosticsRouter(
	handler APIRestDiagnosticsHandler,
	endpoints common.DiagnosticsEndpointConfig,
	metricsHandler http.Handler,
) *mux.Router {
	router := mux.NewRouter()
	if metricsHandler != nil {
		router.Methods("get").Path(endpoints.MetricsPath).Handler(metricsHandler)
	}
	mainRouter := RegisterPathPrefix(router, endpoints.PathPrefix, nil)

	callRouter := RegisterPathPrefix(mainRouter, "/v1/call", MethodHandlers{
		"get": handler.ListCallsHandler(),
	})
	_ = RegisterPathPrefix(callRouter, "/{callID}", MethodHandlers{
		"get": handler.GetCallHandler(),
	})

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/alive", MethodHandlers{
		"get": handler.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", MethodHandlers{
		"get": handler.ReadyHandler(),
	})

	return router
}
