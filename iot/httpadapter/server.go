// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package httpadapter is the HTTP front end for devices.
//
// Devices authenticate with basic auth as "device@tenant" and upload to
//
//	POST /telemetry
//	POST /event
//	PUT  /command_response/{request_id}?hono-cmd-status={status}
//
// Gateways upload on behalf of other devices of their tenant to
//
//	POST /telemetry/{tenant}/{device}
//	POST /event/{tenant}/{device}
//	PUT  /command_response/{tenant}/{device}/{request_id}?hono-cmd-status={status}
//
// A device which is ready to receive a command sets the hono-ttd header or
// query parameter. A command is returned in the response body, its metadata in
// the hono-command, hono-cmd-req-id and hono-cmd-target-device headers.
package httpadapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/relabs-tech/bridge/core/logger"
	"github.com/relabs-tech/bridge/iot"
	"github.com/sirupsen/logrus"
)

// request and response headers
const (
	HeaderTTD                 = "hono-ttd"
	HeaderQoS                 = "QoS-Level"
	HeaderCommand             = "hono-command"
	HeaderCommandRequestID    = "hono-cmd-req-id"
	HeaderCommandTargetDevice = "hono-cmd-target-device"
	HeaderCommandStatus       = "hono-cmd-status"
)

// DefaultMaxBodySize is the default limit for request bodies
const DefaultMaxBodySize = 1 << 20

// Uploader processes device uploads, implemented by iot.Adapter
type Uploader interface {
	UploadTelemetry(ctx context.Context, req *iot.UploadRequest) iot.Reply
	UploadEvent(ctx context.Context, req *iot.UploadRequest) iot.Reply
	UploadCommandResponse(ctx context.Context, req *iot.UploadRequest) iot.Reply
}

// Authenticator checks device credentials, implemented by gate.Gate
type Authenticator interface {
	Authenticate(ctx context.Context, tenantID, deviceID, password string) error
}

// Server is the HTTP device API
type Server struct {
	uploader    Uploader
	auth        Authenticator
	router      *mux.Router
	maxBodySize int64
}

// Builder is a builder helper for the Server
type Builder struct {
	// Uploader is mandatory
	Uploader Uploader
	// Authenticator is mandatory
	Authenticator Authenticator
	// Router is the router to add the routes to. If nil, a new router is created.
	Router *mux.Router
	// MaxBodySize defaults to DefaultMaxBodySize
	MaxBodySize int64
}

type uploadFunc func(ctx context.Context, req *iot.UploadRequest) iot.Reply

// NewServer creates the device API and adds its routes to the router
func NewServer(b *Builder) *Server {
	if b.Uploader == nil {
		panic("Uploader is missing")
	}
	if b.Authenticator == nil {
		panic("Authenticator is missing")
	}
	s := &Server{
		uploader:    b.Uploader,
		auth:        b.Authenticator,
		router:      b.Router,
		maxBodySize: b.MaxBodySize,
	}
	if s.router == nil {
		s.router = mux.NewRouter()
	}
	if s.maxBodySize <= 0 {
		s.maxBodySize = DefaultMaxBodySize
	}
	logger.AddRequestID(s.router)
	s.handleRoutes()
	return s
}

// Router returns the router with the device routes
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the device API with panic recovery
func (s *Server) Handler() http.Handler {
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(s.router)
}

func (s *Server) handleRoutes() {
	logger.Default().Debugln("device api: handle route /telemetry POST,PUT")
	logger.Default().Debugln("device api: handle route /event POST,PUT")
	logger.Default().Debugln("device api: handle route /command_response/{request_id} POST,PUT")

	telemetry := s.handler(iot.EndpointTelemetry, s.uploader.UploadTelemetry)
	event := s.handler(iot.EndpointEvent, s.uploader.UploadEvent)
	response := s.handler(iot.EndpointCommandResponse, s.uploader.UploadCommandResponse)
	methods := []string{http.MethodPost, http.MethodPut}

	s.router.Handle("/telemetry", telemetry).Methods(methods...)
	s.router.Handle("/telemetry/{tenant}/{device}", telemetry).Methods(methods...)
	s.router.Handle("/event", event).Methods(methods...)
	s.router.Handle("/event/{tenant}/{device}", event).Methods(methods...)
	s.router.Handle("/"+iot.CommandResponseEndpoint+"/{request_id}", response).Methods(methods...)
	s.router.Handle("/"+iot.CommandResponseEndpoint+"/{tenant}/{device}/{request_id}", response).Methods(methods...)
}

func (s *Server) handler(endpoint iot.Endpoint, upload uploadFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		tenantID, deviceID, err := s.authenticate(r)
		if err != nil {
			rlog.WithError(err).Debug("authentication failed")
			w.Header().Set("WWW-Authenticate", `Basic realm="bridge"`)
			http.Error(w, err.Error(), httpStatus(iot.StatusOf(err), false))
			return
		}

		req, err := s.uploadRequest(w, r, endpoint, tenantID, deviceID)
		if err != nil {
			var maxBytesError *http.MaxBytesError
			if errors.As(err, &maxBytesError) {
				http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
				return
			}
			status := iot.StatusOf(err)
			http.Error(w, err.Error(), httpStatus(status, false))
			return
		}

		writeReply(w, r, upload(r.Context(), req))
	})
}

// authenticate returns tenant and device of the basic auth user "device@tenant"
func (s *Server) authenticate(r *http.Request) (string, string, error) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return "", "", iot.NewRegistrationError(iot.StatusUnauthorized, "missing credentials")
	}
	i := strings.LastIndex(username, "@")
	if i <= 0 || i == len(username)-1 {
		return "", "", iot.NewRegistrationError(iot.StatusUnauthorized, "username must be device@tenant")
	}
	deviceID, tenantID := username[:i], username[i+1:]
	if err := s.auth.Authenticate(r.Context(), tenantID, deviceID, password); err != nil {
		return "", "", err
	}
	return tenantID, deviceID, nil
}

func (s *Server) uploadRequest(w http.ResponseWriter, r *http.Request, endpoint iot.Endpoint, tenantID, authenticatedDeviceID string) (*iot.UploadRequest, error) {
	params := mux.Vars(r)
	deviceID := authenticatedDeviceID
	if tenant, ok := params["tenant"]; ok {
		if tenant != tenantID {
			return nil, iot.NewRegistrationError(iot.StatusForbidden, "cannot upload for other tenants")
		}
		deviceID = params["device"]
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodySize))
	if err != nil {
		return nil, err
	}

	req := &iot.UploadRequest{
		Endpoint:              endpoint,
		TenantID:              tenantID,
		DeviceID:              deviceID,
		AuthenticatedDeviceID: authenticatedDeviceID,
		ContentType:           r.Header.Get("Content-Type"),
		Payload:               payload,
		Confirmable:           endpoint != iot.EndpointTelemetry || r.Header.Get(HeaderQoS) == "1",
		TTD:                   ttd(r),
		Path:                  r.URL.Path,
	}
	req.EmptyNotification = req.ContentType == iot.EmptyNotificationContentType

	if endpoint == iot.EndpointCommandResponse {
		req.CommandRequestID = params["request_id"]
		status := r.Header.Get(HeaderCommandStatus)
		if status == "" {
			status = r.URL.Query().Get(HeaderCommandStatus)
		}
		if status != "" {
			code, err := strconv.Atoi(status)
			if err != nil {
				return nil, iot.NewClientError(fmt.Sprintf("invalid command status %q", status))
			}
			req.CommandStatus = &code
		}
	}
	return req, nil
}

// ttd reads the requested time till disconnect. Malformed values are ignored.
func ttd(r *http.Request) *int {
	value := r.Header.Get(HeaderTTD)
	if value == "" {
		value = r.URL.Query().Get(HeaderTTD)
	}
	if value == "" {
		return nil
	}
	seconds, err := strconv.Atoi(value)
	if err != nil {
		logger.FromContext(r.Context()).Debugf("ignoring malformed %s %q", HeaderTTD, value)
		return nil
	}
	return &seconds
}

func writeReply(w http.ResponseWriter, r *http.Request, reply iot.Reply) {
	if reply.Status.Class() != 2 {
		http.Error(w, reply.Message, httpStatus(reply.Status, false))
		return
	}
	if !reply.HasCommand() {
		w.WriteHeader(httpStatus(reply.Status, false))
		return
	}
	header := w.Header()
	header.Set(HeaderCommand, reply.CommandName)
	if reply.CommandRequestID != "" {
		header.Set(HeaderCommandRequestID, reply.CommandRequestID)
	}
	if reply.CommandTargetDevice != "" {
		header.Set(HeaderCommandTargetDevice, reply.CommandTargetDevice)
	}
	header.Set("Location", reply.Location())
	if reply.ContentType != "" {
		header.Set("Content-Type", reply.ContentType)
	}
	header.Set("Content-Length", strconv.Itoa(len(reply.Payload)))
	w.WriteHeader(httpStatus(reply.Status, true))
	if _, err := w.Write(reply.Payload); err != nil {
		logger.FromContext(r.Context()).WithError(err).WithFields(logrus.Fields{
			"command":            reply.CommandName,
			"command_request_id": reply.CommandRequestID,
		}).Warn("cannot write command to device")
	}
}

// httpStatus maps a device status code to HTTP. Successful uploads are answered
// with 202 Accepted, or 200 OK if a command is returned.
func httpStatus(status iot.StatusCode, hasCommand bool) int {
	if status.Class() == 2 {
		if hasCommand {
			return http.StatusOK
		}
		return http.StatusAccepted
	}
	return status.Class()*100 + int(status&0x1f)
}
