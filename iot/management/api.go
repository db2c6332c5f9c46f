// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package management is the REST API to create, read, update and delete the
// tenants and devices the bridge serves.
package management

import (
	"embed"
	"errors"
	"io"
	"io/fs"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/relabs-tech/bridge/core/logger"
	"github.com/relabs-tech/bridge/core/schema"
	"github.com/relabs-tech/bridge/iot"
	"github.com/relabs-tech/bridge/iot/credentials"
	"github.com/relabs-tech/bridge/iot/gate"
)

//go:embed schemas
var schemaFS embed.FS

// schema IDs of the request bodies
const (
	TenantSchemaID = "https://bridge/management/tenant.json"
	DeviceSchemaID = "https://bridge/management/device.json"
)

const maxBodySize = 64 * 1024

// API is the management REST API
type API struct {
	store     gate.Store
	validator *schema.Validator
	router    *mux.Router
	authority *credentials.Authority
}

// Builder is a builder helper for the API
type Builder struct {
	// Store is mandatory
	Store gate.Store
	// Router is the router to add the routes to. If nil, a new router is created.
	Router *mux.Router
	// JWTSecret is the HS256 secret of admin tokens. This is mandatory.
	JWTSecret []byte
	// Issuer is the accepted token issuer, any issuer if empty
	Issuer string
	// Authority issues MQTT client certificates for back-end applications.
	// Without, there is no credentials route.
	Authority *credentials.Authority
}

// tenantBody is the body of tenant requests
type tenantBody struct {
	TenantID            string `json:"tenant_id,omitempty"`
	Enabled             *bool  `json:"enabled,omitempty"`
	MaxPayloadSize      int    `json:"max_payload_size,omitempty"`
	DataVolumePerPeriod int64  `json:"data_volume_per_period,omitempty"`
	MaxTTD              *int   `json:"max_ttd,omitempty"`
}

// deviceBody is the body of device requests
type deviceBody struct {
	DeviceID string            `json:"device_id,omitempty"`
	Enabled  *bool             `json:"enabled,omitempty"`
	Password string            `json:"password,omitempty"`
	Via      []string          `json:"via,omitempty"`
	Defaults map[string]string `json:"defaults,omitempty"`
}

// deviceResponse is a device without its credentials
type deviceResponse struct {
	TenantID    string            `json:"tenant_id"`
	DeviceID    string            `json:"device_id"`
	Enabled     bool              `json:"enabled"`
	HasPassword bool              `json:"has_password"`
	Via         []string          `json:"via,omitempty"`
	Defaults    map[string]string `json:"defaults,omitempty"`
}

// NewAPI creates the management API and adds its routes to the router
func NewAPI(b *Builder) *API {
	if b.Store == nil {
		panic("Store is missing")
	}
	sub, err := fs.Sub(schemaFS, "schemas")
	if err != nil {
		panic(err)
	}
	validator, err := schema.NewValidatorFromFS(sub)
	if err != nil {
		panic(err)
	}
	a := &API{
		store:     b.Store,
		validator: validator,
		router:    b.Router,
		authority: b.Authority,
	}
	if a.router == nil {
		a.router = mux.NewRouter()
	}
	logger.AddRequestID(a.router)
	unsupported := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unsupported operation", http.StatusBadRequest)
	})
	a.router.MethodNotAllowedHandler = unsupported

	tenants := a.router.PathPrefix("/tenants").Subrouter()
	tenants.MethodNotAllowedHandler = unsupported
	tenants.Use(NewJwtMiddleware(b.JWTSecret, b.Issuer))
	a.handleRoutes(tenants)
	return a
}

// Router returns the router with the management routes
func (a *API) Router() *mux.Router {
	return a.router
}

// Handler returns the management API with panic recovery
func (a *API) Handler() http.Handler {
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(a.router)
}

func (a *API) handleRoutes(router *mux.Router) {
	logger.Default().Debugln("management: handle route /tenants POST")
	logger.Default().Debugln("management: handle route /tenants/{tenant} GET,PUT,DELETE")
	logger.Default().Debugln("management: handle route /tenants/{tenant}/devices GET,POST")
	logger.Default().Debugln("management: handle route /tenants/{tenant}/devices/{device} GET,PUT,DELETE")

	router.HandleFunc("", a.createTenant).Methods(http.MethodPost)
	router.HandleFunc("/{tenant}", a.readTenant).Methods(http.MethodGet)
	router.HandleFunc("/{tenant}", a.updateTenant).Methods(http.MethodPut)
	router.HandleFunc("/{tenant}", a.deleteTenant).Methods(http.MethodDelete)
	router.HandleFunc("/{tenant}/devices", a.listDevices).Methods(http.MethodGet)
	router.HandleFunc("/{tenant}/devices", a.createDevice).Methods(http.MethodPost)
	router.HandleFunc("/{tenant}/devices/{device}", a.readDevice).Methods(http.MethodGet)
	router.HandleFunc("/{tenant}/devices/{device}", a.updateDevice).Methods(http.MethodPut)
	router.HandleFunc("/{tenant}/devices/{device}", a.deleteDevice).Methods(http.MethodDelete)
	if a.authority != nil {
		logger.Default().Debugln("management: handle route /tenants/{tenant}/credentials POST")
		router.HandleFunc("/{tenant}/credentials", a.issueCredentials).Methods(http.MethodPost)
	}
}

func (a *API) createTenant(w http.ResponseWriter, r *http.Request) {
	var body tenantBody
	if !a.decode(w, r, TenantSchemaID, &body) {
		return
	}
	if body.TenantID == "" {
		body.TenantID = uuid.New().String()
	}
	if err := a.store.CreateTenant(r.Context(), body.tenant(body.TenantID)); err != nil {
		writeError(w, r, err)
		return
	}
	logger.FromContext(r.Context()).Infoln("created tenant", body.TenantID)
	writeCreated(w, "/tenants/"+body.TenantID, body.TenantID)
}

func (a *API) readTenant(w http.ResponseWriter, r *http.Request) {
	tenant, err := a.store.GetTenant(r.Context(), mux.Vars(r)["tenant"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tenant)
}

func (a *API) updateTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]
	var body tenantBody
	if !a.decode(w, r, TenantSchemaID, &body) {
		return
	}
	if body.TenantID != "" && body.TenantID != tenantID {
		http.Error(w, "tenant_id does not match", http.StatusBadRequest)
		return
	}
	if err := a.store.UpdateTenant(r.Context(), body.tenant(tenantID)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// deleteTenant deletes a tenant with all its devices
func (a *API) deleteTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := mux.Vars(r)["tenant"]
	if _, err := a.store.GetTenant(ctx, tenantID); err != nil {
		writeError(w, r, err)
		return
	}
	deviceIDs, err := a.store.ListDevices(ctx, tenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	for _, deviceID := range deviceIDs {
		if err := a.store.DeleteDevice(ctx, tenantID, deviceID); err != nil && !errors.Is(err, gate.ErrNotFound) {
			writeError(w, r, err)
			return
		}
	}
	if err := a.store.DeleteTenant(ctx, tenantID); err != nil {
		writeError(w, r, err)
		return
	}
	logger.FromContext(ctx).Infof("deleted tenant %s with %d devices", tenantID, len(deviceIDs))
	w.WriteHeader(http.StatusNoContent)
}

// issueCredentials returns a new MQTT client certificate for the tenant's applications
func (a *API) issueCredentials(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]
	if _, err := a.store.GetTenant(r.Context(), tenantID); err != nil {
		writeError(w, r, err)
		return
	}
	creds, err := a.authority.Issue(tenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logger.FromContext(r.Context()).Infoln("issued credentials for tenant", tenantID)
	writeJSON(w, http.StatusCreated, creds)
}

func (a *API) listDevices(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]
	if _, err := a.store.GetTenant(r.Context(), tenantID); err != nil {
		writeError(w, r, err)
		return
	}
	deviceIDs, err := a.store.ListDevices(r.Context(), tenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if deviceIDs == nil {
		deviceIDs = []string{}
	}
	writeJSON(w, http.StatusOK, deviceIDs)
}

func (a *API) createDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := mux.Vars(r)["tenant"]
	var body deviceBody
	if !a.decode(w, r, DeviceSchemaID, &body) {
		return
	}
	if _, err := a.store.GetTenant(ctx, tenantID); err != nil {
		writeError(w, r, err)
		return
	}
	if body.DeviceID == "" {
		body.DeviceID = uuid.New().String()
	}
	device, err := body.device(tenantID, body.DeviceID, "")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.store.CreateDevice(ctx, device); err != nil {
		writeError(w, r, err)
		return
	}
	logger.FromContext(ctx).Infof("registered device %s for tenant %s", device.DeviceID, tenantID)
	writeCreated(w, "/tenants/"+tenantID+"/devices/"+device.DeviceID, device.DeviceID)
}

func (a *API) readDevice(w http.ResponseWriter, r *http.Request) {
	params := mux.Vars(r)
	device, err := a.store.GetDevice(r.Context(), params["tenant"], params["device"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deviceResponse{
		TenantID:    device.TenantID,
		DeviceID:    device.DeviceID,
		Enabled:     device.Enabled,
		HasPassword: device.PasswordHash != "",
		Via:         device.Via,
		Defaults:    device.Defaults,
	})
}

// updateDevice replaces a device. Without password the current one is kept.
func (a *API) updateDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	params := mux.Vars(r)
	tenantID, deviceID := params["tenant"], params["device"]
	var body deviceBody
	if !a.decode(w, r, DeviceSchemaID, &body) {
		return
	}
	if body.DeviceID != "" && body.DeviceID != deviceID {
		http.Error(w, "device_id does not match", http.StatusBadRequest)
		return
	}
	existing, err := a.store.GetDevice(ctx, tenantID, deviceID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	device, err := body.device(tenantID, deviceID, existing.PasswordHash)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.store.UpdateDevice(ctx, device); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) deleteDevice(w http.ResponseWriter, r *http.Request) {
	params := mux.Vars(r)
	if err := a.store.DeleteDevice(r.Context(), params["tenant"], params["device"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode validates the body against the schema and unmarshals it. It writes
// the error response and returns false if the body is not acceptable.
func (a *API) decode(w http.ResponseWriter, r *http.Request, schemaID string, v interface{}) bool {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return false
	}
	if len(data) == 0 {
		data = []byte("{}")
	}
	if err := a.validator.Validate(schemaID, data); err != nil {
		logger.FromContext(r.Context()).WithError(err).Debug("invalid body")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (b *tenantBody) tenant(tenantID string) *iot.TenantConfig {
	return &iot.TenantConfig{
		TenantID:            tenantID,
		Enabled:             b.Enabled == nil || *b.Enabled,
		MaxPayloadSize:      b.MaxPayloadSize,
		DataVolumePerPeriod: b.DataVolumePerPeriod,
		MaxTTD:              b.MaxTTD,
	}
}

func (b *deviceBody) device(tenantID, deviceID, passwordHash string) (*gate.Device, error) {
	if b.Password != "" {
		hash, err := gate.HashPassword(b.Password)
		if err != nil {
			return nil, err
		}
		passwordHash = hash
	}
	return &gate.Device{
		TenantID:     tenantID,
		DeviceID:     deviceID,
		Enabled:      b.Enabled == nil || *b.Enabled,
		PasswordHash: passwordHash,
		Via:          b.Via,
		Defaults:     b.Defaults,
	}, nil
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, gate.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, gate.ErrExists):
		http.Error(w, "exists already", http.StatusConflict)
	default:
		logger.FromContext(r.Context()).WithError(err).Error("management request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeCreated(w http.ResponseWriter, location, id string) {
	w.Header().Set("Location", location)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	encoder.Encode(v)
}
