// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package logger carries request scoped logrus entries in a context.
//
// Each device request gets its own entry with a request ID. The entry is
// enriched with the tenant and device the request belongs to, and it can be
// serialized into message headers so that the messaging backend and the
// command path log with the same request ID.
package logger

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type contextValues struct {
	RequestID string `json:"request_id"`
	TenantID  string `json:"tenant_id,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
}

type contextKeyLoggerType struct{}

var contextKeyLogger = &contextKeyLoggerType{}

const (
	requestIDKey = "request_id"
	tenantIDKey  = "tenant_id"
	deviceIDKey  = "device_id"
)

// InitLogger sets up the text formatter with full time stamps and the log level.
func InitLogger(level logrus.Level) {
	formatter := new(logrus.TextFormatter)
	formatter.TimestampFormat = "2006-01-02 15:04:05"
	formatter.FullTimestamp = true
	logrus.SetFormatter(formatter)
	logrus.SetLevel(level)
}

// ParseLevel parses a level name and falls back to info.
func ParseLevel(name string) logrus.Level {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// AddRequestID installs a middleware which puts a logger with a fresh request ID
// into every request context.
func AddRequestID(router *mux.Router) {
	router.Use(func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, _ := ContextWithLogger(r.Context())
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	})
}

// Default returns a logger without a request ID.
func Default() *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger())
}

// ContextWithLogger returns a context with a logger. If the context has a logger already,
// the context is returned unchanged.
func ContextWithLogger(ctx context.Context) (context.Context, *logrus.Entry) {
	if ctx == nil {
		ctx = context.Background()
	}
	if rlog := loggerFromContext(ctx); rlog != nil {
		return ctx, rlog
	}
	rlog := logrus.WithField(requestIDKey, uuid.New().String())
	return context.WithValue(ctx, contextKeyLogger, rlog), rlog
}

// ContextWithDevice returns a context whose logger is tagged with the tenant and
// device of the current request.
func ContextWithDevice(ctx context.Context, tenantID, deviceID string) (context.Context, *logrus.Entry) {
	ctx, rlog := ContextWithLogger(ctx)
	rlog = rlog.WithFields(logrus.Fields{tenantIDKey: tenantID, deviceIDKey: deviceID})
	return context.WithValue(ctx, contextKeyLogger, rlog), rlog
}

// FromContext returns the logger from the context, or the default logger if
// the context has none.
func FromContext(ctx context.Context) *logrus.Entry {
	if rlog := loggerFromContext(ctx); rlog != nil {
		return rlog
	}
	return Default()
}

func loggerFromContext(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return nil
	}
	rlog, _ := ctx.Value(contextKeyLogger).(*logrus.Entry)
	return rlog
}

// RequestIDFromContext returns the request ID of the context's logger or an empty string.
func RequestIDFromContext(ctx context.Context) string {
	return valuesFromContext(ctx).RequestID
}

// SerializeLoggerContext returns a JSON representation of the logger fields
// in the context, suitable for a message header.
func SerializeLoggerContext(ctx context.Context) []byte {
	values := valuesFromContext(ctx)
	if values.RequestID == "" {
		return []byte("{}")
	}
	data, err := json.Marshal(values)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// ContextWithLoggerFromData restores a logger previously serialized with
// SerializeLoggerContext. Invalid data yields a logger with a fresh request ID.
func ContextWithLoggerFromData(ctx context.Context, data []byte) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if loggerFromContext(ctx) != nil {
		return ctx
	}
	var values contextValues
	if err := json.Unmarshal(data, &values); err != nil || values.RequestID == "" {
		ctx, _ = ContextWithLogger(ctx)
		return ctx
	}
	fields := logrus.Fields{requestIDKey: values.RequestID}
	if values.TenantID != "" {
		fields[tenantIDKey] = values.TenantID
	}
	if values.DeviceID != "" {
		fields[deviceIDKey] = values.DeviceID
	}
	return context.WithValue(ctx, contextKeyLogger, logrus.WithFields(fields))
}

func valuesFromContext(ctx context.Context) contextValues {
	var values contextValues
	rlog := loggerFromContext(ctx)
	if rlog == nil {
		return values
	}
	values.RequestID, _ = rlog.Data[requestIDKey].(string)
	values.TenantID, _ = rlog.Data[tenantIDKey].(string)
	values.DeviceID, _ = rlog.Data[deviceIDKey].(string)
	return values
}
