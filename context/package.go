// Package context carries request-scoped values for the polling core and
// builds loggers that include them.
package context

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jclouds/legacy-jclouds-sub040/metrics"
)

type contextKey int

const (
	uuidKey contextKey = iota
	providerKey
	operationKey
	jobHandleKey
	resourceIDKey
)

// FromUUID attaches a unique id for one await, used to correlate log lines.
func FromUUID(ctx context.Context, uuid string) context.Context {
	return context.WithValue(ctx, uuidKey, uuid)
}

func FromProvider(ctx context.Context, provider string) context.Context {
	return context.WithValue(ctx, providerKey, provider)
}

func FromOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, operationKey, operation)
}

func FromJobHandle(ctx context.Context, handle string) context.Context {
	return context.WithValue(ctx, jobHandleKey, handle)
}

func FromResourceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, resourceIDKey, id)
}

func UUIDFromContext(ctx context.Context) (string, bool) {
	uuid, ok := ctx.Value(uuidKey).(string)
	return uuid, ok
}

func ProviderFromContext(ctx context.Context) (string, bool) {
	provider, ok := ctx.Value(providerKey).(string)
	return provider, ok
}

func OperationFromContext(ctx context.Context) (string, bool) {
	operation, ok := ctx.Value(operationKey).(string)
	return operation, ok
}

func JobHandleFromContext(ctx context.Context) (string, bool) {
	handle, ok := ctx.Value(jobHandleKey).(string)
	return handle, ok
}

func ResourceIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(resourceIDKey).(string)
	return id, ok
}

// LoggerFromContext returns a logrus entry with every known context value set
// as a field.
func LoggerFromContext(ctx context.Context) *logrus.Entry {
	entry := logrus.WithField("pid", os.Getpid())

	if ctx == nil {
		return entry
	}

	if uuid, ok := UUIDFromContext(ctx); ok {
		entry = entry.WithField("uuid", uuid)
	}

	if provider, ok := ProviderFromContext(ctx); ok {
		entry = entry.WithField("provider", provider)
	}

	if operation, ok := OperationFromContext(ctx); ok {
		entry = entry.WithField("operation", operation)
	}

	if handle, ok := JobHandleFromContext(ctx); ok {
		entry = entry.WithField("job_handle", handle)
	}

	if id, ok := ResourceIDFromContext(ctx); ok {
		entry = entry.WithField("resource_id", id)
	}

	return entry
}

// TimeSince records the time elapsed since startedAt under the given name,
// prefixed with the provider when one is set on the context.
func TimeSince(ctx context.Context, name string, startedAt time.Time) {
	if provider, ok := ProviderFromContext(ctx); ok {
		name = "jclouds." + provider + "." + name
	} else {
		name = "jclouds." + name
	}

	metrics.TimeSince(name, startedAt)
}
