package job

import (
	gocontext "context"
	"encoding/json"
	"sort"

	simplejson "github.com/bitly/go-simplejson"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jclouds/legacy-jclouds-sub040/context"
	jcerrors "github.com/jclouds/legacy-jclouds-sub040/errors"
	"github.com/jclouds/legacy-jclouds-sub040/metrics"
)

const (
	errorCodeKey = "errorcode"
	errorTextKey = "errortext"
)

// Decoder decodes the value stored under a result key.
type Decoder func(value *simplejson.Json) (interface{}, error)

// Disambiguator picks the type name of a value stored under a key that is
// shared by more than one shape.
type Disambiguator func(value *simplejson.Json) string

// DecodeAs returns a Decoder producing a *T.
func DecodeAs[T any]() Decoder {
	return func(value *simplejson.Json) (interface{}, error) {
		raw, err := value.MarshalJSON()
		if err != nil {
			return nil, err
		}

		out := new(T)
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, err
		}
		return out, nil
	}
}

type Shape int

const (
	// ShapeTyped means Value holds the decoded domain object.
	ShapeTyped Shape = iota
	// ShapeRaw means the key was unknown and Value holds the raw string.
	ShapeRaw
	// ShapeUntyped means the payload had several keys and Value holds the
	// job unchanged.
	ShapeUntyped
	// ShapeEmpty means the job carried no result.
	ShapeEmpty
)

func (s Shape) String() string {
	switch s {
	case ShapeTyped:
		return "typed"
	case ShapeRaw:
		return "raw"
	case ShapeUntyped:
		return "untyped"
	default:
		return "empty"
	}
}

// Result is the outcome of a completed job.
type Result struct {
	Job   *AsyncJob
	Key   string
	Type  string
	Shape Shape
	Value interface{}
}

type binding struct {
	probe    Disambiguator
	decoders map[string]Decoder
}

// Registry maps result keys to decoders. It is never modified in place:
// With and WithAmbiguous return an extended copy, so a Registry can be
// shared between goroutines.
type Registry struct {
	bindings map[string]binding
}

func NewRegistry() *Registry {
	return &Registry{bindings: map[string]binding{}}
}

func (r *Registry) copy() *Registry {
	c := &Registry{bindings: make(map[string]binding, len(r.bindings)+1)}
	for k, v := range r.bindings {
		c.bindings[k] = v
	}
	return c
}

// With returns a copy of r that decodes key with dec. The decoded type is
// reported under the key's name.
func (r *Registry) With(key string, dec Decoder) *Registry {
	c := r.copy()
	c.bindings[key] = binding{decoders: map[string]Decoder{key: dec}}
	return c
}

// WithAmbiguous returns a copy of r in which values under key are decoded
// by the decoder named by probe. Unknown names from the probe fall back to
// the raw string form.
func (r *Registry) WithAmbiguous(key string, probe Disambiguator, decoders map[string]Decoder) *Registry {
	c := r.copy()
	decs := make(map[string]Decoder, len(decoders))
	for name, dec := range decoders {
		decs[name] = dec
	}
	c.bindings[key] = binding{probe: probe, decoders: decs}
	return c
}

// Keys lists the registered result keys in sorted order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.bindings))
	for k := range r.bindings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Dispatch decodes the result of a completed job.
//
// An errorcode key makes the job a failure regardless of other keys. A
// single key is decoded with its registered decoder; an unknown key yields
// the raw string form of its value. Any other shape is returned unchanged.
func (r *Registry) Dispatch(ctx gocontext.Context, job *AsyncJob) (*Result, error) {
	logger := context.LoggerFromContext(ctx).WithFields(logrus.Fields{
		"self": "job/dispatch",
		"job":  job.ID,
	})

	if job.Result == nil {
		return &Result{Job: job, Shape: ShapeEmpty}, nil
	}

	fields, err := job.Result.Map()
	if err != nil {
		logger.WithField("err", err).Warn("job result is not an object, returning it unchanged")
		metrics.Mark("jclouds.job.unrecognized")
		return &Result{Job: job, Shape: ShapeUntyped, Value: job}, nil
	}

	if _, ok := fields[errorCodeKey]; ok {
		return nil, providerErrorFrom(job.Result)
	}

	switch len(fields) {
	case 0:
		return &Result{Job: job, Shape: ShapeEmpty}, nil
	case 1:
	default:
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		logger.WithField("keys", keys).Warn("job result has more than one key, returning job unchanged")
		metrics.Mark("jclouds.job.unrecognized")
		return &Result{Job: job, Shape: ShapeUntyped, Value: job}, nil
	}

	var key string
	for k := range fields {
		key = k
	}
	value := job.Result.Get(key)

	b, ok := r.bindings[key]
	if !ok {
		logger.WithField("key", key).Warn("unknown job result key, returning raw value")
		metrics.Mark("jclouds.job.unrecognized")
		return &Result{Job: job, Key: key, Shape: ShapeRaw, Value: rawString(value)}, nil
	}

	typeName := key
	if b.probe != nil {
		typeName = b.probe(value)
	}

	dec, ok := b.decoders[typeName]
	if !ok {
		logger.WithFields(logrus.Fields{
			"key":  key,
			"type": typeName,
		}).Warn("no decoder for disambiguated type, returning raw value")
		metrics.Mark("jclouds.job.unrecognized")
		return &Result{Job: job, Key: key, Type: typeName, Shape: ShapeRaw, Value: rawString(value)}, nil
	}

	decoded, err := dec(value)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"key": key,
			"err": err,
		}).Warn("couldn't decode job result")
		metrics.Mark("jclouds.job.unrecognized")
		return nil, errors.Wrapf(&jcerrors.UnrecognizedResultError{Job: job, Want: typeName}, "decoding %s: %v", key, err)
	}

	return &Result{Job: job, Key: key, Type: typeName, Shape: ShapeTyped, Value: decoded}, nil
}

func providerErrorFrom(result *simplejson.Json) *jcerrors.ProviderError {
	return jcerrors.NewProviderError(rawString(result.Get(errorCodeKey)), rawString(result.Get(errorTextKey)))
}

func rawString(value *simplejson.Json) string {
	if s, err := value.String(); err == nil {
		return s
	}
	if value.Interface() == nil {
		return ""
	}

	raw, err := value.MarshalJSON()
	if err != nil {
		return ""
	}
	return string(raw)
}
