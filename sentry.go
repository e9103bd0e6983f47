package jclouds

import (
	"fmt"
	"time"

	"github.com/getsentry/raven-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	sentrySeverityMap = map[logrus.Level]raven.Severity{
		logrus.DebugLevel: raven.DEBUG,
		logrus.InfoLevel:  raven.INFO,
		logrus.WarnLevel:  raven.WARNING,
		logrus.ErrorLevel: raven.ERROR,
		logrus.FatalLevel: raven.FATAL,
		logrus.PanicLevel: raven.FATAL,
	}

	// fields sent as tags rather than extra data
	sentryTagFields = []string{"provider", "operation", "uuid", "resource_id", "job_handle"}
)

type sentryCapturer interface {
	Capture(packet *raven.Packet, captureTags map[string]string) (string, chan error)
}

// SentryHook is a logrus hook sending entries to Sentry.
type SentryHook struct {
	// Timeout is how long a fatal or panic entry waits for Sentry to
	// acknowledge it.
	Timeout time.Duration

	client sentryCapturer
	levels []logrus.Level
}

// NewSentryHook creates a hook sending entries of the given levels to dsn.
func NewSentryHook(dsn string, levels []logrus.Level) (*SentryHook, error) {
	client, err := raven.New(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't create raven client")
	}

	return &SentryHook{
		Timeout: 200 * time.Millisecond,
		client:  client,
		levels:  levels,
	}, nil
}

func (hook *SentryHook) Levels() []logrus.Level {
	return hook.levels
}

// Fire sends entry to Sentry. Fatal and panic entries block until Sentry
// answers or Timeout passes, since the process is about to go away.
func (hook *SentryHook) Fire(entry *logrus.Entry) error {
	packet := raven.NewPacket(entry.Message)
	packet.Timestamp = raven.Timestamp(entry.Time)
	packet.Level = sentrySeverityMap[entry.Level]
	packet.Logger = "jclouds-poll"
	packet.Extra = map[string]interface{}{}

	tags := map[string]string{}
	data := logrus.Fields{}
	for k, v := range entry.Data {
		data[k] = v
	}

	for _, name := range sentryTagFields {
		if v, ok := data[name]; ok {
			tags[name] = fmt.Sprintf("%v", v)
			delete(data, name)
		}
	}

	for _, key := range []string{"err", logrus.ErrorKey} {
		if err, ok := data[key].(error); ok {
			packet.Interfaces = append(packet.Interfaces,
				raven.NewException(err, raven.NewStacktrace(4, 3, nil)))
			delete(data, key)
		}
	}

	for k, v := range data {
		packet.Extra[k] = fmt.Sprintf("%v", v)
	}

	_, errCh := hook.client.Capture(packet, tags)

	if entry.Level != logrus.FatalLevel && entry.Level != logrus.PanicLevel {
		return nil
	}

	select {
	case err := <-errCh:
		return err
	case <-time.After(hook.Timeout):
		return fmt.Errorf("no response from sentry within %v", hook.Timeout)
	}
}
