package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"trip-detector/internal/events"
	"trip-detector/internal/model"
)

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

// Connect dials NATS and keeps the connected gauge in sync with the connection state.
func Connect(url, name string, m PublisherMetrics) (*nats.Conn, error) {
	setConnected := func(b bool) {
		if m != nil {
			m.NATSSetConnected(b)
		}
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			setConnected(false)
			slog.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			setConnected(true)
			slog.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			setConnected(false)
			slog.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	setConnected(true)
	return nc, nil
}

// Subjects names the NATS subjects of one deployment.
type Subjects struct {
	Prefix string
}

// Fixes carries raw fixes (JSON model.Fix) from a device.
func (s Subjects) Fixes(device string) string { return s.join("fixes", device) }

// Authorization carries EnvironmentMessage updates from a device.
func (s Subjects) Authorization(device string) string { return s.join("auth", device) }

// KickStart is the request subject asking a device for a high-accuracy burst.
func (s Subjects) KickStart(device string) string { return s.join("kickstart", device) }

// Notification is where a named notification for a device is broadcast. Dotted
// notification names keep their hierarchy.
func (s Subjects) Notification(device, name string) string {
	return s.join(append([]string{"events", device}, strings.Split(name, ".")...)...)
}

func (s Subjects) join(parts ...string) string {
	tokens := []string{subjectToken(s.Prefix)}
	for _, p := range parts {
		tokens = append(tokens, subjectToken(p))
	}
	return strings.Join(tokens, ".")
}

// EnvironmentMessage reports the device's location-service switch and permission.
type EnvironmentMessage struct {
	ServicesEnabled bool   `json:"servicesEnabled"`
	Authorization   string `json:"authorization"`
}

// KickStartRequest asks a device for fixes at full accuracy for Duration.
type KickStartRequest struct {
	Duration time.Duration `json:"durationNs"`
}

type NATSPublisher struct {
	nc          *nats.Conn
	subjects    Subjects
	device      string
	logSubjects bool
	metrics     PublisherMetrics
}

func NewNATSPublisher(nc *nats.Conn, subjects Subjects, device string, logSubjects bool, m PublisherMetrics) *NATSPublisher {
	return &NATSPublisher{nc: nc, subjects: subjects, device: device, logSubjects: logSubjects, metrics: m}
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// Publish broadcasts a notification under the publisher's device name, falling back to
// the notification's device identifier. It satisfies events.Notifier.
func (p *NATSPublisher) Publish(_ context.Context, n events.Notification) error {
	device := p.device
	if device == "" {
		device = n.DeviceID
	}
	return p.publishJSON(p.subjects.Notification(device, n.Name), n)
}

// PublishFix sends a fix on behalf of a device, as the simulator does.
func (p *NATSPublisher) PublishFix(device string, f model.Fix) error {
	return p.publishJSON(p.subjects.Fixes(device), f)
}

// PublishEnvironment sends a permission/services update on behalf of a device.
func (p *NATSPublisher) PublishEnvironment(device string, msg EnvironmentMessage) error {
	return p.publishJSON(p.subjects.Authorization(device), msg)
}

// ServeKickStart answers burst requests addressed to device, acknowledging each one after
// fn has run.
func (p *NATSPublisher) ServeKickStart(device string, fn func(KickStartRequest)) (*nats.Subscription, error) {
	return p.nc.Subscribe(p.subjects.KickStart(device), func(m *nats.Msg) {
		var req KickStartRequest
		if err := json.Unmarshal(m.Data, &req); err != nil {
			slog.Warn("bad kickstart payload", "subject", m.Subject, "err", err)
			return
		}
		fn(req)
		if err := m.Respond([]byte("ok")); err != nil {
			slog.Warn("kickstart reply failed", "subject", m.Subject, "err", err)
		}
	})
}

func (p *NATSPublisher) publishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if p.logSubjects {
		slog.Debug("nats publish", "subject", subject)
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
