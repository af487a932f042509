package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"trip-detector/internal/model"
	"trip-detector/internal/publisher"
)

const kickStartTimeout = 2 * time.Second

// NATSSource receives a device's fixes and permission updates over NATS. Permission
// updates are applied to Env, whose change hook re-derives the engine status.
type NATSSource struct {
	nc       *nats.Conn
	subjects publisher.Subjects
	device   string
	env      *StaticEnvironment
	log      *slog.Logger
}

func NewNATSSource(nc *nats.Conn, subjects publisher.Subjects, device string, env *StaticEnvironment) *NATSSource {
	return &NATSSource{
		nc:       nc,
		subjects: subjects,
		device:   device,
		env:      env,
		log:      slog.Default().With("component", "nats-source", "device", device),
	}
}

func (s *NATSSource) Run(ctx context.Context, out chan<- model.Fix) error {
	fixSub, err := s.nc.Subscribe(s.subjects.Fixes(s.device), s.fixHandler(ctx, out))
	if err != nil {
		return fmt.Errorf("subscribe fixes: %w", err)
	}
	defer fixSub.Unsubscribe()

	if s.env != nil {
		authSub, err := s.nc.Subscribe(s.subjects.Authorization(s.device), func(m *nats.Msg) {
			var msg publisher.EnvironmentMessage
			if err := json.Unmarshal(m.Data, &msg); err != nil {
				s.log.Warn("bad authorization payload", "subject", m.Subject, "err", err)
				return
			}
			s.env.Set(msg.ServicesEnabled, model.ParseAuthorization(msg.Authorization))
		})
		if err != nil {
			return fmt.Errorf("subscribe authorization: %w", err)
		}
		defer authSub.Unsubscribe()
	}

	s.log.Info("listening for fixes", "subject", s.subjects.Fixes(s.device))
	<-ctx.Done()
	return nil
}

// fixHandler decodes fix payloads; keys the device leaves out stay unknown rather than zero.
func (s *NATSSource) fixHandler(ctx context.Context, out chan<- model.Fix) nats.MsgHandler {
	return func(m *nats.Msg) {
		var f model.Fix
		if err := json.Unmarshal(m.Data, &f); err != nil {
			s.log.Warn("bad fix payload", "subject", m.Subject, "err", err)
			return
		}
		forward(ctx, out, f)
	}
}

// KickStart asks the device for a high-accuracy burst and waits for its acknowledgement.
func (s *NATSSource) KickStart(ctx context.Context, d time.Duration) error {
	b, err := json.Marshal(publisher.KickStartRequest{Duration: d})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, kickStartTimeout)
	defer cancel()
	if _, err := s.nc.RequestWithContext(ctx, s.subjects.KickStart(s.device), b); err != nil {
		return fmt.Errorf("kickstart %s: %w", s.device, err)
	}
	return nil
}
