package sim

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"trip-detector/internal/model"
	"trip-detector/internal/publisher"
	"trip-detector/internal/timeutil"
)

// Publisher sends a simulated device's traffic.
type Publisher interface {
	PublishFix(device string, f model.Fix) error
	PublishEnvironment(device string, msg publisher.EnvironmentMessage) error
}

// Metrics receives simulator instrumentation.
type Metrics interface {
	SetActiveDevices(n int)
	RouteFinished()
}

// Device is one simulated phone driving a route back and forth.
type Device struct {
	Name  string
	Route Route
}

type Manager struct {
	pub             Publisher
	publishInterval time.Duration
	speedMultiplier float64
	noise           float64
	clock           timeutil.Clock
	metrics         Metrics

	mu      sync.Mutex
	running map[string]*deviceRun
	wg      sync.WaitGroup
}

type deviceRun struct {
	cancel context.CancelFunc
	now    chan struct{}
}

func NewManager(pub Publisher, publishInterval time.Duration, speedMultiplier, noise float64, clock timeutil.Clock, metrics Metrics) *Manager {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if speedMultiplier <= 0 {
		speedMultiplier = 1
	}
	return &Manager{
		pub:             pub,
		publishInterval: publishInterval,
		speedMultiplier: speedMultiplier,
		noise:           noise,
		clock:           clock,
		metrics:         metrics,
		running:         make(map[string]*deviceRun),
	}
}

func (m *Manager) Start(ctx context.Context, devices []Device) {
	for _, d := range devices {
		m.startDevice(ctx, d)
	}
}

func (m *Manager) startDevice(parent context.Context, d Device) {
	m.mu.Lock()
	if _, exists := m.running[d.Name]; exists {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	run := &deviceRun{cancel: cancel, now: make(chan struct{}, 1)}
	m.running[d.Name] = run
	m.wg.Add(1)
	m.setActive()
	m.mu.Unlock()

	log.Printf("starting device %s on route %s", d.Name, d.Route.Name)
	go func() {
		defer m.wg.Done()
		m.runDevice(ctx, d, run.now)
		m.mu.Lock()
		delete(m.running, d.Name)
		m.setActive()
		m.mu.Unlock()
	}()
}

// setActive must be called with m.mu held.
func (m *Manager) setActive() {
	if m.metrics != nil {
		m.metrics.SetActiveDevices(len(m.running))
	}
}

// KickStart makes the device publish a fix immediately. It reports false for unknown devices.
func (m *Manager) KickStart(device string) bool {
	m.mu.Lock()
	run, ok := m.running[device]
	m.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case run.now <- struct{}{}:
	default:
	}
	return true
}

// runDevice drives the route, then the way back, until ctx ends. Simulated time runs
// speedMultiplier times faster than the clock and stamps every fix.
func (m *Manager) runDevice(ctx context.Context, d Device, now <-chan struct{}) {
	if err := m.pub.PublishEnvironment(d.Name, publisher.EnvironmentMessage{
		ServicesEnabled: true,
		Authorization:   model.AuthorizationAlways.String(),
	}); err != nil {
		log.Printf("publish environment error for %s: %v", d.Name, err)
	}

	rng := rand.New(rand.NewSource(int64(len(d.Name)) + m.clock.Now().UnixNano()))
	route := d.Route
	sampler := NewSampler(route, m.noise, rng)
	wallStart := m.clock.Now()
	simStart := wallStart
	atEnd := false

	tick := m.clock.NewTicker(m.publishInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C():
		case <-now:
		}
		wall := m.clock.Now()
		elapsed := time.Duration(float64(wall.Sub(wallStart)) * m.speedMultiplier)
		// The far end is published once before the device turns around on the next tick.
		switch {
		case elapsed >= sampler.Duration() && !atEnd:
			elapsed = sampler.Duration()
			atEnd = true
		case atEnd:
			log.Printf("device %s finished route %s", d.Name, route.Name)
			if m.metrics != nil {
				m.metrics.RouteFinished()
			}
			simStart = simStart.Add(sampler.Duration())
			route = route.Reversed()
			sampler = NewSampler(route, m.noise, rng)
			wallStart = wall
			elapsed = 0
			atEnd = false
		}
		if err := m.pub.PublishFix(d.Name, sampler.At(simStart, elapsed)); err != nil {
			log.Printf("publish error for %s: %v", d.Name, err)
		}
	}
}

func (m *Manager) Stop() {
	m.mu.Lock()
	for _, run := range m.running {
		run.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}
