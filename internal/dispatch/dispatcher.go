// Package dispatch launches outbound payment calls. It names the call room,
// composes the job metadata, queues the job for a bounded pool of workers
// running the orchestrator and periodically reclaims stale rooms.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/paycall/internal/config"
	"github.com/haasonsaas/paycall/internal/observability"
	"github.com/haasonsaas/paycall/internal/outbound"
	"github.com/haasonsaas/paycall/internal/validate"
)

const (
	// DefaultRoomPrefix names rooms created by the launcher.
	DefaultRoomPrefix = "payment-outbound-call-"

	callType = "credit_card_payment"
	purpose  = "payment_collection"
)

var (
	// ErrInvalidPhone is returned when the destination is not E.164.
	ErrInvalidPhone = errors.New("dispatch: phone number must be in E.164 format")
	// ErrQueueFull is returned when no queue slot is free.
	ErrQueueFull = errors.New("dispatch: call queue is full")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("dispatch: dispatcher stopped")
)

// Runner executes one call.
type Runner interface {
	Run(ctx context.Context, job outbound.Job) (*outbound.Result, error)
}

// Config wires a Dispatcher.
type Config struct {
	Runner     Runner
	Store      *Store
	Workers    int
	QueueSize  int
	RoomPrefix string
	Agent      config.AgentConfig

	Logger *observability.Logger
	Tracer *observability.Tracer
	Events *observability.EventRecorder
	Now    func() time.Time
	NewID  func() string
}

// LaunchRequest asks for one outbound call.
type LaunchRequest struct {
	PhoneNumber  string `json:"phone_number"`
	CustomerName string `json:"customer_name,omitempty"`
}

// Dispatcher queues calls and runs them on a fixed worker pool.
type Dispatcher struct {
	cfg   Config
	queue chan string

	mu      sync.Mutex
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// New returns a dispatcher. Call Start before launching.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Runner == nil {
		return nil, errors.New("dispatch: runner is required")
	}
	if cfg.Store == nil {
		cfg.Store = NewStore()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if strings.TrimSpace(cfg.RoomPrefix) == "" {
		cfg.RoomPrefix = DefaultRoomPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	cfg.Logger = cfg.Logger.WithFields("component", "dispatch")
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.New().String() }
	}
	return &Dispatcher{cfg: cfg, queue: make(chan string, cfg.QueueSize)}, nil
}

// Store returns the record store.
func (d *Dispatcher) Store() *Store { return d.cfg.Store }

// RoomPrefix returns the prefix of launched rooms.
func (d *Dispatcher) RoomPrefix() string { return d.cfg.RoomPrefix }

// Start launches the workers. Calls run under ctx; cancelling it aborts them.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Stop stops accepting calls and waits for queued and running calls to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

// Launch validates the destination, names a room, composes the metadata and
// queues the call.
func (d *Dispatcher) Launch(ctx context.Context, req LaunchRequest) (*Record, error) {
	phone := strings.TrimSpace(req.PhoneNumber)
	if !validate.ValidatePhoneNumber(phone) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPhone, phone)
	}

	now := d.cfg.Now()
	metadata, err := json.Marshal(outbound.Metadata{
		PhoneNumber:  phone,
		CallType:     callType,
		Company:      d.cfg.Agent.Company,
		AgentName:    d.cfg.Agent.Name,
		CreatedAt:    now.UTC().Format(time.RFC3339),
		Purpose:      purpose,
		CustomerName: strings.TrimSpace(req.CustomerName),
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch: encode metadata: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return nil, ErrStopped
	}

	rec := &Record{
		ID:          d.cfg.NewID(),
		Room:        d.roomName(now),
		PhoneNumber: phone,
		Status:      StatusQueued,
		CreatedAt:   now,
	}
	rec.job = outbound.Job{ID: rec.ID, Room: rec.Room, Metadata: metadata}
	rec.trace = observability.MapCarrier{}
	d.cfg.Tracer.InjectContext(ctx, rec.trace)

	// Workers own rec once it is queued.
	queued := cloneRecord(rec)
	d.cfg.Store.create(rec)
	select {
	case d.queue <- rec.ID:
	default:
		d.cfg.Store.remove(queued.ID)
		return nil, ErrQueueFull
	}

	ctx = observability.AddRoom(ctx, queued.Room)
	d.cfg.Events.Record(ctx, observability.EventCallDispatched, queued.Room, map[string]any{"job_id": queued.ID})
	d.cfg.Logger.Info(ctx, "call queued", "job_id", queued.ID, "queue_depth", len(d.queue))
	return queued, nil
}

// roomName returns "<prefix><unix-seconds>", suffixed when a call launched
// in the same second already holds the name. Callers hold d.mu.
func (d *Dispatcher) roomName(now time.Time) string {
	base := fmt.Sprintf("%s%d", d.cfg.RoomPrefix, now.Unix())
	name := base
	for n := 2; d.cfg.Store.roomTaken(name); n++ {
		name = fmt.Sprintf("%s-%d", base, n)
	}
	return name
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for id := range d.queue {
		d.run(ctx, id)
	}
}

func (d *Dispatcher) run(ctx context.Context, id string) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		job     outbound.Job
		carrier observability.MapCarrier
		started bool
	)
	d.cfg.Store.update(id, func(r *Record) {
		if r.Status != StatusQueued {
			return
		}
		r.Status = StatusRunning
		r.StartedAt = d.cfg.Now()
		r.cancelFunc = cancel
		job = r.job
		carrier = r.trace
		started = true
	})
	if !started {
		return
	}
	if carrier != nil {
		jobCtx = d.cfg.Tracer.ExtractContext(jobCtx, carrier)
	}

	result, err := d.cfg.Runner.Run(jobCtx, job)

	d.cfg.Store.update(id, func(r *Record) {
		r.cancelFunc = nil
		r.FinishedAt = d.cfg.Now()
		r.Result = result
		if err != nil {
			r.Status = StatusFailed
			r.Error = err.Error()
			return
		}
		r.Status = StatusSucceeded
	})
	if err != nil {
		d.cfg.Logger.Warn(observability.AddRoom(ctx, job.Room), "call finished with error",
			"job_id", id, "config_error", outbound.IsConfigError(err), "error", err)
	}
}
