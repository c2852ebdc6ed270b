package sidecar

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/forensic-logging/sidecar/internal/batch"
	"github.com/forensic-logging/sidecar/internal/event"
	"github.com/forensic-logging/sidecar/internal/health"
	"github.com/forensic-logging/sidecar/internal/kms"
	"github.com/forensic-logging/sidecar/internal/storage"
	"github.com/google/uuid"
)

type State int

const (
	StateInitializing State = iota
	StateRegistering
	StateRunning
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRegistering:
		return "registering"
	case StateRunning:
		return "running"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// KMS is the control channel to the key management service.
type KMS interface {
	Connect(ctx context.Context) error
	Close() error
	Register(ctx context.Context, sidecarID, serviceName string) (kms.Keys, error)
	SendBatch(ctx context.Context, batch *storage.Batch) (kms.BatchAck, error)
	RespondToInquiry(req kms.InquiryRequest, batches []*storage.Batch) error
	RespondToHealthCheck(req kms.HealthCheckRequest, result any) error
	HealthChecks() <-chan kms.HealthCheckRequest
	Inquiries() <-chan kms.InquiryRequest
	ConnectionClose() <-chan bool
}

// FrameSource delivers framed messages from local clients.
type FrameSource interface {
	Listen(addr string) error
	Messages() <-chan []byte
	Pause()
	Resume()
	Close() error
}

type Store interface {
	event.Store
	batch.Store
	InsertSidecar(ctx context.Context, sidecar *storage.Sidecar) error
}

type HealthServer interface {
	Start() error
	Shutdown(ctx context.Context) error
}

type Alerter interface {
	SendStoppedAlert(sidecarID, service, reason string) error
	SendReconnectAlert(previousID, service string) error
}

type Config struct {
	ServiceName string
	Version     string
	ListenAddr  string
	Batch       batch.TrackerConfig
}

// Deps are the collaborators of a Sidecar. Health and Alerter are optional.
type Deps struct {
	KMS      KMS
	Listener FrameSource
	Store    Store
	Health   HealthServer
	Alerter  Alerter
	Clock    batch.Clock
	Logger   *slog.Logger
}

// Sidecar signs inbound messages as events, batches them and ships the
// batches to the KMS. After Start, a single goroutine owns the identity, the
// sequence counter and the keys; batch delivery and KMS-initiated requests run
// in the background with a snapshot of what they need.
type Sidecar struct {
	config   Config
	kms      KMS
	listener FrameSource
	store    Store
	health   HealthServer
	alerter  Alerter
	tracker  *batch.Tracker
	logger   *slog.Logger

	// Written only by the owning goroutine; mu guards reads from elsewhere.
	mu        sync.Mutex
	state     State
	id        uuid.UUID
	startTime time.Time
	sequence  int64
	keys      kms.Keys

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

func New(config Config, deps Deps) *Sidecar {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Sidecar{
		config:   config,
		kms:      deps.KMS,
		listener: deps.Listener,
		store:    deps.Store,
		health:   deps.Health,
		alerter:  deps.Alerter,
		tracker:  batch.NewTracker(config.Batch, deps.Clock),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.initialize()

	return s
}

// initialize assigns a fresh identity. Every registration with the KMS starts
// from a new id and sequence 0.
func (s *Sidecar) initialize() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.id = uuid.New()
	s.startTime = time.Now().UTC().Truncate(time.Millisecond)
	s.sequence = 0
}

// Start records the identity, registers with the KMS and begins accepting
// framed messages. On error the caller should Stop the sidecar.
func (s *Sidecar) Start(ctx context.Context) error {
	s.setState(StateRegistering)

	if err := s.saveSidecar(ctx); err != nil {
		return err
	}
	if err := s.connectToKMS(ctx); err != nil {
		return err
	}

	if err := s.listener.Listen(s.config.ListenAddr); err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}

	if s.health != nil {
		if err := s.health.Start(); err != nil {
			return fmt.Errorf("failed to start health server: %w", err)
		}
	}

	s.setState(StateRunning)
	s.logger.Info("Sidecar started", "sidecar_id", s.ID().String(), "service", s.config.ServiceName)

	go s.run()
	return nil
}

// Stop closes the KMS channel and the listener. Only the first call does
// anything; Done is closed once everything has shut down.
func (s *Sidecar) Stop() {
	s.stopOnce.Do(func() {
		s.setState(StateStopped)
		s.cancel()
		close(s.stopCh)

		if err := s.kms.Close(); err != nil {
			s.logger.Warn("Error closing KMS connection", "error", err)
		}
		if err := s.listener.Close(); err != nil {
			s.logger.Warn("Error closing listener", "error", err)
		}
		if s.health != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.health.Shutdown(ctx); err != nil {
				s.logger.Warn("Error stopping health server", "error", err)
			}
			cancel()
		}
		s.tracker.Stop()

		s.wg.Wait()
		s.logger.Info("Sidecar stopped", "sidecar_id", s.ID().String())
		close(s.done)
	})
}

// Done is closed when the sidecar has stopped, whether by Stop or because
// the KMS connection could not be kept.
func (s *Sidecar) Done() <-chan struct{} {
	return s.done
}

func (s *Sidecar) ID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Sidecar) Sequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequence
}

func (s *Sidecar) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sidecar) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return
	}
	s.state = state
}

func (s *Sidecar) identity() health.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return health.Identity{ID: s.id, Version: s.config.Version, StartTime: s.startTime}
}

func (s *Sidecar) saveSidecar(ctx context.Context) error {
	s.mu.Lock()
	record := &storage.Sidecar{
		SidecarID:   s.id,
		ServiceName: s.config.ServiceName,
		Version:     s.config.Version,
		Created:     s.startTime,
	}
	s.mu.Unlock()

	if err := s.store.InsertSidecar(ctx, record); err != nil {
		return fmt.Errorf("failed to save sidecar: %w", err)
	}
	return nil
}

func (s *Sidecar) connectToKMS(ctx context.Context) error {
	if err := s.kms.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to KMS: %w", err)
	}

	keys, err := s.kms.Register(ctx, s.ID().String(), s.config.ServiceName)
	if err != nil {
		return fmt.Errorf("failed to register with KMS: %w", err)
	}

	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()

	return nil
}

func (s *Sidecar) run() {
	for {
		select {
		case <-s.stopCh:
			return
		case msg := <-s.listener.Messages():
			s.onMessage(msg)
		case <-s.tracker.Expired():
			if ids, ok := s.tracker.Flush(); ok {
				s.onBatchReady(ids)
			}
		case req := <-s.kms.Inquiries():
			s.onInquiry(req)
		case req := <-s.kms.HealthChecks():
			s.onHealthCheck(req)
		case canReconnect := <-s.kms.ConnectionClose():
			s.onConnectionClose(canReconnect)
		}
	}
}

func (s *Sidecar) onMessage(msg []byte) {
	s.mu.Lock()
	s.sequence++
	sidecarID, sequence, rowKey := s.id, s.sequence, s.keys.RowKey
	s.mu.Unlock()

	e, err := event.Create(s.ctx, s.store, sidecarID, sequence, string(msg), rowKey)
	if err != nil {
		s.logger.Error("Failed to create event", "sidecar_id", sidecarID.String(), "sequence", sequence, "error", err)
		return
	}
	s.logger.Debug("Created event", "event_id", e.EventID.String(), "sequence", e.Sequence)

	if ids, ready := s.tracker.EventCreated(e.EventID); ready {
		s.onBatchReady(ids)
	}
}

func (s *Sidecar) onBatchReady(ids []uuid.UUID) {
	s.mu.Lock()
	sidecarID, batchKey := s.id, s.keys.BatchKey
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		b, err := batch.Create(s.ctx, s.store, sidecarID, ids, batchKey)
		if err != nil {
			s.logger.Error("Error while creating batch", "sidecar_id", sidecarID.String(), "error", err)
			return
		}

		ack, err := s.kms.SendBatch(s.ctx, b)
		if err != nil {
			s.logger.Error("Error while sending batch to KMS", "batch_id", b.BatchID.String(), "error", err)
			return
		}
		s.logger.Info("Sent batch successfully to KMS", "batch_id", b.BatchID.String(), "ack_id", ack.ID)
	}()
}

// flushPending stores whatever is still pending as a batch of the current
// identity, without sending it. The KMS can recover it through an inquiry.
func (s *Sidecar) flushPending() {
	if s.tracker.Pending() == 0 {
		return
	}
	ids, _ := s.tracker.Flush()

	s.mu.Lock()
	sidecarID, batchKey := s.id, s.keys.BatchKey
	s.mu.Unlock()

	b, err := batch.Create(s.ctx, s.store, sidecarID, ids, batchKey)
	if err != nil {
		s.logger.Error("Error while storing pending events before reconnect", "sidecar_id", sidecarID.String(), "error", err)
		return
	}
	s.logger.Info("Stored pending events as undelivered batch", "batch_id", b.BatchID.String(), "events", len(ids))
}

func (s *Sidecar) onInquiry(req kms.InquiryRequest) {
	s.logger.Info("Received inquiry from KMS", "inquiry_id", req.InquiryID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		batches, err := batch.FindForService(s.ctx, s.store, s.config.ServiceName, req.StartTime, req.EndTime)
		if err != nil {
			s.logger.Error("Error while finding batches for inquiry", "inquiry_id", req.InquiryID, "error", err)
			return
		}

		if err := s.kms.RespondToInquiry(req, batches); err != nil {
			s.logger.Error("Error while responding to inquiry", "inquiry_id", req.InquiryID, "error", err)
			return
		}
		s.logger.Info("Sent batches to KMS for inquiry", "inquiry_id", req.InquiryID, "batches", len(batches))
	}()
}

func (s *Sidecar) onHealthCheck(req kms.HealthCheckRequest) {
	s.logger.Info("Received health check request from KMS", "level", req.Level, "request_id", string(req.ID))
	if req.Level != health.LevelPing {
		return
	}

	identity := s.identity()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		result, err := health.Ping(s.ctx, s.store, identity, time.Now())
		if err != nil {
			s.logger.Error("Error while computing health check", "error", err)
			return
		}

		if err := s.kms.RespondToHealthCheck(req, result); err != nil {
			s.logger.Error("Error while responding to health check", "error", err)
			return
		}
		s.logger.Info("Sent health check response successfully to KMS", "request_id", string(req.ID))
	}()
}

func (s *Sidecar) onConnectionClose(canReconnect bool) {
	if !canReconnect {
		s.logger.Error("KMS connection closed with no reconnection, stopping sidecar")
		s.stopWithAlert("KMS connection closed with no reconnection")
		return
	}

	s.logger.Info("KMS connection closed, attempting to reconnect")
	if err := s.reconnect(); err != nil {
		if s.ctx.Err() != nil {
			// Stopped while reconnecting.
			return
		}
		s.logger.Error("Error reconnecting to KMS, stopping sidecar", "error", err)
		s.stopWithAlert(err.Error())
		return
	}

	s.logger.Info("Successfully reconnected to KMS", "sidecar_id", s.ID().String())
}

func (s *Sidecar) reconnect() error {
	s.setState(StateReconnecting)
	previousID := s.ID()

	if s.alerter != nil {
		if err := s.alerter.SendReconnectAlert(previousID.String(), s.config.ServiceName); err != nil {
			s.logger.Warn("Failed to send reconnect alert", "error", err)
		}
	}

	s.listener.Pause()
	s.flushPending()
	s.initialize()

	s.setState(StateRegistering)
	if err := s.saveSidecar(s.ctx); err != nil {
		return err
	}
	if err := s.connectToKMS(s.ctx); err != nil {
		return err
	}

	s.listener.Resume()
	s.setState(StateRunning)
	return nil
}

func (s *Sidecar) stopWithAlert(reason string) {
	if s.alerter != nil {
		if err := s.alerter.SendStoppedAlert(s.ID().String(), s.config.ServiceName, reason); err != nil {
			s.logger.Warn("Failed to send stop alert", "error", err)
		}
	}
	s.Stop()
}
