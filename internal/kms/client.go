package kms

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/forensic-logging/sidecar/internal/signing"
	"github.com/forensic-logging/sidecar/internal/storage"
	"github.com/forensic-logging/sidecar/internal/transport"
	"github.com/google/uuid"
)

// Transport is the persistent socket the client speaks JSON-RPC over.
type Transport interface {
	Connect(ctx context.Context) error
	Send(data []byte) error
	Close() error
	IsConnected() bool
	Events() <-chan transport.Event
}

type Config struct {
	RequestTimeout time.Duration
}

// requestQueueSize bounds the KMS-initiated requests waiting for the owner.
// Requests beyond it are rejected so the dispatch loop keeps completing
// responses.
const requestQueueSize = 16

// Client is the KMS protocol client. It correlates outbound requests with
// their responses and surfaces KMS-initiated requests and connection loss on
// channels.
type Client struct {
	transport Transport
	requests  *Requests
	logger    *slog.Logger

	healthChecks    chan HealthCheckRequest
	inquiries       chan InquiryRequest
	connectionClose chan bool

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewClient(t Transport, config Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 5 * time.Second
	}

	c := &Client{
		transport:       t,
		requests:        NewRequests(config.RequestTimeout),
		logger:          logger,
		healthChecks:    make(chan HealthCheckRequest, requestQueueSize),
		inquiries:       make(chan InquiryRequest, requestQueueSize),
		connectionClose: make(chan bool, 1),
		stopCh:          make(chan struct{}),
		done:            make(chan struct{}),
	}

	go c.dispatchLoop()

	return c
}

func (c *Client) HealthChecks() <-chan HealthCheckRequest {
	return c.healthChecks
}

func (c *Client) Inquiries() <-chan InquiryRequest {
	return c.inquiries
}

// ConnectionClose receives one value per lost connection: true when the loss
// is worth reconnecting after.
func (c *Client) ConnectionClose() <-chan bool {
	return c.connectionClose
}

func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		c.logger.Error("Error while connecting to KMS", "error", err)
		return err
	}
	return nil
}

// Disconnect closes the transport but keeps the client usable for a later
// Connect.
func (c *Client) Disconnect() error {
	return c.transport.Close()
}

// Close closes the transport and stops dispatching. The client cannot be
// reused afterwards.
func (c *Client) Close() error {
	err := c.transport.Close()
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	<-c.done
	return err
}

// Request sends method with params and waits for the correlated response.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	resp, err := c.requests.Start(ctx, func(id string) error {
		msg, err := buildMessage(encodeID(id), method, params)
		if err != nil {
			return err
		}
		return c.transport.Send(msg)
	})
	if err != nil {
		return nil, err
	}

	if resp.Error != nil {
		return nil, NewResponseError(resp.Error.errorID(), resp.Error.Message)
	}
	return resp.Result, nil
}

// Register performs the register/challenge handshake and returns the keys
// issued to sidecarID.
func (c *Client) Register(ctx context.Context, sidecarID, serviceName string) (Keys, error) {
	if !c.transport.IsConnected() {
		return Keys{}, ErrNotConnected
	}

	raw, err := c.Request(ctx, MethodRegister, registerParams{ID: sidecarID, ServiceName: serviceName})
	if err != nil {
		return Keys{}, fmt.Errorf("register request failed: %w", err)
	}

	var reg registerResult
	if err := json.Unmarshal(raw, &reg); err != nil {
		return Keys{}, fmt.Errorf("failed to decode register response: %w", err)
	}

	rowSignature, err := signing.SignSymmetric([]byte(reg.Challenge), reg.RowKey)
	if err != nil {
		return Keys{}, fmt.Errorf("failed to sign challenge with row key: %w", err)
	}
	batchSignature, err := signing.SignAsymmetric([]byte(reg.Challenge), reg.BatchKey)
	if err != nil {
		return Keys{}, fmt.Errorf("failed to sign challenge with batch key: %w", err)
	}

	raw, err = c.Request(ctx, MethodChallenge, challengeParams{RowSignature: rowSignature, BatchSignature: batchSignature})
	if err != nil {
		return Keys{}, fmt.Errorf("challenge request failed: %w", err)
	}

	var challenge challengeResult
	if err := json.Unmarshal(raw, &challenge); err != nil {
		return Keys{}, fmt.Errorf("failed to decode challenge response: %w", err)
	}

	if !strings.EqualFold(challenge.Status, "ok") {
		return Keys{}, NewRegistrationError(challenge.Status)
	}

	return Keys{RowKey: reg.RowKey, BatchKey: reg.BatchKey}, nil
}

// SendBatch delivers a signed batch and returns the KMS acknowledgement.
func (c *Client) SendBatch(ctx context.Context, batch *storage.Batch) (BatchAck, error) {
	raw, err := c.Request(ctx, MethodBatch, batchParams{ID: batch.BatchID.String(), Signature: batch.Signature})
	if err != nil {
		return BatchAck{}, err
	}

	var ack BatchAck
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &ack); err != nil {
			return BatchAck{}, fmt.Errorf("failed to decode batch response: %w", err)
		}
	}
	return ack, nil
}

// RespondToInquiry streams one inquiry-response notification per batch, or a
// single empty one when there is nothing to report.
func (c *Client) RespondToInquiry(req InquiryRequest, batches []*storage.Batch) error {
	total := len(batches)

	if total == 0 {
		return c.notify(MethodInquiryResponse, inquiryResponseParams{Inquiry: req.InquiryID})
	}

	for i, b := range batches {
		item := i + 1
		id := b.BatchID.String()
		body := b.Data

		c.logger.Info("Sending batch for inquiry",
			"batch_id", id,
			"inquiry_id", req.InquiryID,
			"item", item,
			"total", total)

		params := inquiryResponseParams{Inquiry: req.InquiryID, ID: &id, Body: &body, Total: total, Item: item}
		if err := c.notify(MethodInquiryResponse, params); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) RespondToHealthCheck(req HealthCheckRequest, result any) error {
	return c.Respond(req.ID, result)
}

func (c *Client) Respond(id json.RawMessage, result any) error {
	msg, err := buildResponse(id, result, nil)
	if err != nil {
		return err
	}
	return c.transport.Send(msg)
}

func (c *Client) RespondError(id json.RawMessage, rpcErr *RPCError) error {
	msg, err := buildResponse(id, nil, rpcErr)
	if err != nil {
		return err
	}
	return c.transport.Send(msg)
}

func (c *Client) notify(method string, params any) error {
	msg, err := buildMessage(encodeID(uuid.NewString()), method, params)
	if err != nil {
		return err
	}
	return c.transport.Send(msg)
}

func (c *Client) dispatchLoop() {
	defer close(c.done)

	events := c.transport.Events()
	for {
		select {
		case <-c.stopCh:
			return
		case ev := <-events:
			switch ev.Type {
			case transport.EventMessage:
				c.handleMessage(ev.Data)
			case transport.EventClose:
				c.logger.Error("KMS connection closed", "code", ev.Code, "reason", ev.Reason)
				c.signalClose(!transport.IsNormalClose(ev.Code))
			case transport.EventError:
				c.logger.Error("Error on KMS connection", "error", ev.Err)
				c.signalClose(transport.IsConnectionRefused(ev.Err))
			}
		}
	}
}

func (c *Client) handleMessage(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || !env.IsValid() {
		c.logger.Warn("Invalid message format received from KMS", "data", string(data))
		return
	}

	if env.IsRequest() {
		c.handleRequest(&env, data)
		return
	}

	id := decodeID(env.ID)
	if !c.requests.Exists(id) {
		c.logger.Warn("Unknown response received from KMS", "request_id", id, "data", string(data))
		return
	}

	if err := c.requests.Complete(id, Response{Result: env.Result, Error: env.Error}); err != nil {
		// Settled by its timeout between Exists and Complete.
		c.logger.Warn("Late response received from KMS", "request_id", id, "error", err)
	}
}

func (c *Client) handleRequest(env *Envelope, data []byte) {
	switch strings.ToLower(env.Method) {
	case MethodHealthCheck:
		var params healthCheckParams
		if len(env.Params) > 0 {
			if err := json.Unmarshal(env.Params, &params); err != nil {
				c.logger.Warn("Malformed health check from KMS", "error", err)
				return
			}
		}
		c.emitHealthCheck(HealthCheckRequest{ID: env.ID, Level: params.Level})

	case MethodInquiry:
		var params inquiryParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			c.logger.Warn("Malformed inquiry from KMS", "error", err)
			return
		}

		start, startErr := time.Parse(time.RFC3339Nano, params.StartTime)
		end, endErr := time.Parse(time.RFC3339Nano, params.EndTime)
		if startErr != nil || endErr != nil {
			c.logger.Warn("Inquiry with invalid time range", "inquiry_id", params.Inquiry,
				"start_time", params.StartTime, "end_time", params.EndTime)
			if err := c.RespondError(env.ID, &RPCError{Message: "invalid inquiry time range"}); err != nil {
				c.logger.Error("Failed to reject inquiry", "error", err)
			}
			return
		}

		c.emitInquiry(InquiryRequest{ID: env.ID, InquiryID: params.Inquiry, StartTime: start, EndTime: end})

	default:
		c.logger.Warn("Unhandled request from KMS received", "method", env.Method, "data", string(data))
	}
}

func (c *Client) emitHealthCheck(req HealthCheckRequest) {
	select {
	case c.healthChecks <- req:
	case <-c.stopCh:
	default:
		c.logger.Warn("Health check queue full, rejecting request", "request_id", decodeID(req.ID))
		c.rejectBusy(req.ID)
	}
}

func (c *Client) emitInquiry(req InquiryRequest) {
	select {
	case c.inquiries <- req:
	case <-c.stopCh:
	default:
		c.logger.Warn("Inquiry queue full, rejecting request", "inquiry_id", req.InquiryID)
		c.rejectBusy(req.ID)
	}
}

func (c *Client) rejectBusy(id json.RawMessage) {
	if err := c.RespondError(id, &RPCError{Message: "sidecar busy"}); err != nil {
		c.logger.Error("Failed to reject request", "error", err)
	}
}

func (c *Client) signalClose(canReconnect bool) {
	select {
	case c.connectionClose <- canReconnect:
	case <-c.stopCh:
	}
}
