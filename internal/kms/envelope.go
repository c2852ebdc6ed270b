package kms

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

const jsonRPCVersion = "2.0"

const (
	MethodRegister        = "register"
	MethodChallenge       = "challenge"
	MethodBatch           = "batch"
	MethodHealthCheck     = "healthcheck"
	MethodInquiry         = "inquiry"
	MethodInquiryResponse = "inquiry-response"
)

// Envelope is a JSON-RPC 2.0 message. A message carrying Method is a request;
// anything else is a response matched by ID.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (e *Envelope) IsValid() bool {
	return e.JSONRPC == jsonRPCVersion
}

func (e *Envelope) IsRequest() bool {
	return e.IsValid() && e.Method != ""
}

// RPCError is the error member of a response envelope.
type RPCError struct {
	ID      any    `json:"id,omitempty"`
	Message string `json:"message"`
}

func (e *RPCError) errorID() string {
	if e.ID == nil {
		return ""
	}
	return fmt.Sprint(e.ID)
}

type Keys struct {
	RowKey   string `json:"rowKey"`
	BatchKey string `json:"batchKey"`
}

type registerParams struct {
	ID          string `json:"id"`
	ServiceName string `json:"serviceName"`
}

type registerResult struct {
	RowKey    string `json:"rowKey"`
	BatchKey  string `json:"batchKey"`
	Challenge string `json:"challenge"`
}

type challengeParams struct {
	RowSignature   string `json:"rowSignature"`
	BatchSignature string `json:"batchSignature"`
}

type challengeResult struct {
	Status string `json:"status"`
}

type batchParams struct {
	ID        string `json:"id"`
	Signature string `json:"signature"`
}

// BatchAck is the KMS acknowledgement of a delivered batch.
type BatchAck struct {
	ID string `json:"id"`
}

type inquiryParams struct {
	Inquiry   string `json:"inquiry"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
}

type inquiryResponseParams struct {
	Inquiry string  `json:"inquiry"`
	ID      *string `json:"id,omitempty"`
	Body    *string `json:"body,omitempty"`
	Total   int     `json:"total"`
	Item    int     `json:"item"`
}

type healthCheckParams struct {
	Level string `json:"level"`
}

// HealthCheckRequest is a KMS-initiated health check.
type HealthCheckRequest struct {
	ID    json.RawMessage
	Level string
}

// InquiryRequest is a KMS-initiated request for stored batches in a time range.
type InquiryRequest struct {
	ID        json.RawMessage
	InquiryID string
	StartTime time.Time
	EndTime   time.Time
}

func encodeID(id string) json.RawMessage {
	b, _ := json.Marshal(id)
	return b
}

// decodeID returns a string form of id for table lookups; numeric ids are
// kept as their literal text.
func decodeID(id json.RawMessage) string {
	var s string
	if err := json.Unmarshal(id, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(id))
}

func buildMessage(id json.RawMessage, method string, params any) ([]byte, error) {
	env := Envelope{JSONRPC: jsonRPCVersion, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		env.Params = raw
	}
	return json.Marshal(env)
}

func buildResponse(id json.RawMessage, result any, rpcErr *RPCError) ([]byte, error) {
	env := Envelope{JSONRPC: jsonRPCVersion, ID: id, Error: rpcErr}
	if rpcErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
		env.Result = raw
	}
	return json.Marshal(env)
}
