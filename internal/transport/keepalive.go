package transport

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

type pingPayload struct {
	Timestamp string `json:"timestamp"`
}

const pingTimestampFormat = "2006-01-02T15:04:05.000Z"

type keepAlive struct {
	conn     *websocket.Conn
	interval time.Duration
	stopCh   chan struct{}
	logger   *slog.Logger
}

func newKeepAlive(conn *websocket.Conn, interval time.Duration, logger *slog.Logger) *keepAlive {
	return &keepAlive{
		conn:     conn,
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   logger,
	}
}

func (k *keepAlive) start() {
	if k.interval <= 0 {
		return
	}
	go k.run()
}

func (k *keepAlive) run() {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			payload, _ := json.Marshal(pingPayload{Timestamp: time.Now().UTC().Format(pingTimestampFormat)})
			if err := k.conn.WriteControl(websocket.PingMessage, payload, time.Now().Add(writeWait)); err != nil {
				k.logger.Debug("Ping failed", "error", err)
			}
		case <-k.stopCh:
			return
		}
	}
}

func (k *keepAlive) stop() {
	close(k.stopCh)
}

func parsePingPayload(data []byte) (time.Time, error) {
	var p pingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, p.Timestamp)
}
