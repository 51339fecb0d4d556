package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/merit-monitoring/chatpulse/internal/hub"
	"github.com/merit-monitoring/chatpulse/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxControlSize = 4096
)

// Control message types sent by clients.
const (
	msgSetTimeScale = "set_time_scale"
	msgSetTimeRange = "set_time_range"
	msgSubscribe    = "subscribe"
	msgUnsubscribe  = "unsubscribe"
	msgPing         = "ping"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// command is handed from the read loop to the write loop, which owns the
// connection writer and the hub subscription.
type command struct {
	subscribe   bool
	unsubscribe bool
	reply       []byte
}

type wsSession struct {
	srv    *Server
	conn   *websocket.Conn
	cmds   chan command
	done   chan struct{} // read loop finished
	exited chan struct{} // write loop finished
	logger *log.Entry
}

// handleWebSocket upgrades the request and runs a session until either side
// closes it. The session starts subscribed.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debugf("WebSocket upgrade failed: %v", err)
		return
	}
	sess := &wsSession{
		srv:    s,
		conn:   conn,
		cmds:   make(chan command, 8),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
		logger: log.WithFields(log.Fields{"transport": "ws", "client": c.ClientIP()}),
	}
	sess.run()
}

func (ws *wsSession) run() {
	ws.logger.Debug("WebSocket session opened")
	go func() {
		defer close(ws.exited)
		ws.writeLoop()
	}()
	ws.readLoop()
	close(ws.done)
	<-ws.exited
	ws.conn.Close()
	ws.logger.Debug("WebSocket session closed")
}

func (ws *wsSession) readLoop() {
	ws.conn.SetReadLimit(maxControlSize)
	_ = ws.conn.SetReadDeadline(time.Now().Add(pongWait))
	ws.conn.SetPongHandler(func(string) error {
		return ws.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.logger.Debugf("WebSocket read failed: %v", err)
			}
			return
		}
		_ = ws.conn.SetReadDeadline(time.Now().Add(pongWait))

		select {
		case ws.cmds <- ws.handle(data):
		case <-ws.exited:
			return
		}
	}
}

// handle turns one control message into a command for the write loop.
func (ws *wsSession) handle(data []byte) command {
	if !gjson.ValidBytes(data) {
		return command{reply: errorEnvelope("invalid JSON")}
	}
	msg := gjson.ParseBytes(data)
	typ := msg.Get("type").String()
	agg := ws.srv.deps.Aggregator

	switch typ {
	case msgSetTimeScale:
		raw := msg.Get("scale").String()
		if raw == "" {
			raw = msg.Get("time_scale").String()
		}
		scale, err := model.ParseTimeScale(raw)
		if err != nil {
			return command{reply: errorEnvelope(err.Error())}
		}
		if err := agg.SetTimeScale(scale); err != nil {
			return command{reply: errorEnvelope(err.Error())}
		}
		agg.Trigger()
		ws.logger.Infof("Time scale changed to %s", scale)
		return command{reply: ackEnvelope(typ, "scale", string(scale))}

	case msgSetTimeRange:
		hours := msg.Get("hours")
		if hours.Type != gjson.Number || hours.Int() < 1 || float64(hours.Int()) != hours.Num {
			return command{reply: errorEnvelope("hours must be a positive integer")}
		}
		if err := agg.SetTimeRange(time.Duration(hours.Int()) * time.Hour); err != nil {
			return command{reply: errorEnvelope(err.Error())}
		}
		agg.Trigger()
		ws.logger.Infof("Time range changed to %dh", hours.Int())
		return command{reply: ackEnvelope(typ, "hours", hours.Int())}

	case msgSubscribe:
		return command{subscribe: true, reply: ackEnvelope(typ, "", nil)}
	case msgUnsubscribe:
		return command{unsubscribe: true, reply: ackEnvelope(typ, "", nil)}
	case msgPing:
		return command{reply: []byte(`{"type":"pong"}`)}
	case "":
		return command{reply: errorEnvelope("missing message type")}
	default:
		return command{reply: errorEnvelope("unknown message type: " + typ)}
	}
}

func (ws *wsSession) writeLoop() {
	pub := ws.srv.deps.Publisher
	sub := pub.Subscribe()
	defer func() { pub.Unsubscribe(sub) }()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		var deliveries <-chan hub.Delivery
		if sub != nil {
			deliveries = sub.C()
		}

		select {
		case <-ws.done:
			_ = ws.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return

		case d, ok := <-deliveries:
			if !ok {
				sub = nil
				continue
			}
			if err := ws.write(metricsEnvelope(d.Payload)); err != nil {
				ws.fail(err)
				return
			}

		case cmd := <-ws.cmds:
			switch {
			case cmd.subscribe && sub == nil:
				sub = pub.Subscribe()
			case cmd.unsubscribe && sub != nil:
				pub.Unsubscribe(sub)
				sub = nil
			}
			if err := ws.write(cmd.reply); err != nil {
				ws.fail(err)
				return
			}

		case <-ping.C:
			if err := ws.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				ws.fail(err)
				return
			}
		}
	}
}

func (ws *wsSession) write(b []byte) error {
	_ = ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.conn.WriteMessage(websocket.TextMessage, b)
}

// fail drops the client after a write error. Closing the connection ends the
// read loop.
func (ws *wsSession) fail(err error) {
	ws.logger.Debugf("WebSocket write failed, unsubscribing: %v", err)
	ws.conn.Close()
}

func metricsEnvelope(payload []byte) []byte {
	b, err := sjson.SetRawBytes([]byte(`{"type":"metrics_update"}`), "data", payload)
	if err != nil {
		return errorEnvelope("encoding snapshot: " + err.Error())
	}
	return b
}

func ackEnvelope(action, key string, value any) []byte {
	b, _ := sjson.SetBytes([]byte(`{"type":"ack"}`), "action", action)
	if key != "" {
		b, _ = sjson.SetBytes(b, key, value)
	}
	return b
}

func errorEnvelope(message string) []byte {
	b, _ := sjson.SetBytes([]byte(`{"type":"error"}`), "message", message)
	return b
}
