package transport

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/civicstream/ripple/cfg"
	"github.com/civicstream/ripple/event"
	"github.com/civicstream/ripple/mux"
)

func init() {
	mux.RegisterTransport("ws", func(config cfg.TransportConfiguration) (mux.Transport, error) {
		if config.WSURL == "" {
			return nil, fmt.Errorf("ws transport requires ws_url")
		}
		return NewWSTransport(config)
	})
}

// Phoenix-style channel protocol events.
const (
	wsEventJoin      = "phx_join"
	wsEventLeave     = "phx_leave"
	wsEventReply     = "phx_reply"
	wsEventClose     = "phx_close"
	wsEventError     = "phx_error"
	wsEventChange    = "change"
	wsEventHeartbeat = "heartbeat"

	wsTopicControl = "phoenix"
)

// wsFrame is one message on the socket, in either direction.
type wsFrame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
}

// wsJoinPayload carries the subscription spec to the server at join time.
type wsJoinPayload struct {
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
	Event  string `json:"event,omitempty"`
	APIKey string `json:"api_key,omitempty"`
}

type wsReplyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// WSTransport multiplexes every channel over one WebSocket using
// Phoenix-style join/leave framing. Each Open claims a unique topic, so
// two subscriptions on the same table with different filters never
// collide server-side.
//
// Join replies arriving within the open timeout settle the channel as
// subscribed or errored; a missing reply reports timed_out and the
// channel stays dead until its consumers release and resubscribe.
type WSTransport struct {
	conn   *websocket.Conn
	apiKey string
	prefix string
	format string
	decode DecodeFunc

	joinTimeout time.Duration
	heartbeat   time.Duration

	writeMu sync.Mutex

	mu       sync.Mutex
	channels map[string]*wsChannel // by topic
	joins    map[string]*wsChannel // pending joins by ref
	refSeq   uint64

	stopCh chan struct{}
	doneCh chan struct{}
	hbDone chan struct{}
	failed atomic.Bool
}

type wsChannel struct {
	transport *WSTransport
	topic     string
	matcher   *specMatcher
	handlers  mux.Handlers
	joinTimer *time.Timer
}

// NewWSTransport dials the realtime endpoint and starts the read and
// heartbeat loops.
func NewWSTransport(config cfg.TransportConfiguration) (*WSTransport, error) {
	decode, err := DecoderFor(config.Format)
	if err != nil {
		return nil, err
	}

	joinTimeout := time.Duration(config.OpenTimeoutMS) * time.Millisecond
	dialer := websocket.Dialer{HandshakeTimeout: joinTimeout}

	var header http.Header
	if config.APIKey != "" {
		header = http.Header{"Authorization": []string{"Bearer " + config.APIKey}}
	}

	conn, _, err := dialer.Dial(config.WSURL, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", config.WSURL, err)
	}

	t := &WSTransport{
		conn:        conn,
		apiKey:      config.APIKey,
		prefix:      config.TopicPrefix,
		format:      config.Format,
		decode:      decode,
		joinTimeout: joinTimeout,
		heartbeat:   time.Duration(config.HeartbeatIntervalMS) * time.Millisecond,
		channels:    make(map[string]*wsChannel),
		joins:       make(map[string]*wsChannel),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		hbDone:      make(chan struct{}),
	}

	go t.readLoop()
	go t.heartbeatLoop()

	return t, nil
}

// Open sends a join for a fresh topic and arms the join timeout. The
// subscribed signal arrives with the server's reply, never synchronously.
func (t *WSTransport) Open(spec mux.Spec, h mux.Handlers) (mux.Channel, error) {
	matcher, err := newSpecMatcher(spec)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.failed.Load() {
		t.mu.Unlock()
		return nil, fmt.Errorf("realtime connection lost")
	}
	t.refSeq++
	ref := strconv.FormatUint(t.refSeq, 10)
	topic := fmt.Sprintf("%s:%s:%s", t.prefix, spec.Table, ref)

	ch := &wsChannel{transport: t, topic: topic, matcher: matcher, handlers: h}
	t.channels[topic] = ch
	t.joins[ref] = ch
	t.mu.Unlock()

	payload := wsJoinPayload{Table: spec.Table, Filter: spec.Filter, APIKey: t.apiKey}
	if spec.Op != event.OpAny {
		payload.Event = spec.Op.String()
	}

	if err := t.send(topic, wsEventJoin, ref, payload); err != nil {
		t.mu.Lock()
		delete(t.channels, topic)
		delete(t.joins, ref)
		t.mu.Unlock()
		return nil, fmt.Errorf("failed to send join for %s: %w", topic, err)
	}

	ch.joinTimer = time.AfterFunc(t.joinTimeout, func() { t.expireJoin(ref) })

	return ch, nil
}

// Close tears the socket down and waits for both loops to exit.
func (t *WSTransport) Close() error {
	close(t.stopCh)
	err := t.conn.Close()
	<-t.doneCh
	<-t.hbDone
	return err
}

func (t *WSTransport) send(topic, eventName, ref string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame := wsFrame{Topic: topic, Event: eventName, Payload: data, Ref: ref}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(frame)
}

func (t *WSTransport) nextRef() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refSeq++
	return strconv.FormatUint(t.refSeq, 10)
}

func (t *WSTransport) readLoop() {
	defer close(t.doneCh)

	for {
		var frame wsFrame
		if err := t.conn.ReadJSON(&frame); err != nil {
			select {
			case <-t.stopCh:
				// deliberate close
			default:
				t.failAll(err)
			}
			return
		}
		t.handleFrame(frame)
	}
}

func (t *WSTransport) handleFrame(frame wsFrame) {
	switch frame.Event {
	case wsEventReply:
		if frame.Topic == wsTopicControl {
			// heartbeat ack
			return
		}
		t.settleJoin(frame)

	case wsEventChange:
		t.mu.Lock()
		ch := t.channels[frame.Topic]
		t.mu.Unlock()
		if ch == nil {
			return
		}
		ev, err := t.decodeWire(frame.Payload)
		if err != nil {
			log.Warn().Err(err).Str("topic", frame.Topic).Msg("Dropping undecodable change message")
			return
		}
		if ch.matcher.matches(ev) && ch.handlers.OnChange != nil {
			ch.handlers.OnChange(ev)
		}

	case wsEventClose:
		t.mu.Lock()
		ch := t.channels[frame.Topic]
		delete(t.channels, frame.Topic)
		t.mu.Unlock()
		if ch != nil && ch.handlers.OnState != nil {
			ch.handlers.OnState(mux.StateClosed, nil)
		}

	case wsEventError:
		t.mu.Lock()
		ch := t.channels[frame.Topic]
		t.mu.Unlock()
		if ch != nil && ch.handlers.OnState != nil {
			ch.handlers.OnState(mux.StateChannelError, fmt.Errorf("server reported channel error on %s", frame.Topic))
		}
	}
}

// settleJoin resolves a pending join from its reply. The pending entry is
// claimed under the lock, so a racing join timeout settles at most once.
func (t *WSTransport) settleJoin(frame wsFrame) {
	t.mu.Lock()
	ch, ok := t.joins[frame.Ref]
	if ok {
		delete(t.joins, frame.Ref)
		if ch.joinTimer != nil {
			ch.joinTimer.Stop()
		}
	}
	t.mu.Unlock()
	if !ok || ch.handlers.OnState == nil {
		return
	}

	var reply wsReplyPayload
	if err := json.Unmarshal(frame.Payload, &reply); err != nil {
		ch.handlers.OnState(mux.StateChannelError, fmt.Errorf("malformed join reply: %w", err))
		return
	}

	if reply.Status == "ok" {
		ch.handlers.OnState(mux.StateSubscribed, nil)
		return
	}
	ch.handlers.OnState(mux.StateChannelError, fmt.Errorf("join rejected: %s", string(reply.Response)))
}

// expireJoin fires when no join reply arrived within the open timeout.
func (t *WSTransport) expireJoin(ref string) {
	t.mu.Lock()
	ch, ok := t.joins[ref]
	delete(t.joins, ref)
	t.mu.Unlock()
	if !ok {
		return
	}

	log.Warn().Str("topic", ch.topic).Dur("timeout", t.joinTimeout).Msg("Channel join timed out")
	if ch.handlers.OnState != nil {
		ch.handlers.OnState(mux.StateTimedOut, fmt.Errorf("join timed out after %s", t.joinTimeout))
	}
}

// decodeWire unwraps the frame payload. Native msgpack payloads travel
// base64-encoded inside the JSON frame.
func (t *WSTransport) decodeWire(raw json.RawMessage) (event.Change, error) {
	if t.format == cfg.FormatNative {
		var b64 string
		if err := json.Unmarshal(raw, &b64); err != nil {
			return event.Change{}, fmt.Errorf("native payload is not a base64 string: %w", err)
		}
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return event.Change{}, fmt.Errorf("unable to decode base64 payload: %w", err)
		}
		return t.decode(data)
	}
	return t.decode(raw)
}

func (t *WSTransport) heartbeatLoop() {
	defer close(t.hbDone)

	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			if err := t.send(wsTopicControl, wsEventHeartbeat, t.nextRef(), struct{}{}); err != nil {
				select {
				case <-t.stopCh:
				default:
					t.failAll(fmt.Errorf("heartbeat failed: %w", err))
				}
				return
			}
		}
	}
}

// failAll marks the transport dead and reports channel_error everywhere.
// Channels stay registered; their consumers decide whether to resubscribe
// through a fresh transport.
func (t *WSTransport) failAll(err error) {
	if t.failed.Swap(true) {
		return
	}

	t.mu.Lock()
	chans := make([]*wsChannel, 0, len(t.channels))
	for _, ch := range t.channels {
		chans = append(chans, ch)
	}
	for _, ch := range t.joins {
		if ch.joinTimer != nil {
			ch.joinTimer.Stop()
		}
	}
	t.joins = make(map[string]*wsChannel)
	t.mu.Unlock()

	log.Warn().Err(err).Int("channels", len(chans)).Msg("Realtime socket failed")
	for _, ch := range chans {
		if ch.handlers.OnState != nil {
			ch.handlers.OnState(mux.StateChannelError, err)
		}
	}
}

// Close leaves the server channel and detaches locally. Leave failures
// are ignored; a dead socket already implies the server side is gone.
func (c *wsChannel) Close() error {
	t := c.transport

	t.mu.Lock()
	delete(t.channels, c.topic)
	if c.joinTimer != nil {
		c.joinTimer.Stop()
	}
	t.mu.Unlock()

	if !t.failed.Load() {
		_ = t.send(c.topic, wsEventLeave, t.nextRef(), struct{}{})
	}
	return nil
}
