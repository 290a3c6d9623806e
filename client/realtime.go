package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"
)

const realtimeSendBufferSize = 32

// cap on remembered locally-originated entity ids
const maxLocalOrigin = 1024

type ChannelState string

const (
	ChannelStateDisconnected ChannelState = "disconnected"
	ChannelStateConnecting   ChannelState = "connecting"
	ChannelStateConnected    ChannelState = "connected"
)

type RealtimeSettings struct {
	WsHandshakeTimeout  time.Duration
	PingTimeout         time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	ReconnectMinTimeout time.Duration
	ReconnectMaxTimeout time.Duration
}

func DefaultRealtimeSettings() *RealtimeSettings {
	return &RealtimeSettings{
		WsHandshakeTimeout:  2 * time.Second,
		PingTimeout:         15 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         60 * time.Second,
		ReconnectMinTimeout: 500 * time.Millisecond,
		ReconnectMaxTimeout: 30 * time.Second,
	}
}

// control messages sent on the channel
type realtimeControl struct {
	Action  string `json:"action"`
	TopicId Id     `json:"topic_id"`
}

// RealtimeEvent is a typed server push, e.g. `new_reply` carrying the topic
// and the pushed entity.
type RealtimeEvent struct {
	Type     string          `json:"type"`
	TopicId  Id              `json:"topic_id"`
	EntityId Id              `json:"entity_id"`
	Entity   json.RawMessage `json:"entity,omitempty"`
}

type RealtimeHandler func(event *RealtimeEvent)

// RealtimeClient maintains the one persistent channel of the session.
// Reconnection is transparent: the currently subscribed topics are replayed
// after every (re)connect, so a reconnect never revives a topic the pages
// have already left. Process-wide singleton by construction, injected.
//
// Incoming events for entities this session originated (optimistic inserts)
// are dropped so pages do not render duplicates.
type RealtimeClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	settings *RealtimeSettings

	stateMonitor *Monitor

	mutex       sync.Mutex
	state       ChannelState
	topics      map[Id]bool
	send        chan []byte
	localOrigin map[Id]bool
	localOrder  []Id

	handlers map[string]*CallbackList[RealtimeHandler]
}

func NewRealtimeClientWithDefaults(ctx context.Context, url string) *RealtimeClient {
	return NewRealtimeClient(ctx, url, DefaultRealtimeSettings())
}

func NewRealtimeClient(ctx context.Context, url string, settings *RealtimeSettings) *RealtimeClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &RealtimeClient{
		ctx:          cancelCtx,
		cancel:       cancel,
		url:          url,
		settings:     settings,
		stateMonitor: NewMonitor(),
		state:        ChannelStateDisconnected,
		topics:       map[Id]bool{},
		localOrigin:  map[Id]bool{},
		handlers:     map[string]*CallbackList[RealtimeHandler]{},
	}
}

// Connect establishes the channel if not already connecting or connected.
func (self *RealtimeClient) Connect() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.state != ChannelStateDisconnected {
		return
	}
	self.state = ChannelStateConnecting
	go self.run()
}

func (self *RealtimeClient) State() ChannelState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

// WaitConnected blocks until the channel reports connected. Subscriptions
// sent before that are queued in the desired set and replayed on connect, but
// callers that need confirmation-ordering await this first.
func (self *RealtimeClient) WaitConnected(ctx context.Context) error {
	for {
		notify := self.stateMonitor.NotifyChannel()
		if self.State() == ChannelStateConnected {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-self.ctx.Done():
			return self.ctx.Err()
		case <-notify:
		}
	}
}

// Subscribe registers interest in a topic. At most one control message is
// sent per topic; subscribing again is a no-op.
func (self *RealtimeClient) Subscribe(topicId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.topics[topicId] {
		return
	}
	self.topics[topicId] = true
	self.sendControl("subscribe", topicId)
}

// Unsubscribe deregisters the exact topic that was subscribed. Page cleanup
// must pass the topic it subscribed to, not whatever topic is current now.
func (self *RealtimeClient) Unsubscribe(topicId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if !self.topics[topicId] {
		return
	}
	delete(self.topics, topicId)
	self.sendControl("unsubscribe", topicId)
}

// must hold mutex
func (self *RealtimeClient) sendControl(action string, topicId Id) {
	if self.state != ChannelStateConnected || self.send == nil {
		// the desired set is replayed on connect
		return
	}
	message, err := json.Marshal(&realtimeControl{
		Action:  action,
		TopicId: topicId,
	})
	if err != nil {
		return
	}
	select {
	case self.send <- message:
	default:
		glog.Infof("[rt]drop control %s %s\n", action, topicId)
	}
}

// OnMessage registers a handler for one event type and returns the
// unregister function.
func (self *RealtimeClient) OnMessage(eventType string, handler RealtimeHandler) func() {
	self.mutex.Lock()
	callbacks, ok := self.handlers[eventType]
	if !ok {
		callbacks = NewCallbackList[RealtimeHandler]()
		self.handlers[eventType] = callbacks
	}
	self.mutex.Unlock()
	return callbacks.Add(handler)
}

// MarkLocalOrigin records an entity id this session inserted optimistically,
// so the echo pushed back by the server is not rendered twice.
func (self *RealtimeClient) MarkLocalOrigin(entityId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.localOrigin[entityId] {
		return
	}
	self.localOrigin[entityId] = true
	self.localOrder = append(self.localOrder, entityId)
	for maxLocalOrigin < len(self.localOrder) {
		evictId := self.localOrder[0]
		self.localOrder = self.localOrder[1:]
		delete(self.localOrigin, evictId)
	}
}

func (self *RealtimeClient) isLocalOrigin(entityId Id) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.localOrigin[entityId]
}

func (self *RealtimeClient) dispatch(message []byte) {
	var event RealtimeEvent
	if err := json.Unmarshal(message, &event); err != nil {
		glog.Infof("[rt]bad event = %s\n", err)
		return
	}

	if (event.EntityId != Id{}) && self.isLocalOrigin(event.EntityId) {
		// de-duplication is by entity id, not event arrival order
		glog.V(2).Infof("[rt]drop local echo %s\n", event.EntityId)
		return
	}

	self.mutex.Lock()
	callbacks := self.handlers[event.Type]
	self.mutex.Unlock()
	if callbacks == nil {
		glog.V(2).Infof("[rt]no handler %s\n", event.Type)
		return
	}
	for _, handler := range callbacks.Get() {
		handler(&event)
	}
}

func (self *RealtimeClient) run() {
	defer func() {
		self.mutex.Lock()
		self.state = ChannelStateDisconnected
		self.send = nil
		self.mutex.Unlock()
		self.stateMonitor.NotifyAll()
	}()

	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = self.settings.ReconnectMinTimeout
	reconnect.MaxInterval = self.settings.ReconnectMaxTimeout
	// retry for as long as the client lives
	reconnect.MaxElapsedTime = 0

	for {
		dial := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
			return ws, err
		}

		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError("[rt]connect", dial)
		} else {
			ws, err = dial()
		}
		if err != nil {
			glog.Infof("[rt]connect error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(reconnect.NextBackOff()):
				continue
			}
		}
		reconnect.Reset()

		self.runConn(ws)

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(reconnect.NextBackOff()):
		}
	}
}

func (self *RealtimeClient) runConn(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// unblock a pending read when the connection is torn down
	go func() {
		<-handleCtx.Done()
		ws.Close()
	}()

	send := make(chan []byte, realtimeSendBufferSize)

	self.mutex.Lock()
	self.state = ChannelStateConnected
	self.send = send
	// re-subscription after reconnect targets the *current* desired set
	topicIds := maps.Keys(self.topics)
	for _, topicId := range topicIds {
		self.sendControl("subscribe", topicId)
	}
	self.mutex.Unlock()
	self.stateMonitor.NotifyAll()

	defer func() {
		self.mutex.Lock()
		self.state = ChannelStateConnecting
		self.send = nil
		self.mutex.Unlock()
		self.stateMonitor.NotifyAll()
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					// a deadline timeout cannot be recovered on websocket
					glog.Infof("[rt]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[rt]->\n")
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				glog.Infof("[rt]<- error = %s\n", err)
				return
			}

			switch messageType {
			case websocket.TextMessage:
				if len(message) == 0 {
					continue
				}
				glog.V(2).Infof("[rt]<-\n")
				self.dispatch(message)
			default:
				glog.V(2).Infof("[rt]other=%d <-\n", messageType)
			}
		}
	}()
}

func (self *RealtimeClient) Close() {
	self.cancel()
}
