package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

type ClientMessage struct {
	Client  *Client
	Message []byte
}

// Manager is the hub of local websocket clients.
type Manager struct {
	clients           map[string]*Client
	subjectIndex      map[string]map[string]bool
	clientsMutex      sync.RWMutex
	Register          chan *Client
	Unregister        chan *Client
	HandleMessage     chan *ClientMessage
	done              chan struct{}
	maxConnPerSubject int
	maxMessageSize    int64
	writeWait         time.Duration
	pongWait          time.Duration
	pingPeriod        time.Duration
	messageHandler    MessageHandler
	logger            *slog.Logger
}

type MessageHandler interface {
	HandleWebSocketMessage(client *Client, msg *Message) error
}

type Options struct {
	MaxConnPerSubject int
	MaxMessageSize    int64
	WriteWait         time.Duration
	PongWait          time.Duration
	PingPeriod        time.Duration
}

func NewManager(opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		clients:           make(map[string]*Client),
		subjectIndex:      make(map[string]map[string]bool),
		Register:          make(chan *Client),
		Unregister:        make(chan *Client),
		HandleMessage:     make(chan *ClientMessage),
		done:              make(chan struct{}),
		maxConnPerSubject: opts.MaxConnPerSubject,
		maxMessageSize:    opts.MaxMessageSize,
		writeWait:         opts.WriteWait,
		pongWait:          opts.PongWait,
		pingPeriod:        opts.PingPeriod,
		logger:            logger,
	}
}

func (m *Manager) SetMessageHandler(handler MessageHandler) {
	m.messageHandler = handler
}

// Run serves registrations and incoming messages until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return nil

		case client := <-m.Register:
			m.registerClient(client)

		case client := <-m.Unregister:
			m.unregisterClient(client)

		case clientMsg := <-m.HandleMessage:
			m.processMessage(clientMsg)
		}
	}
}

func (m *Manager) registerClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if m.subjectIndex[client.Subject] == nil {
		m.subjectIndex[client.Subject] = make(map[string]bool)
	}

	if m.maxConnPerSubject > 0 && len(m.subjectIndex[client.Subject]) >= m.maxConnPerSubject {
		m.logger.Warn("max connections reached", "subject", client.Subject)
		close(client.Send)
		return
	}

	m.clients[client.ID] = client
	m.subjectIndex[client.Subject][client.ID] = true

	m.logger.Info("client registered", "client_id", client.ID, "subject", client.Subject, "document_id", client.DocumentID)
}

func (m *Manager) unregisterClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if _, ok := m.clients[client.ID]; ok {
		delete(m.clients, client.ID)
		delete(m.subjectIndex[client.Subject], client.ID)

		if len(m.subjectIndex[client.Subject]) == 0 {
			delete(m.subjectIndex, client.Subject)
		}

		close(client.Send)
		m.logger.Info("client unregistered", "client_id", client.ID)
	}
}

func (m *Manager) closeAll() {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()
	for id, client := range m.clients {
		close(client.Send)
		delete(m.clients, id)
	}
	m.subjectIndex = make(map[string]map[string]bool)
}

// Add hands a new client to Run. It reports false once the hub has stopped.
func (m *Manager) Add(client *Client) bool {
	select {
	case m.Register <- client:
		return true
	case <-m.done:
		return false
	}
}

// unregister hands client back to Run unless the hub has stopped.
func (m *Manager) unregister(client *Client) {
	select {
	case m.Unregister <- client:
	case <-m.done:
	}
}

// deliver hands an incoming message to Run unless the hub has stopped.
func (m *Manager) deliver(msg *ClientMessage) bool {
	select {
	case m.HandleMessage <- msg:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) processMessage(clientMsg *ClientMessage) {
	var msg Message
	if err := json.Unmarshal(clientMsg.Message, &msg); err != nil {
		m.logger.Warn("invalid websocket message", "client_id", clientMsg.Client.ID, "error", err)
		return
	}

	if m.messageHandler != nil {
		if err := m.messageHandler.HandleWebSocketMessage(clientMsg.Client, &msg); err != nil {
			m.logger.Warn("failed to handle websocket message", "client_id", clientMsg.Client.ID, "type", msg.Type, "error", err)
		}
	}
}

// BroadcastToDocument sends message to every client watching documentID and
// to clients watching all documents. An empty documentID reaches everyone.
// Clients whose buffer is full miss the message.
func (m *Manager) BroadcastToDocument(documentID string, message *Message) error {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}

	for clientID, client := range m.clients {
		if documentID != "" && client.DocumentID != "" && client.DocumentID != documentID {
			continue
		}
		select {
		case client.Send <- messageBytes:
		default:
			m.logger.Warn("client send buffer full, dropping message", "client_id", clientID)
		}
	}

	return nil
}

func (m *Manager) SendToClient(clientID string, message *Message) error {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	client, exists := m.clients[clientID]
	if !exists {
		return nil
	}

	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}

	select {
	case client.Send <- messageBytes:
	default:
		m.logger.Warn("client send buffer full", "client_id", clientID)
	}

	return nil
}

// Watch changes the document a client receives events for.
func (m *Manager) Watch(clientID, documentID string) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()
	if client, ok := m.clients[clientID]; ok {
		client.DocumentID = documentID
	}
}

func (m *Manager) ConnectionCount() int {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()
	return len(m.clients)
}
