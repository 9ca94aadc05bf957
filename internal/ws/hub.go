package ws

import "sync"

const broadcastBuffer = 256

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans stored logs out to subscribers keyed by machine ID.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	stop      chan struct{}
	once      sync.Once
}

// message couples payload with machine identifier.
type message struct {
	machineID string
	payload   []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	machineID string
	client    Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, broadcastBuffer),
		stop:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.stop:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			h.clients = nil
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.machineID]; !ok {
				h.clients[sub.machineID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.machineID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.machineID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.machineID)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.machineID]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.machineID)
				}
			}
		}
	}
}

// Register adds a client to a machine stream.
func (h *Hub) Register(machineID string, client Subscriber) {
	select {
	case h.register <- subscription{machineID: machineID, client: client}:
	case <-h.stop:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(machineID string, client Subscriber) {
	select {
	case h.unreg <- subscription{machineID: machineID, client: client}:
	case <-h.stop:
	}
}

// Broadcast queues payload for all subscribers of machineID. It never blocks the
// caller; when the queue is full the payload is dropped and false is returned.
func (h *Hub) Broadcast(machineID string, payload []byte) bool {
	select {
	case <-h.stop:
		return false
	default:
	}
	select {
	case h.broadcast <- message{machineID: machineID, payload: payload}:
		return true
	default:
		return false
	}
}

// Close stops the hub and closes every subscriber.
func (h *Hub) Close() {
	h.once.Do(func() {
		close(h.stop)
	})
}
