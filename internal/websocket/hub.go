package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/rs/zerolog"

	"github.com/makeasinger/melodygen/internal/model"
	"github.com/makeasinger/melodygen/internal/service"
)

const (
	sendBuffer   = 16
	pingInterval = 30 * time.Second
)

// Client is one websocket subscriber of a job.
type Client struct {
	JobID string
	Conn  *websocket.Conn
	Send  chan []byte

	writeMu sync.Mutex
}

func (c *Client) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// BroadcastMessage is an encoded message for the subscribers of a job.
type BroadcastMessage struct {
	JobID   string
	Message []byte
}

// JobLookup loads the current state of a job for new subscribers.
type JobLookup func(ctx context.Context, jobID string) (*model.Job, error)

// Hub fans job status changes out to websocket subscribers.
type Hub struct {
	// Clients grouped by job ID; only touched by Run.
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}

	lookup JobLookup
	log    *zerolog.Logger
}

func NewHub(lookup JobLookup, log *zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
		lookup:     lookup,
		log:        log,
	}
}

// Run serves registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, clients := range h.clients {
				for client := range clients {
					close(client.Send)
				}
			}
			h.clients = make(map[string]map[*Client]bool)
			return

		case client := <-h.register:
			if h.clients[client.JobID] == nil {
				h.clients[client.JobID] = make(map[*Client]bool)
			}
			h.clients[client.JobID][client] = true
			h.log.Debug().Str("job_id", client.JobID).Msg("websocket client registered")

		case client := <-h.unregister:
			h.remove(client)
			h.log.Debug().Str("job_id", client.JobID).Msg("websocket client unregistered")

		case msg := <-h.broadcast:
			for client := range h.clients[msg.JobID] {
				select {
				case client.Send <- msg.Message:
				default:
					// Slow consumer; drop it.
					h.remove(client)
				}
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.JobID]
	if !ok || !clients[client] {
		return
	}
	delete(clients, client)
	close(client.Send)
	if len(clients) == 0 {
		delete(h.clients, client.JobID)
	}
}

// Register subscribes client. It reports false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// NotifyJob pushes the job's status to its subscribers, plus the result
// when it completed or the failure reason when it failed. It never blocks
// the caller; messages are dropped when the hub is saturated.
func (h *Hub) NotifyJob(job *model.Job) {
	for _, data := range h.encode(job) {
		select {
		case h.broadcast <- &BroadcastMessage{JobID: job.ID, Message: data}:
		default:
			h.log.Warn().Str("job_id", job.ID).Msg("websocket broadcast queue full, dropping message")
		}
	}
}

// snapshot queues the job's current state on client alone. It must run
// before the client is registered, while nothing else writes to Send.
func (h *Hub) snapshot(client *Client, job *model.Job) {
	for _, data := range h.encode(job) {
		select {
		case client.Send <- data:
		default:
			return
		}
	}
}

func (h *Hub) encode(job *model.Job) [][]byte {
	msgs := messagesFor(job)
	out := make([][]byte, 0, len(msgs))
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			h.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to marshal websocket message")
			return nil
		}
		out = append(out, data)
	}
	return out
}

func messagesFor(job *model.Job) []interface{} {
	msgs := []interface{}{model.WSStatusMessage{
		Type:   model.WSMessageTypeStatus,
		JobID:  job.ID,
		Status: job.Status,
	}}
	switch job.Status {
	case model.JobStatusCompleted:
		msgs = append(msgs, model.WSCompleteMessage{
			Type:   model.WSMessageTypeComplete,
			JobID:  job.ID,
			Result: *service.ResultOf(job),
		})
	case model.JobStatusFailed:
		msgs = append(msgs, model.WSErrorMessage{
			Type:  model.WSMessageTypeError,
			JobID: job.ID,
			Error: model.WSError{
				Code:    "JOB_FAILED",
				Message: job.Parameters.Notes[model.NoteFailureReason],
			},
		})
	}
	return msgs
}

// HandleConnection serves one websocket subscriber of jobID until the
// connection closes. The job's current state is sent first.
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string) {
	client := &Client{
		JobID: jobID,
		Conn:  c,
		Send:  make(chan []byte, sendBuffer),
	}

	if h.lookup != nil {
		if job, err := h.lookup(context.Background(), jobID); err == nil {
			h.snapshot(client, job)
		}
	}

	if !h.Register(client) {
		return
	}
	defer h.Unregister(client)

	go h.writeLoop(client)

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn().Err(err).Str("job_id", jobID).Msg("websocket read error")
			}
			return
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == model.WSMessageTypePing {
			data, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			if err := client.write(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (h *Hub) writeLoop(client *Client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-client.Send:
			if !ok {
				_ = client.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.write(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := client.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
