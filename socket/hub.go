package socket

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pagesync/internal/access"
	"pagesync/internal/document/model"
	"pagesync/internal/document/repository"
	"pagesync/pkg/logger"
)

const (
	UpdateType         = "UPDATE"          // Full CRDT state replacement
	CursorType         = "CURSOR"          // Cursor/selection movement
	PresenceUpdateType = "PRESENCE_UPDATE" // A user joined or left
	MetadataType       = "METADATA"        // Document title/info
)

// DocKey identifies a document across organizations. Its string form is the
// room name presented on the wire.
type DocKey struct {
	OrganizationID string
	DocumentID     string
}

func (k DocKey) String() string {
	return k.OrganizationID + "/" + k.DocumentID
}

// Message is the frame relayed between clients. Payload is opaque to the
// server; for UPDATE frames it is the full binary document state
// (base64-encoded on the wire by encoding/json).
type Message struct {
	Type     string `json:"type"`
	Document string `json:"document"`
	UserID   string `json:"user_id"`
	Payload  []byte `json:"payload,omitempty"`
}

type UserStatus struct {
	UserID   string    `json:"user_id"`
	LastSeen time.Time `json:"last_seen"`
}

type broadcast struct {
	Doc DocKey
	Msg Message
}

// Hub fans edits in from all connections on a document and owns the only
// path to persistence. The CRDT merge itself happens client-side; the hub
// keeps whichever full state blob arrived last and replaces the stored blob
// wholesale.
type Hub struct {
	Rooms      map[DocKey]map[*Client]bool
	Broadcast  chan broadcast
	Register   chan *Client
	Unregister chan *Client

	store     *repository.DocumentRepository
	validator *access.Validator

	// Latest state blob per open room, plus a dirty flag consumed by the
	// SaveWorker and the id of the last writer for updated_by_id stamping.
	StateCache map[DocKey][]byte
	DirtyDocs  map[DocKey]bool
	lastEditor map[DocKey]string
	mu         sync.Mutex
	Presence   map[DocKey]map[string]UserStatus
}

type Client struct {
	Hub    *Hub
	Conn   *websocket.Conn
	Doc    DocKey
	UserID string
	Title  string
	Send   chan []byte
}

func NewHub(store *repository.DocumentRepository, validator *access.Validator) *Hub {
	return &Hub{
		Rooms:      make(map[DocKey]map[*Client]bool),
		Broadcast:  make(chan broadcast),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		store:      store,
		validator:  validator,
		StateCache: make(map[DocKey][]byte),
		DirtyDocs:  make(map[DocKey]bool),
		lastEditor: make(map[DocKey]string),
		Presence:   make(map[DocKey]map[string]UserStatus),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.mu.Lock()
			first := h.Rooms[client.Doc] == nil
			if first {
				h.Rooms[client.Doc] = make(map[*Client]bool)
				h.Presence[client.Doc] = make(map[string]UserStatus)
			}
			h.Rooms[client.Doc][client] = true
			h.Presence[client.Doc][client.UserID] = UserStatus{UserID: client.UserID, LastSeen: time.Now()}
			currentState := h.StateCache[client.Doc]
			h.mu.Unlock()

			if first {
				// First client in: load the persisted state. A nil blob means
				// a brand-new document; the client starts from an empty sync
				// payload. The load runs outside the lock so a slow read
				// can't stall PushState, CloseRoom, or the SaveWorker.
				state, err := h.store.Load(client.Doc.OrganizationID, client.Doc.DocumentID)
				if err != nil {
					logger.Sugar.Errorf("Failed to load document %s: %v", client.Doc, err)
					state = nil
				}
				h.mu.Lock()
				if h.Rooms[client.Doc] != nil {
					// A restore push may have landed while the load was in
					// flight; the pushed state is newer than the read.
					if _, ok := h.StateCache[client.Doc]; !ok {
						h.StateCache[client.Doc] = state
					}
					currentState = h.StateCache[client.Doc]
				}
				h.mu.Unlock()
			}

			// Bring the new client up to date before any relayed edits.
			initialMsg, _ := json.Marshal(Message{Type: UpdateType, Document: client.Doc.String(), Payload: currentState})
			client.Send <- initialMsg

			metaPayload, _ := json.Marshal(map[string]string{"title": client.Title})
			metaMsg, _ := json.Marshal(Message{Type: MetadataType, Document: client.Doc.String(), UserID: client.UserID, Payload: metaPayload})
			client.Send <- metaMsg

			h.broadcastPresenceUpdate(client.Doc)

		case client := <-h.Unregister:
			h.removeClient(client)

		case b := <-h.Broadcast:
			h.mu.Lock()
			if h.Rooms[b.Doc] == nil {
				h.mu.Unlock()
				continue
			}
			if b.Msg.Type == UpdateType {
				h.StateCache[b.Doc] = b.Msg.Payload
				h.DirtyDocs[b.Doc] = true
				h.lastEditor[b.Doc] = b.Msg.UserID
			}

			payload, err := json.Marshal(b.Msg)
			if err != nil {
				logger.Sugar.Errorf("Error marshalling broadcast message: %v", err)
				h.mu.Unlock()
				continue
			}

			clientsToSend := make([]*Client, 0, len(h.Rooms[b.Doc]))
			for client := range h.Rooms[b.Doc] {
				if client.UserID != b.Msg.UserID {
					clientsToSend = append(clientsToSend, client)
				}
			}
			h.mu.Unlock()

			for _, client := range clientsToSend {
				select {
				case client.Send <- payload:
				default:
					// Send buffer full: the client is lagging. Removed inline
					// rather than via the Unregister channel, whose only
					// receiver is this loop.
					logger.Sugar.Warnf("Client %s's send buffer is full. Removing.", client.UserID)
					h.removeClient(client)
				}
			}
		}
	}
}

// removeClient detaches a client from its room and tears the room down when
// it was the last one in, flushing dirty state first. It is the single
// teardown path for normal disconnects and slow-client removal; both run on
// the Run goroutine, which keeps the close of Send serialized.
func (h *Hub) removeClient(client *Client) {
	doc := client.Doc

	h.mu.Lock()
	if _, ok := h.Rooms[doc][client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.Rooms[doc], client)
	delete(h.Presence[doc], client.UserID)
	close(client.Send)

	var flushState []byte
	var flushEditor string
	flush := false
	roomStillOpen := len(h.Rooms[doc]) > 0
	if !roomStillOpen {
		if h.DirtyDocs[doc] {
			flush = true
			flushState = h.StateCache[doc]
			flushEditor = h.lastEditor[doc]
		}
		h.dropRoomLocked(doc)
	}
	h.mu.Unlock()

	if roomStillOpen {
		h.broadcastPresenceUpdate(doc)
		return
	}
	if flush {
		// The room is already gone from the maps, so the flush can run
		// without the lock.
		if err := h.store.Store(doc.OrganizationID, doc.DocumentID, flushState, flushEditor); err != nil {
			logger.Sugar.Errorf("Failed to save doc %s on close: %v", doc, err)
		}
	}
	logger.Sugar.Infof("Closed and cleaned up empty room: %s", doc)
}

// SaveWorker persists dirty rooms on a fixed interval. Persistence errors
// leave the dirty flag set so the write is retried on the next tick; a
// document that was trashed or deleted mid-session closes its room instead.
func (h *Hub) SaveWorker() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		type pending struct {
			State  []byte
			Editor string
		}
		docsToSave := make(map[DocKey]pending)

		h.mu.Lock()
		for doc, isDirty := range h.DirtyDocs {
			if isDirty {
				stateCopy := make([]byte, len(h.StateCache[doc]))
				copy(stateCopy, h.StateCache[doc])
				docsToSave[doc] = pending{State: stateCopy, Editor: h.lastEditor[doc]}
			}
		}
		h.mu.Unlock()

		for doc, p := range docsToSave {
			err := h.store.Store(doc.OrganizationID, doc.DocumentID, p.State, p.Editor)
			if errors.Is(err, model.ErrDocumentInTrash) || errors.Is(err, model.ErrDocumentNotFound) {
				logger.Sugar.Warnf("Document %s no longer writable (%v), closing room", doc, err)
				h.CloseRoom(doc)
				continue
			}
			if err != nil {
				logger.Sugar.Errorf("Failed to save doc %s: %v", doc, err)
				continue
			}

			h.mu.Lock()
			// Only mark clean if no newer state arrived while we were saving.
			if string(h.StateCache[doc]) == string(p.State) {
				h.DirtyDocs[doc] = false
			}
			h.mu.Unlock()

			logger.Sugar.Infof("Auto-saved document: %s", doc)
		}
	}
}

// PushState replaces the cached state of an open room with an
// already-persisted blob and fans it out to every connected client. Used by
// version restore; a room that isn't open has nothing to refresh.
func (h *Hub) PushState(doc DocKey, state []byte, userID string) {
	h.mu.Lock()
	if h.Rooms[doc] == nil {
		h.mu.Unlock()
		return
	}
	h.StateCache[doc] = state
	h.DirtyDocs[doc] = false

	clientsToSend := make([]*Client, 0, len(h.Rooms[doc]))
	for client := range h.Rooms[doc] {
		clientsToSend = append(clientsToSend, client)
	}
	h.mu.Unlock()

	payload, err := json.Marshal(Message{Type: UpdateType, Document: doc.String(), UserID: userID, Payload: state})
	if err != nil {
		logger.Sugar.Errorf("Error marshalling pushed state: %v", err)
		return
	}
	for _, client := range clientsToSend {
		select {
		case client.Send <- payload:
		default:
			logger.Sugar.Warnf("Client %s's send buffer was full during state push.", client.UserID)
		}
	}
}

// CloseRoom drops a room from memory and disconnects everyone in it. Called
// when the document is trashed or deleted while clients are connected.
func (h *Hub) CloseRoom(doc DocKey) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.Rooms[doc]; ok {
		for client := range clients {
			// Closing the connection makes the readPump exit and unregister.
			client.Conn.Close()
		}
	}
	h.dropRoomLocked(doc)
}

func (h *Hub) dropRoomLocked(doc DocKey) {
	delete(h.Rooms, doc)
	delete(h.Presence, doc)
	delete(h.StateCache, doc)
	delete(h.DirtyDocs, doc)
	delete(h.lastEditor, doc)
}

func (h *Hub) broadcastPresenceUpdate(doc DocKey) {
	var userStatuses []UserStatus
	var clientsToSend []*Client

	h.mu.Lock()
	if _, ok := h.Presence[doc]; ok {
		userStatuses = make([]UserStatus, 0, len(h.Presence[doc]))
		for _, status := range h.Presence[doc] {
			userStatuses = append(userStatuses, status)
		}

		clientsToSend = make([]*Client, 0, len(h.Rooms[doc]))
		for client := range h.Rooms[doc] {
			clientsToSend = append(clientsToSend, client)
		}
	}
	h.mu.Unlock()

	if len(clientsToSend) == 0 {
		return
	}

	payload, err := json.Marshal(userStatuses)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling presence broadcast: %v", err)
		return
	}
	broadcastPayload, _ := json.Marshal(Message{Type: PresenceUpdateType, Document: doc.String(), Payload: payload})

	for _, client := range clientsToSend {
		select {
		case client.Send <- broadcastPayload:
		default:
			logger.Sugar.Warnf("Client %s's send buffer was full during presence update.", client.UserID)
		}
	}
}
