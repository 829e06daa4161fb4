package socket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"pagesync/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The frontend dev server runs on a different origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWs terminates a collaboration connection. The document identity comes
// from the URL path, the user identity from the credential pipeline; the
// access check decides accept or reject. Rejections close the connection
// without a distinguishing payload — the WebSocket protocol has no room for
// rich errors before the application handshake.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("organizationId")
	docID := r.PathValue("documentId")
	if orgID == "" || docID == "" {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	// May be empty; the access check below rejects anonymous connections.
	userID := ResolveUser(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Sugar.Error(err)
		return
	}

	doc := DocKey{OrganizationID: orgID, DocumentID: docID}

	decision, err := hub.validator.Check(docID, userID)
	if err != nil {
		logger.Sugar.Errorf("Access check failed for doc %s: %v", doc, err)
		conn.Close()
		return
	}
	if !decision.HasAccess || decision.OrganizationID != orgID {
		logger.Sugar.Warnf("Connection rejected: user %q has no access to doc %s", userID, doc)
		conn.Close()
		return
	}

	title := ""
	if info, err := hub.store.Describe(docID); err == nil && info != nil {
		title = info.Title
	}

	client := &Client{
		Hub:    hub,
		Conn:   conn,
		Doc:    doc,
		UserID: userID,
		Title:  title,
		Send:   make(chan []byte, 256),
	}

	client.Hub.Register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.Hub.Unregister <- c
		c.Conn.Close()
	}()

	for {
		_, rawMessage, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Sugar.Errorf("error: %v", err)
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(rawMessage, &msg); err != nil {
			logger.Sugar.Errorf("Error unmarshalling message: %v", err)
			continue
		}

		// Overwrite identity fields with server-authoritative values so a
		// client can't speak for another user or another document.
		msg.Document = c.Doc.String()
		msg.UserID = c.UserID

		switch msg.Type {
		case UpdateType, CursorType:
		default:
			logger.Sugar.Warnf("Dropping message of unknown type %q from user %s", msg.Type, c.UserID)
			continue
		}

		c.Hub.Broadcast <- broadcast{Doc: c.Doc, Msg: msg}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second) // Send ping every 30s
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-c.Send:
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.Conn.WriteMessage(websocket.TextMessage, message)
		case <-ticker.C:
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return // Connection is dead
			}
		}
	}
}
