package socket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagesync/internal/access"
	docrepo "pagesync/internal/document/repository"
	"pagesync/internal/token"
	"pagesync/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Init()
	os.Exit(m.Run())
}

var (
	docQuery      = regexp.QuoteMeta("SELECT organization_id, trashed_at FROM documents WHERE id = $1")
	memberQuery   = regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM organization_members WHERE organization_id = $1 AND user_id = $2)")
	describeQuery = regexp.QuoteMeta("SELECT id, title, organization_id FROM documents WHERE id = $1")
	loadQuery     = regexp.QuoteMeta("SELECT state FROM documents WHERE id = $1 AND organization_id = $2")
)

// readMessage reads one frame with a deadline so tests can't hang forever.
func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	var msg Message
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, p, err := conn.ReadMessage()
	require.NoError(t, err, "Failed to read message from WebSocket")
	require.NoError(t, json.Unmarshal(p, &msg), "Failed to unmarshal Message JSON")
	return msg
}

func newTestServer(t *testing.T) (*Hub, sqlmock.Sqlmock, string, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	hub := NewHub(docrepo.NewDocumentRepository(db), access.NewValidator(db))
	go hub.Run()

	mux := http.NewServeMux()
	mux.Handle("GET /collaboration/{organizationId}/{documentId}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	server := httptest.NewServer(mux)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	return hub, mock, wsURL, func() {
		server.Close()
		db.Close()
	}
}

// expectHandshake queues the queries one accepted connection performs.
func expectHandshake(mock sqlmock.Sqlmock, userID string) {
	mock.ExpectQuery(docQuery).WithArgs("page-1").
		WillReturnRows(sqlmock.NewRows([]string{"organization_id", "trashed_at"}).AddRow("org-1", nil))
	mock.ExpectQuery(memberQuery).WithArgs("org-1", userID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(describeQuery).WithArgs("page-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "organization_id"}).AddRow("page-1", "Roadmap", "org-1"))
}

func TestHubIntegration(t *testing.T) {
	t.Setenv("COLLAB_TOKEN_SECRET", "collab-secret")

	_, mock, wsURL, teardown := newTestServer(t)
	defer teardown()

	initialState := []byte("stateA")

	// Client 1 joins: handshake checks, then the first client in the room
	// triggers a state load.
	expectHandshake(mock, "user1")
	mock.ExpectQuery(loadQuery).WithArgs("page-1", "org-1").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow(initialState))

	tok1, _ := token.Issue("user1", "collab-secret")
	conn1, _, err := websocket.DefaultDialer.Dial(wsURL+"/collaboration/org-1/page-1?token="+tok1, nil)
	require.NoError(t, err, "Client 1 failed to connect")
	defer conn1.Close()

	// Client 1 immediately receives the full persisted state.
	initialMsg := readMessage(t, conn1)
	assert.Equal(t, UpdateType, initialMsg.Type)
	assert.Equal(t, "org-1/page-1", initialMsg.Document)
	assert.Equal(t, initialState, initialMsg.Payload)

	// Then the document metadata.
	metaMsg := readMessage(t, conn1)
	assert.Equal(t, MetadataType, metaMsg.Type)
	var meta map[string]string
	require.NoError(t, json.Unmarshal(metaMsg.Payload, &meta))
	assert.Equal(t, "Roadmap", meta["title"])

	// Own presence update.
	_ = readMessage(t, conn1)

	// Client 2 joins the same room; no second load.
	expectHandshake(mock, "user2")

	tok2, _ := token.Issue("user2", "collab-secret")
	conn2, _, err := websocket.DefaultDialer.Dial(wsURL+"/collaboration/org-1/page-1?token="+tok2, nil)
	require.NoError(t, err, "Client 2 failed to connect")
	defer conn2.Close()

	_ = readMessage(t, conn2) // initial state
	_ = readMessage(t, conn2) // metadata

	// Client 1 sees the presence update for client 2 joining.
	presenceMsg := readMessage(t, conn1)
	assert.Equal(t, PresenceUpdateType, presenceMsg.Type)
	var statuses []UserStatus
	require.NoError(t, json.Unmarshal(presenceMsg.Payload, &statuses))
	require.Len(t, statuses, 2, "Should be two users in the room")
	userIDs := []string{statuses[0].UserID, statuses[1].UserID}
	assert.Contains(t, userIDs, "user1")
	assert.Contains(t, userIDs, "user2")

	// Client 2 pushes a new full state; client 1 receives it with the
	// server-authoritative sender id.
	newState := []byte("stateB")
	msgBytes, _ := json.Marshal(Message{Type: UpdateType, Payload: newState})
	require.NoError(t, conn2.WriteMessage(websocket.TextMessage, msgBytes))

	broadcastMsg := readMessage(t, conn1)
	assert.Equal(t, UpdateType, broadcastMsg.Type)
	assert.Equal(t, "user2", broadcastMsg.UserID)
	assert.Equal(t, newState, broadcastMsg.Payload)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// A client that stops draining its send buffer is removed, and the hub keeps
// relaying to everyone else afterwards.
func TestSlowClientRemovalKeepsHubRunning(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	hub := NewHub(docrepo.NewDocumentRepository(db), access.NewValidator(db))
	go hub.Run()

	doc := DocKey{OrganizationID: "org-1", DocumentID: "page-1"}
	slow := &Client{Hub: hub, Doc: doc, UserID: "slow", Send: make(chan []byte)}
	healthy := &Client{Hub: hub, Doc: doc, UserID: "healthy", Send: make(chan []byte, 16)}

	hub.mu.Lock()
	hub.Rooms[doc] = map[*Client]bool{slow: true, healthy: true}
	hub.Presence[doc] = map[string]UserStatus{
		"slow":    {UserID: "slow", LastSeen: time.Now()},
		"healthy": {UserID: "healthy", LastSeen: time.Now()},
	}
	hub.mu.Unlock()

	// The slow client's zero-capacity buffer is full on the first relay, so
	// the hub drops it. The second relay must still go through.
	hub.Broadcast <- broadcast{Doc: doc, Msg: Message{Type: CursorType, Document: doc.String(), UserID: "editor"}}
	hub.Broadcast <- broadcast{Doc: doc, Msg: Message{Type: CursorType, Document: doc.String(), UserID: "editor"}}

	relayed := 0
	deadline := time.After(2 * time.Second)
	for relayed < 2 {
		select {
		case p, ok := <-healthy.Send:
			require.True(t, ok, "healthy client's send channel was closed")
			var msg Message
			require.NoError(t, json.Unmarshal(p, &msg))
			if msg.Type == CursorType {
				relayed++
			}
		case <-deadline:
			t.Fatal("hub stopped relaying after removing a slow client")
		}
	}

	hub.mu.Lock()
	_, stillThere := hub.Rooms[doc][slow]
	hub.mu.Unlock()
	assert.False(t, stillThere, "slow client should have been removed from the room")
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A slow state load for one room must not hold the hub mutex and stall
// operations on other rooms.
func TestSlowStateLoadDoesNotStallOtherRooms(t *testing.T) {
	t.Setenv("COLLAB_TOKEN_SECRET", "collab-secret")

	hub, mock, wsURL, teardown := newTestServer(t)
	defer teardown()

	expectHandshake(mock, "user1")
	mock.ExpectQuery(loadQuery).WithArgs("page-1", "org-1").
		WillDelayFor(600 * time.Millisecond).
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow([]byte("stateA")))

	tok, _ := token.Issue("user1", "collab-secret")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/collaboration/org-1/page-1?token="+tok, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Let the register reach the delayed load before touching another room.
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		hub.PushState(DocKey{OrganizationID: "org-2", DocumentID: "other"}, []byte("x"), "admin")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(300 * time.Millisecond):
		t.Fatal("hub mutex held across a state load")
	}

	// The delayed load still completes and reaches the client.
	msg := readMessage(t, conn)
	assert.Equal(t, UpdateType, msg.Type)
	assert.Equal(t, []byte("stateA"), msg.Payload)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConnectionRejectedForNonMember(t *testing.T) {
	t.Setenv("COLLAB_TOKEN_SECRET", "collab-secret")

	_, mock, wsURL, teardown := newTestServer(t)
	defer teardown()

	mock.ExpectQuery(docQuery).WithArgs("page-1").
		WillReturnRows(sqlmock.NewRows([]string{"organization_id", "trashed_at"}).AddRow("org-1", nil))
	mock.ExpectQuery(memberQuery).WithArgs("org-1", "outsider").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	tok, _ := token.Issue("outsider", "collab-secret")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/collaboration/org-1/page-1?token="+tok, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The connection is closed with no distinguishing payload.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConnectionRejectedWithoutCredential(t *testing.T) {
	t.Setenv("COLLAB_TOKEN_SECRET", "collab-secret")

	_, mock, wsURL, teardown := newTestServer(t)
	defer teardown()

	// The empty identity is still handed to the access check, which denies it.
	mock.ExpectQuery(docQuery).WithArgs("page-1").
		WillReturnRows(sqlmock.NewRows([]string{"organization_id", "trashed_at"}).AddRow("org-1", nil))
	mock.ExpectQuery(memberQuery).WithArgs("org-1", "").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/collaboration/org-1/page-1", nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConnectionRejectedForTrashedDocument(t *testing.T) {
	t.Setenv("COLLAB_TOKEN_SECRET", "collab-secret")

	_, mock, wsURL, teardown := newTestServer(t)
	defer teardown()

	// Trashed documents reject even users who would otherwise have access.
	mock.ExpectQuery(docQuery).WithArgs("page-1").
		WillReturnRows(sqlmock.NewRows([]string{"organization_id", "trashed_at"}).AddRow("org-1", time.Now()))

	tok, _ := token.Issue("user1", "collab-secret")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/collaboration/org-1/page-1?token="+tok, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
