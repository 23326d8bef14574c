package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/recovery-chat/internal/config"
	"github.com/npezzotti/recovery-chat/internal/database"
	"github.com/npezzotti/recovery-chat/internal/identity"
	"github.com/npezzotti/recovery-chat/internal/ratelimit"
	"github.com/npezzotti/recovery-chat/internal/stats"
	"github.com/teris-io/shortid"
)

const (
	metricActiveConnections = "NumActiveConnections"
	metricActiveRooms       = "NumActiveRooms"
	metricRoomWorkers       = "NumRoomWorkers"
	metricMessagesSent      = "MessagesSent"
	metricMessagesRejected  = "MessagesRejected"

	defaultOpTimeout = 5 * time.Second
	eventQueueSize   = 256
)

var ErrServerStopped = errors.New("chat server stopped")

type ServerConfig struct {
	// Rooms are seeded as permanent rooms. Defaults to DefaultRooms.
	Rooms    []Room
	Resolver *identity.Resolver
	// Limiter throttles chat messages per connection. Nil disables it.
	Limiter           ratelimit.Limiter
	SweepInterval     time.Duration
	PresenceRetention time.Duration
	HistoryLimit      int
	// OpTimeout bounds every repository call.
	OpTimeout time.Duration
}

type stopReq struct {
	done chan struct{}
}

type roomsReq struct {
	reply chan []RoomSummary
}

// ChatServer coordinates rooms, presence and message fan-out. The registry,
// directory and workers are only touched by the Run loop.
type ChatServer struct {
	log       *log.Logger
	db        database.ChatRepository
	stats     stats.StatsProvider
	resolver  *identity.Resolver
	limiter   ratelimit.Limiter
	presence  *Presence
	registry  *Registry
	directory *Directory
	workers   map[string]*roomWorker
	workersWG sync.WaitGroup
	sweepWG   sync.WaitGroup
	stopping  bool

	historyLimit  int
	opTimeout     time.Duration
	sweepInterval time.Duration

	registerChan   chan *Client
	unregisterChan chan *Client
	eventChan      chan *ClientMessage
	completions    chan completion
	roomsChan      chan roomsReq
	stop           chan stopReq
	done           chan struct{}
}

func NewChatServer(logger *log.Logger, db database.ChatRepository, su stats.StatsProvider, cfg ServerConfig) (*ChatServer, error) {
	if cfg.Rooms == nil {
		cfg.Rooms = DefaultRooms
	}
	for _, r := range cfg.Rooms {
		if err := ValidateRoomName(r.Name); err != nil {
			return nil, fmt.Errorf("permanent room: %w", err)
		}
	}
	if cfg.Resolver == nil {
		cfg.Resolver = identity.NewResolver(nil)
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = config.DefaultSweepInterval
	}
	if cfg.PresenceRetention <= 0 {
		cfg.PresenceRetention = 2 * cfg.SweepInterval
	}
	if cfg.PresenceRetention <= cfg.SweepInterval {
		return nil, fmt.Errorf("presence retention %s must be greater than sweep interval %s",
			cfg.PresenceRetention, cfg.SweepInterval)
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = config.DefaultHistoryLimit
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}

	cs := &ChatServer{
		log:            logger,
		db:             db,
		stats:          su,
		resolver:       cfg.Resolver,
		limiter:        cfg.Limiter,
		presence:       NewPresence(db, cfg.PresenceRetention),
		registry:       NewRegistry(),
		directory:      NewDirectory(cfg.Rooms),
		workers:        make(map[string]*roomWorker),
		historyLimit:   cfg.HistoryLimit,
		opTimeout:      cfg.OpTimeout,
		sweepInterval:  cfg.SweepInterval,
		registerChan:   make(chan *Client),
		unregisterChan: make(chan *Client),
		eventChan:      make(chan *ClientMessage, eventQueueSize),
		completions:    make(chan completion, eventQueueSize),
		roomsChan:      make(chan roomsReq),
		stop:           make(chan stopReq),
		done:           make(chan struct{}),
	}

	for _, name := range []string{metricActiveConnections, metricActiveRooms, metricRoomWorkers, metricMessagesSent, metricMessagesRejected} {
		su.RegisterMetric(name)
	}

	return cs, nil
}

func (cs *ChatServer) Run() {
	ticker := time.NewTicker(cs.sweepInterval)
	defer ticker.Stop()

	// rows left online by a previous process are swept without waiting a tick
	cs.sweepPresence(Now())

	for {
		select {
		case c := <-cs.registerChan:
			cs.addClient(c)
		case c := <-cs.unregisterChan:
			cs.removeClient(c)
		case msg := <-cs.eventChan:
			cs.handleEvent(msg)
		case c := <-cs.completions:
			cs.complete(c)
		case req := <-cs.roomsChan:
			req.reply <- cs.directory.Rooms()
		case now := <-ticker.C:
			cs.sweepPresence(now.UTC())
		case req := <-cs.stop:
			cs.shutdown()
			close(req.done)
			return
		}
	}
}

// Shutdown stops the Run loop once pending persistence jobs have completed and
// every client has been stopped.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")

	req := stopReq{done: make(chan struct{})}
	select {
	case cs.stop <- req:
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cs *ChatServer) shutdown() {
	// stopped clients can no longer unregister, so their presence is released
	// while the workers still accept jobs
	for _, conn := range cs.registry.All() {
		cs.leaveRoom(conn)
	}

	cs.stopping = true
	for _, w := range cs.workers {
		cs.stopWorker(w)
	}

	workersDone := make(chan struct{})
	go func() {
		cs.workersWG.Wait()
		close(workersDone)
	}()

	// drain results of jobs already queued so no worker blocks on send
drain:
	for {
		select {
		case c := <-cs.completions:
			cs.apply(c)
		case <-workersDone:
			break drain
		}
	}
	for len(cs.completions) > 0 {
		cs.apply(<-cs.completions)
	}

	cs.sweepWG.Wait()

	cs.log.Printf("stopping %d clients", cs.registry.Len())
	for _, conn := range cs.registry.All() {
		conn.client.stopClient()
	}

	close(cs.done)
}

// Register adds a client to the server. It fails once the server has stopped.
func (cs *ChatServer) Register(c *Client) error {
	select {
	case cs.registerChan <- c:
		return nil
	case <-cs.done:
		return ErrServerStopped
	}
}

func (cs *ChatServer) unregister(c *Client) {
	select {
	case cs.unregisterChan <- c:
	case <-cs.done:
	}
}

// dispatch hands an inbound event to the Run loop without blocking.
func (cs *ChatServer) dispatch(msg *ClientMessage) bool {
	select {
	case cs.eventChan <- msg:
		return true
	default:
		cs.log.Println("event channel full")
		return false
	}
}

// Rooms returns the room listing with live member counts.
func (cs *ChatServer) Rooms(ctx context.Context) ([]RoomSummary, error) {
	req := roomsReq{reply: make(chan []RoomSummary, 1)}
	select {
	case cs.roomsChan <- req:
	case <-cs.done:
		return nil, ErrServerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case rooms := <-req.reply:
		return rooms, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (cs *ChatServer) addClient(c *Client) {
	cs.log.Printf("adding connection %q", c.id)
	cs.registry.Register(c.id, c)
	cs.stats.Incr(metricActiveConnections)
}

func (cs *ChatServer) removeClient(c *Client) {
	conn := cs.registry.Remove(c.id)
	if conn == nil {
		return
	}

	cs.log.Printf("removing connection %q", c.id)
	cs.leaveRoom(conn)
	cs.stats.Decr(metricActiveConnections)
}

func (cs *ChatServer) handleEvent(msg *ClientMessage) {
	defer func() {
		if r := recover(); r != nil {
			cs.log.Printf("recovered from panic handling %q: %v\n%s", msg.Event, r, debug.Stack())
		}
	}()

	conn := cs.registry.Get(msg.connID)
	if conn == nil {
		// the connection went away while the event was queued
		return
	}

	switch {
	case msg.JoinRoom != nil:
		cs.joinRoom(conn, msg.JoinRoom.Room, msg.identity)
	case msg.ChatMessage != nil:
		cs.chatMessage(conn, msg.ChatMessage)
	case msg.Typing != nil:
		cs.typing(conn, msg.Typing)
	case msg.LeaveRoom != nil:
		if conn.Room == "" || conn.Room != msg.LeaveRoom.Room {
			cs.send(conn, ErrRoomNotJoined())
			return
		}
		cs.leaveRoom(conn)
	case msg.GetOnlineUsers != nil:
		cs.getOnlineUsers(conn, msg.GetOnlineUsers.Room)
	}
}

// joinRoom moves conn into room, leaving its current room first. The
// connection becomes a member of the room once its presence and the room
// snapshot have been loaded, so it receives broadcasts only after roomJoined.
func (cs *ChatServer) joinRoom(conn *Connection, room string, ident identity.Identity) {
	if err := ValidateRoomName(room); err != nil {
		cs.send(conn, ErrRoomInvalid())
		return
	}
	if ident == nil {
		ident = identity.Anonymous{}
	}

	if conn.Room != "" && conn.Room != room {
		cs.leaveRoom(conn)
	}
	cs.registry.SetIdentity(conn.Id, ident)
	cs.registry.SetRoom(conn.Id, room)

	connID := conn.Id
	ok := cs.enqueue(room, func(ctx context.Context) func() {
		if err := cs.presence.UpsertPresence(ctx, connID, room, ident, database.PresenceOnline, Now()); err != nil {
			cs.log.Println("join:", err)
		}

		history, err := RecentMessages(ctx, cs.db, room, cs.historyLimit)
		if err != nil {
			cs.log.Println("join:", err)
		}

		rows, err := cs.presence.OnlineRows(ctx, room)
		if err != nil {
			cs.log.Println("join:", err)
		}

		return func() {
			cs.completeJoin(connID, room, ident, history, rows)
		}
	})
	if !ok {
		cs.registry.SetRoom(conn.Id, "")
		cs.send(conn, ErrServiceUnavailable())
	}
}

func (cs *ChatServer) completeJoin(connID, room string, ident identity.Identity, history []NewMessage, rows []database.Presence) {
	conn := cs.registry.Get(connID)
	if conn == nil || conn.Room != room {
		// left or switched rooms while the join was in flight
		return
	}

	if cs.directory.Join(room, connID) {
		if cs.directory.Count(room) == 1 {
			cs.stats.Incr(metricActiveRooms)
		}
		cs.broadcast(room, NoErrUserJoined(ident), connID)
	}

	if history == nil {
		history = []NewMessage{}
	}
	users := onlineUsersOf(rows, room, cs.registry)
	info := cs.directory.Info(room)

	cs.send(conn, NoErrRoomJoined(RoomJoined{
		Room: room,
		RoomInfo: RoomInfo{
			Name:        info.Name,
			DisplayName: info.DisplayName,
			Description: info.Description,
			Users:       users,
			Messages:    history,
		},
		User: userInfoOf(ident),
	}))
	cs.broadcast(room, NoErrOnlineUsers(users), "")
}

// leaveRoom removes conn from its current room, marks its presence offline and
// notifies the remaining members.
func (cs *ChatServer) leaveRoom(conn *Connection) {
	room := conn.Room
	if room == "" {
		return
	}

	ident := conn.Identity
	if ident == nil {
		ident = identity.Anonymous{}
	}
	wasMember := cs.directory.Leave(room, conn.Id)
	if wasMember && cs.directory.Count(room) == 0 {
		cs.stats.Decr(metricActiveRooms)
	}
	cs.registry.SetRoom(conn.Id, "")

	connID := conn.Id
	ok := cs.enqueue(room, func(ctx context.Context) func() {
		if err := cs.presence.UpsertPresence(ctx, connID, room, ident, database.PresenceOffline, Now()); err != nil {
			cs.log.Println("leave:", err)
		}

		rows, err := cs.presence.OnlineRows(ctx, room)
		if err != nil {
			cs.log.Println("leave:", err)
		}

		return func() {
			if wasMember {
				cs.broadcast(room, NoErrUserLeft(ident), "")
			}
			if err == nil {
				cs.broadcast(room, NoErrOnlineUsers(onlineUsersOf(rows, room, cs.registry)), "")
			}
		}
	})
	if !ok && wasMember {
		cs.broadcast(room, NoErrUserLeft(ident), "")
	}
}

func (cs *ChatServer) chatMessage(conn *Connection, msg *ChatMessage) {
	if conn.Room == "" || conn.Room != msg.Room {
		cs.send(conn, ErrRoomNotJoined())
		return
	}

	content, messageType, err := ValidateMessage(msg.Content, msg.MessageType)
	if err != nil {
		cs.stats.Incr(metricMessagesRejected)
		cs.send(conn, ErrMessageRejected(err))
		return
	}

	room := conn.Room
	connID := conn.Id
	author := conn.Identity
	if author == nil {
		author = identity.Anonymous{}
	}

	ok := cs.enqueue(room, func(ctx context.Context) func() {
		if cs.limiter != nil {
			allowed, err := cs.limiter.Allow(ctx, connID)
			if err != nil {
				// flood control is best-effort
				cs.log.Println("rate limit:", err)
			} else if !allowed {
				return func() {
					cs.stats.Incr(metricMessagesRejected)
					cs.sendTo(connID, ErrRateLimited())
				}
			}
		}

		m, err := cs.saveMessage(ctx, room, author, content, messageType)
		if err != nil {
			cs.log.Println("chat message:", err)
			return func() {
				cs.sendTo(connID, ErrSendFailed())
			}
		}

		return func() {
			cs.stats.Incr(metricMessagesSent)
			cs.broadcast(room, NoErrNewMessage(m), "")
		}
	})
	if !ok {
		cs.send(conn, ErrServiceUnavailable())
	}
}

func (cs *ChatServer) saveMessage(ctx context.Context, room string, author identity.Identity, content, messageType string) (database.Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return database.Message{}, fmt.Errorf("generate message id: %w", err)
	}

	userId, _ := identity.UserID(author)
	m := database.Message{
		Id:          id.String(),
		UserId:      userId,
		Room:        room,
		Username:    author.Username(),
		IsAnonymous: identity.IsAnonymous(author),
		Content:     content,
		MessageType: messageType,
		CreatedAt:   Now(),
	}

	if err := cs.db.CreateMessage(ctx, m); err != nil {
		return database.Message{}, fmt.Errorf("save message in %q: %w", room, err)
	}
	return m, nil
}

// typing indicators are best-effort, so events for another room are dropped.
func (cs *ChatServer) typing(conn *Connection, t *Typing) {
	if conn.Room == "" || conn.Room != t.Room || !cs.directory.IsMember(conn.Room, conn.Id) {
		return
	}
	cs.broadcast(conn.Room, NoErrUserTyping(conn.Identity, t.IsTyping), conn.Id)
}

func (cs *ChatServer) getOnlineUsers(conn *Connection, room string) {
	if err := ValidateRoomName(room); err != nil {
		cs.send(conn, ErrRoomInvalid())
		return
	}

	connID := conn.Id
	ok := cs.enqueue(room, func(ctx context.Context) func() {
		rows, err := cs.presence.OnlineRows(ctx, room)
		if err != nil {
			cs.log.Println("online users:", err)
			return func() {
				cs.sendTo(connID, ErrInternalError())
			}
		}

		return func() {
			cs.sendTo(connID, NoErrOnlineUsers(onlineUsersOf(rows, room, cs.registry)))
		}
	})
	if !ok {
		cs.send(conn, ErrServiceUnavailable())
	}
}

// sweepPresence refreshes presence of live connections and then sweeps stale
// rows in the background.
func (cs *ChatServer) sweepPresence(now time.Time) {
	live := make(map[string][]string)
	for _, r := range cs.directory.Rooms() {
		if members := cs.directory.MembersOf(r.Name); len(members) > 0 {
			live[r.Name] = members
		}
	}

	cs.sweepWG.Add(1)
	go func() {
		defer cs.sweepWG.Done()

		ctx, cancel := context.WithTimeout(context.Background(), cs.opTimeout)
		defer cancel()

		for room, connIDs := range live {
			if err := cs.presence.Heartbeat(ctx, room, connIDs, now); err != nil {
				cs.log.Println("presence sweep:", err)
			}
		}

		marked, deleted, err := cs.presence.CleanupStalePresence(ctx, now)
		if err != nil {
			cs.log.Println("presence sweep:", err)
			return
		}
		cs.log.Printf("presence sweep marked %d rows offline and deleted %d", marked, deleted)
	}()
}

func (cs *ChatServer) send(conn *Connection, msg *ServerMessage) {
	if conn.client != nil {
		conn.client.queueMessage(msg)
	}
}

func (cs *ChatServer) sendTo(connID string, msg *ServerMessage) {
	if conn := cs.registry.Get(connID); conn != nil {
		cs.send(conn, msg)
	}
}

// broadcast sends msg to the current members of room except skip.
func (cs *ChatServer) broadcast(room string, msg *ServerMessage, skip string) {
	for _, id := range cs.directory.MembersOf(room) {
		if id == skip {
			continue
		}
		cs.sendTo(id, msg)
	}
}

func newConnectionID() string {
	id, err := shortid.Generate()
	if err != nil {
		return uuid.NewString()
	}
	return id
}
