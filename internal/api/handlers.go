package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/recovery-chat/internal/chat"
	"github.com/npezzotti/recovery-chat/internal/database"
	"github.com/npezzotti/recovery-chat/internal/identity"
	"golang.org/x/sync/errgroup"
)

type RoomStats struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Users       int    `json:"users"`
	Messages    int    `json:"messages"`
}

type StatsResponse struct {
	Rooms         []RoomStats `json:"rooms"`
	TotalUsers    int         `json:"totalUsers"`
	TotalMessages int         `json:"totalMessages"`
	ActiveRooms   int         `json:"activeRooms"`
}

type RoomMessagesResponse struct {
	Room     string            `json:"room"`
	Messages []chat.NewMessage `json:"messages"`
}

type SettingsResponse struct {
	MaxMessageLength    int        `json:"maxMessageLength"`
	MaxFileSize         int        `json:"maxFileSize"`
	AllowedMessageTypes []string   `json:"allowedMessageTypes"`
	HistoryLimit        int        `json:"historyLimit"`
	Moderation          Moderation `json:"moderation"`
}

type Moderation struct {
	BlockedTermsFilter bool `json:"blockedTermsFilter"`
	// RateLimit is null when flood control is disabled.
	RateLimit *RateLimit `json:"rateLimit"`
}

type RateLimit struct {
	MessagesPerMinute int `json:"messagesPerMinute"`
}

func (s *ChatApp) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *ChatApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Println(errResp.Error())
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *ChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.writeError(w, NewInternalServerError(fmt.Errorf("ping: %w", err)))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *ChatApp) getStats(w http.ResponseWriter, r *http.Request) {
	var (
		rooms  []chat.RoomSummary
		counts map[string]int
	)

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		rooms, err = s.cs.Rooms(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		counts, err = s.db.CountMessagesByRoom(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		s.writeError(w, s.chatServerError(err))
		return
	}

	resp := StatsResponse{Rooms: make([]RoomStats, 0, len(rooms))}
	for _, room := range rooms {
		resp.Rooms = append(resp.Rooms, RoomStats{
			Name:        room.Name,
			DisplayName: room.DisplayName,
			Users:       room.Users,
			Messages:    counts[room.Name],
		})
		resp.TotalUsers += room.Users
		if room.Users > 0 {
			resp.ActiveRooms++
		}
	}
	for _, n := range counts {
		resp.TotalMessages += n
	}

	s.writeJson(w, http.StatusOK, resp)
}

func (s *ChatApp) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.cs.Rooms(r.Context())
	if err != nil {
		s.writeError(w, s.chatServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, rooms)
}

func (s *ChatApp) getRoomMessages(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	if err := chat.ValidateRoomName(room); err != nil {
		s.writeError(w, NewBadRequestError(err))
		return
	}

	limit := s.historyLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n < 1 {
			s.writeError(w, NewBadRequestError(fmt.Errorf("invalid limit %q", limitStr)))
			return
		}
		limit = min(n, database.MaxHistoryLimit)
	}

	messages, err := chat.RecentMessages(r.Context(), s.db, room, limit)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, RoomMessagesResponse{
		Room:     room,
		Messages: messages,
	})
}

func (s *ChatApp) getSettings(w http.ResponseWriter, r *http.Request) {
	resp := SettingsResponse{
		MaxMessageLength:    chat.MaxMessageLength,
		MaxFileSize:         chat.MaxFileSize,
		AllowedMessageTypes: chat.AllowedMessageTypes(),
		HistoryLimit:        s.historyLimit,
		Moderation: Moderation{
			BlockedTermsFilter: len(chat.BlockedTerms()) > 0,
		},
	}
	if s.messagesPerMinute > 0 {
		resp.Moderation.RateLimit = &RateLimit{MessagesPerMinute: s.messagesPerMinute}
	}

	s.writeJson(w, http.StatusOK, resp)
}

func (s *ChatApp) chatServerError(err error) *ApiError {
	if errors.Is(err, chat.ErrServerStopped) {
		return NewServiceUnavailableError(err)
	}
	return NewInternalServerError(err)
}

func (s *ChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	claims, err := s.resolver.Verify(identity.TokenFromRequest(r))
	if err != nil {
		s.log.Printf("rejecting websocket connection: %v", err)
		s.writeError(w, NewUnauthorizedError(err))
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := chat.NewClient(conn, s.cs, claims, s.log)
	if err := s.cs.Register(client); err != nil {
		s.log.Printf("closing connection %q: %v", client.Id(), err)
		conn.Close()
		return
	}

	go client.Write()
	go client.Read()
}
