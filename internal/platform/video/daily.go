// Package video provisions Daily.co rooms for telehealth sessions.
package video

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const DefaultBaseURL = "https://api.daily.co/v1"

// RoomRequest describes the session a room is created for.
type RoomRequest struct {
	SessionID        uuid.UUID
	ParticipantNames []string
	DurationMinutes  int
	ScheduledTime    time.Time
}

// Room is a provisioned video room.
type Room struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// Config holds Daily.co API settings. Participants may join JoinWindow
// before the scheduled start, and the room expires Grace after the end.
type Config struct {
	APIKey     string
	BaseURL    string
	JoinWindow time.Duration
	Grace      time.Duration
	Timeout    time.Duration
}

// Client creates rooms through the Daily.co REST API.
type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.JoinWindow == 0 {
		cfg.JoinWindow = 10 * time.Minute
	}
	if cfg.Grace == 0 {
		cfg.Grace = 30 * time.Minute
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

type roomProperties struct {
	NotBefore       int64 `json:"nbf"`
	Expires         int64 `json:"exp"`
	EjectAtRoomExp  bool  `json:"eject_at_room_exp"`
	MaxParticipants int   `json:"max_participants"`
	EnableChat      bool  `json:"enable_chat"`
}

type createRoomBody struct {
	Name       string         `json:"name"`
	Privacy    string         `json:"privacy"`
	Properties roomProperties `json:"properties"`
}

// RoomName is the deterministic room name for a session, so a retried
// creation refers to the same room.
func RoomName(sessionID uuid.UUID) string {
	return "session-" + strings.ReplaceAll(sessionID.String(), "-", "")
}

// CreateRoom creates a private room open from JoinWindow before the session
// until Grace after it ends. A room that already exists is looked up instead.
func (c *Client) CreateRoom(ctx context.Context, req RoomRequest) (*Room, error) {
	end := req.ScheduledTime.Add(time.Duration(req.DurationMinutes) * time.Minute)
	maxParticipants := len(req.ParticipantNames)
	if maxParticipants < 2 {
		maxParticipants = 2
	}
	body := createRoomBody{
		Name:    RoomName(req.SessionID),
		Privacy: "private",
		Properties: roomProperties{
			NotBefore:       req.ScheduledTime.Add(-c.cfg.JoinWindow).Unix(),
			Expires:         end.Add(c.cfg.Grace).Unix(),
			EjectAtRoomExp:  true,
			MaxParticipants: maxParticipants,
			EnableChat:      true,
		},
	}

	room, status, err := c.do(ctx, http.MethodPost, "/rooms", body)
	if status == http.StatusBadRequest {
		// Daily answers 400 when the name is taken, which happens when an
		// earlier attempt created the room but its response was lost.
		if existing, _, getErr := c.do(ctx, http.MethodGet, "/rooms/"+body.Name, nil); getErr == nil {
			return existing, nil
		}
	}
	return room, err
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}) (*Room, int, error) {
	var reader io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("encode daily request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("build daily request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("daily %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, resp.StatusCode, fmt.Errorf("daily %s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	var room Room
	if err := json.NewDecoder(resp.Body).Decode(&room); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode daily response: %w", err)
	}
	if room.URL == "" || room.Name == "" {
		return nil, resp.StatusCode, fmt.Errorf("daily %s %s: response missing url or name", method, path)
	}
	return &room, resp.StatusCode, nil
}
