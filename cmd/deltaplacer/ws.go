package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mastercactapus/deltaplacer/coord"
	"github.com/mastercactapus/deltaplacer/kinematics"
	"go.uber.org/zap"
)

const wsWriteTimeout = 5 * time.Second

// wsCommand is a request sent by a websocket client. Replies carry the
// same ID.
type wsCommand struct {
	ID    string  `json:"id"`
	Op    string  `json:"op"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Speed float64 `json:"speed"`
	Voxel float64 `json:"voxel"`
}

type wsReply struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	out  chan []byte
}

// wsHub serves /api/ws: commands in, replies and machine events out.
type wsHub struct {
	a        *api
	upgrader websocket.Upgrader

	mx      sync.Mutex
	clients map[*wsClient]struct{}
}

func newHub(a *api) *wsHub {
	return &wsHub{
		a:       a,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *wsHub) broadcast(data []byte) {
	h.mx.Lock()
	defer h.mx.Unlock()
	for c := range h.clients {
		select {
		case c.out <- data:
		default:
			// slow reader, drop
		}
	}
}

func (h *wsHub) close() {
	h.mx.Lock()
	defer h.mx.Unlock()
	for c := range h.clients {
		c.conn.Close()
	}
}

func (h *wsHub) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.a.log.Warn("websocket upgrade", zap.Error(err))
		return
	}
	c := &wsClient{conn: conn, out: make(chan []byte, 64)}

	h.mx.Lock()
	h.clients[c] = struct{}{}
	h.mx.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		h.mx.Lock()
		delete(h.clients, c)
		h.mx.Unlock()
		conn.Close()
	}()

	go h.writeLoop(ctx, c)

	for {
		var cmd wsCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.a.log.Debug("websocket read", zap.Error(err))
			}
			return
		}
		// commands run concurrently so a stop is not queued behind a move
		go func() {
			rep := wsReply{Type: "reply", ID: cmd.ID}
			if err := h.exec(ctx, cmd); err != nil {
				rep.Error = err.Error()
			}
			rep.State = h.a.m.State().String()
			data, err := json.Marshal(rep)
			if err != nil {
				return
			}
			select {
			case c.out <- data:
			case <-ctx.Done():
			}
		}()
	}
}

func (h *wsHub) writeLoop(ctx context.Context, c *wsClient) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.a.log.Debug("websocket write", zap.Error(err))
				c.conn.Close()
				return
			}
		}
	}
}

func (h *wsHub) exec(ctx context.Context, cmd wsCommand) error {
	m := h.a.m
	switch cmd.Op {
	case "power_on":
		return m.PowerOn(ctx)
	case "power_off":
		return m.PowerOff(ctx)
	case "stop":
		return m.Stop(ctx)
	case "reset":
		return m.Reset(ctx)
	case "moveto":
		speed := cmd.Speed
		if speed == 0 {
			speed = h.a.speed
		}
		return m.MoveTo(ctx, coord.Point{X: cmd.X, Y: cmd.Y, Z: cmd.Z}, kinematics.Radians(speed))
	case "boundaries":
		voxel := cmd.Voxel
		if voxel == 0 {
			voxel = h.a.voxel
		}
		return m.GenerateBoundaries(ctx, voxel)
	}
	return fmt.Errorf("unknown op %q", cmd.Op)
}
