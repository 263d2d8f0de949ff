package server

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"nearby-alerts/feed"
	"nearby-alerts/pkg/notifier"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 25 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Native clients send no Origin; browser access is fronted by the gateway.
		return true
	},
}

// latest holds only the newest value; a slow client skips intermediate states.
type latest[T any] struct {
	ch chan T
	mu sync.Mutex
}

func newLatest[T any]() *latest[T] {
	return &latest[T]{ch: make(chan T, 1)}
}

func (l *latest[T]) put(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.ch:
	default:
	}
	l.ch <- v
}

type unreadMessage struct {
	Type   string `json:"type"`
	Unread int    `json:"unread"`
}

type reportsMessage struct {
	Type    string         `json:"type"`
	Reports []nearbyReport `json:"reports"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// moveRequest is sent by nearby clients to move their view.
type moveRequest struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	RadiusKm float64 `json:"radius_km"`
}

func writeJSONMessage(conn *websocket.Conn, v any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}

func ping(conn *websocket.Conn) error {
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// handleUnreadWS streams the user's unread badge count.
// GET /users/{id}/notifications/unread/ws
func (s *Server) handleUnreadWS(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	updates := newLatest[int]()
	cancel, err := s.badge.Count(r.Context(), userID, updates.put)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade websocket connection", "error", err, "user_id", userID)
		return
	}
	defer conn.Close()
	s.logger.Info("Unread stream opened", "user_id", userID)

	// Clients send nothing; reading detects disconnects and answers pings.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			s.logger.Info("Unread stream closed", "user_id", userID)
			return
		case n := <-updates.ch:
			if err := writeJSONMessage(conn, unreadMessage{Type: "unread", Unread: n}); err != nil {
				s.logger.Debug("Unread stream write failed", "user_id", userID, "error", err)
				return
			}
		case <-ticker.C:
			if err := ping(conn); err != nil {
				return
			}
		}
	}
}

// nearbyFrame is one onUpdate result and the view generation it belongs to.
type nearbyFrame struct {
	gen     uint64
	reports []*notifier.Report
}

// handleNearbyWS streams the live nearby set. The client may move the view
// by sending a moveRequest; frames queued for the old view are dropped, so
// no frame mixes the two.
// GET /reports/nearby/ws?lat=&lon=&radius_km=&type=&status=
func (s *Server) handleNearbyWS(w http.ResponseWriter, r *http.Request) {
	center, radius, filter, err := parseNearby(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// The first snapshot may arrive before Subscribe returns; it is generation 1.
	var current atomic.Pointer[feed.Subscription]
	updates := newLatest[nearbyFrame]()
	sub, err := s.feed.Subscribe(r.Context(), center, radius, filter, func(reports []*notifier.Report) {
		gen := uint64(1)
		if cur := current.Load(); cur != nil {
			gen = cur.Generation()
		}
		updates.put(nearbyFrame{gen: gen, reports: reports})
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	current.Store(sub)
	defer sub.Unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade websocket connection", "error", err)
		return
	}
	defer conn.Close()

	moves := make(chan moveRequest)
	done := make(chan struct{})
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		defer close(done)
		for {
			var m moveRequest
			if err := conn.ReadJSON(&m); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("Nearby stream read failed", "error", err)
				}
				return
			}
			select {
			case moves <- m:
			case <-stop:
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case m := <-moves:
			next := notifier.GeoPoint{Latitude: m.Lat, Longitude: m.Lon}
			if !feed.Material(center, radius, next, m.RadiusKm) {
				continue
			}
			if err := sub.Retarget(r.Context(), next, m.RadiusKm); err != nil {
				if werr := writeJSONMessage(conn, errorMessage{Type: "error", Error: err.Error()}); werr != nil {
					return
				}
				if errors.Is(err, notifier.ErrInvalidArgument) {
					continue // view unchanged
				}
				s.logger.Warn("Nearby stream move failed", "error", err)
				return
			}
			center, radius = next, m.RadiusKm
			s.logger.Debug("Nearby stream moved", "lat", next.Latitude, "lng", next.Longitude, "radius_km", radius)
		case frame := <-updates.ch:
			if frame.gen != sub.Generation() {
				continue
			}
			msg := reportsMessage{Type: "reports", Reports: withDistance(frame.reports, center)}
			if err := writeJSONMessage(conn, msg); err != nil {
				s.logger.Debug("Nearby stream write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := ping(conn); err != nil {
				return
			}
		}
	}
}
