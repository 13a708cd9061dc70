package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/notify"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = 30 * time.Second
	feedEventQueue = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// feedMessage is one frame on the change feed. Type is "change" or "view".
type feedMessage struct {
	Type  string        `json:"type"`
	Event *notify.Event `json:"event,omitempty"`
	View  *domain.View  `json:"view,omitempty"`
}

// handleFeed upgrades to a websocket that streams table change events and, when a view
// source is wired, every refreshed view. The first frame is the current view.
func (a *API) handleFeed(w http.ResponseWriter, r *http.Request) {
	if a.subscriber == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("change feed not configured"))
		return
	}
	var tables []domain.Table
	if raw := strings.TrimSpace(r.URL.Query().Get("tables")); raw != "" {
		tables = notify.ParseTables(strings.Split(raw, ","))
		if len(tables) == 0 {
			writeError(w, http.StatusBadRequest, errors.New("no known tables requested"))
			return
		}
	}

	up := upgrader
	up.CheckOrigin = a.checkOrigin
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug("feed upgrade failed", zap.Error(err))
		return
	}
	a.metrics.FeedConnected()
	defer a.metrics.FeedDisconnected()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	f := &feed{events: make(chan notify.Event, feedEventQueue), wake: make(chan struct{}, 1)}
	unsubscribe, err := a.subscriber.Subscribe(ctx, tables, func(evt notify.Event) {
		select {
		case f.events <- evt:
		case <-ctx.Done():
		}
	})
	if err != nil {
		a.logger.Warn("feed subscribe failed", zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"), time.Now().Add(feedWriteWait))
		_ = conn.Close()
		return
	}
	defer unsubscribe()

	if a.views != nil {
		defer a.views.Listen(f.offerView)()
	}
	f.offerView(a.service.View())

	go f.readPump(conn, cancel)
	if err := f.writePump(ctx, conn); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		a.logger.Debug("feed closed", zap.Error(err))
	}
	_ = conn.Close()
}

// checkOrigin follows the CORS setting: "*" accepts any origin.
func (a *API) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || a.allowedOrigin == "*" || strings.EqualFold(origin, a.allowedOrigin)
}

// feed buffers what one websocket client still has to receive. Views are level-triggered,
// so only the newest pending view is kept.
type feed struct {
	events chan notify.Event

	mu   sync.Mutex
	view *domain.View
	wake chan struct{}
}

func (f *feed) offerView(v domain.View) {
	f.mu.Lock()
	if f.view == nil || v.Version >= f.view.Version {
		f.view = &v
	}
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *feed) takeView() *domain.View {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.view
	f.view = nil
	return v
}

// readPump discards client frames; it exists to process pongs and notice disconnects.
func (f *feed) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(feedPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *feed) writePump(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(feedPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(feedWriteWait))
			return nil
		case evt := <-f.events:
			if err := writeFrame(conn, feedMessage{Type: "change", Event: &evt}); err != nil {
				return err
			}
		case <-f.wake:
			if v := f.takeView(); v != nil {
				if err := writeFrame(conn, feedMessage{Type: "view", View: v}); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteWait)); err != nil {
				return err
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, msg feedMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
	return conn.WriteJSON(msg)
}
