package controller

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"beaconsync/internal/reactor"
	"beaconsync/internal/utils"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	streamBuffer = 64
	maxReadBytes = 512
)

// checkOrigin allows requests without an Origin header, same-host origins
// and the listed origins. An empty list or "*" allows everything.
func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, r.Host) {
			return true
		}
		for _, a := range allowed {
			if strings.EqualFold(strings.TrimRight(a, "/"), origin) {
				return true
			}
		}
		return false
	}
}

type subscribeFunc func(ctx context.Context, h reactor.Handler) (*reactor.Subscription, error)

func (c *sensorsControllerImpl) handleStreamSensors(w http.ResponseWriter, r *http.Request) {
	c.stream(w, r, func(ctx context.Context, h reactor.Handler) (*reactor.Subscription, error) {
		return c.streamer.SubscribeSensors(ctx, h)
	})
}

func (c *sensorsControllerImpl) handleStreamSettings(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c.stream(w, r, func(ctx context.Context, h reactor.Handler) (*reactor.Subscription, error) {
		return c.streamer.SubscribeSettings(ctx, id, h)
	})
}

func (c *sensorsControllerImpl) handleStreamHistory(w http.ResponseWriter, r *http.Request) {
	q, err := parseStreamQuery(r)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := r.PathValue("id")
	c.stream(w, r, func(ctx context.Context, h reactor.Handler) (*reactor.Subscription, error) {
		return c.streamer.SubscribeHistory(ctx, id, q.Since, h)
	})
}

// stream subscribes before upgrading so a failed subscription is still a
// plain HTTP error, then forwards events as JSON text frames until either
// side goes away.
func (c *sensorsControllerImpl) stream(w http.ResponseWriter, r *http.Request, subscribe subscribeFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := make(chan reactor.Event, streamBuffer)
	sub, err := subscribe(ctx, func(ev reactor.Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	})
	if err != nil {
		utils.WriteErr(w, err)
		return
	}
	defer func() {
		cancel()
		sub.Close()
	}()

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Debug("stream: upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	c.logger.Debug("stream opened", "sub_id", sub.ID(), "kind", sub.Kind(), "sensor_id", sub.SensorID())

	go func() {
		defer cancel()
		conn.SetReadLimit(maxReadBytes)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case <-sub.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return
		case ev := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				c.logger.Debug("stream: write failed", "sub_id", sub.ID(), "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
