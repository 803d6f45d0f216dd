package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"saxo-fx-bot/internal/broker"
	"saxo-fx-bot/internal/config"
	"saxo-fx-bot/internal/dispatch"
	"saxo-fx-bot/internal/metrics"
	"saxo-fx-bot/internal/notify"
	"saxo-fx-bot/pkg/types"
)

var (
	errControlReconnect = errors.New("control message requested reconnect")
	errStaleConnection  = errors.New("stream went stale")
	errConflict         = errors.New("streaming context conflict")
)

// Stream owns the ENS websocket: it creates the subscription, reads and
// decodes frames, dispatches normalized events, and rebuilds the connection
// when it dies. Only the Run loop reconnects, so recovery is single-flight
// by construction.
type Stream struct {
	cfg      config.StreamConfig
	client   *broker.Client
	registry *dispatch.Registry
	notifier notify.Notifier
	logger   *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	decoder frameDecoder

	lastMessageID uint64 // read loop only
	lastActivity  atomTime
	lastPing      atomTime
}

// atomTime is a mutex-guarded timestamp; cheap enough at monitor cadence.
type atomTime struct {
	mu sync.Mutex
	t  time.Time
}

func (a *atomTime) set(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

func (a *atomTime) get() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}

func New(cfg config.StreamConfig, client *broker.Client, registry *dispatch.Registry, notifier notify.Notifier, logger *slog.Logger) *Stream {
	return &Stream{
		cfg:      cfg,
		client:   client,
		registry: registry,
		notifier: notifier,
		logger:   logger.With("component", "stream"),
	}
}

// Run connects and keeps the stream alive until ctx is cancelled. Reconnect
// backoff starts at 1s and doubles up to the configured maximum, plus up to
// 0.5s of jitter; a successful connection resets the ladder. The first
// reconnect after a working session is soft (same context, replay from the
// last message id); a 409 on dial or a failed soft attempt escalates to a
// hard reconnect with a fresh subscription.
func (s *Stream) Run(ctx context.Context) error {
	hard := true
	delay := time.Second

	for {
		if err := ctx.Err(); err != nil {
			s.teardown()
			return err
		}

		if err := s.connect(ctx, hard); err != nil {
			if errors.Is(err, errConflict) {
				hard = true
			}
			s.logger.Warn("stream connect failed", "hard", hard, "error", err)
			if !s.sleep(ctx, delay) {
				return ctx.Err()
			}
			delay = nextDelay(delay, s.cfg.ReconnectMaxDelay)
			hard = true // a failed soft attempt does not get a second chance
			continue
		}
		delay = time.Second
		metrics.ENSConnected.Set(1)

		err := s.serve(ctx)
		metrics.ENSConnected.Set(0)
		if ctx.Err() != nil {
			s.teardown()
			return ctx.Err()
		}

		s.logger.Warn("stream session ended, reconnecting", "error", err)
		metrics.ENSReconnects.Inc()
		hard = false
		if !s.sleep(ctx, delay) {
			return ctx.Err()
		}
		delay = nextDelay(delay, s.cfg.ReconnectMaxDelay)
	}
}

func nextDelay(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		next = max
	}
	return next
}

func (s *Stream) sleep(ctx context.Context, base time.Duration) bool {
	jitter := time.Duration(rand.Int63n(int64(500 * time.Millisecond)))
	select {
	case <-ctx.Done():
		return false
	case <-time.After(base + jitter):
		return true
	}
}

// connect establishes the websocket. Hard: mint a new context id and
// subscription (deleting the previous one if the broker reports the
// subscription quota exhausted). Soft: refresh the token, re-authorize the
// existing context, and resume from the last seen message id.
func (s *Stream) connect(ctx context.Context, hard bool) error {
	session := s.client.Session()

	var resumeFrom uint64
	if hard || session.ContextID() == "" {
		contextID := broker.NewContextID()
		_, err := s.client.CreateENSSubscription(ctx, contextID)
		if broker.IsSubscriptionLimitExceeded(err) {
			if old := session.ContextID(); old != "" {
				if delErr := s.client.DeleteENSSubscription(ctx, old, session.SubscriptionRef()); delErr != nil {
					s.logger.Warn("stale subscription delete failed", "error", delErr)
				}
			}
			_, err = s.client.CreateENSSubscription(ctx, contextID)
		}
		if err != nil {
			return fmt.Errorf("subscription setup: %w", err)
		}
	} else {
		if err := s.client.RefreshAccessToken(ctx); err != nil {
			return fmt.Errorf("soft reconnect token refresh: %w", err)
		}
		if err := s.client.AuthorizeStreamingContext(ctx); err != nil {
			return fmt.Errorf("soft reconnect authorize: %w", err)
		}
		resumeFrom = s.lastMessageID
	}

	wsURL := s.client.BuildStreamingURL(resumeFrom)
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return fmt.Errorf("%w: dial status 409", errConflict)
		}
		return fmt.Errorf("dial: %w", err)
	}

	now := time.Now()
	s.lastActivity.set(now)
	conn.SetPongHandler(func(string) error {
		s.lastActivity.set(time.Now())
		if sent := s.lastPing.get(); !sent.IsZero() {
			s.logger.Debug("pong", "rtt", time.Since(sent).Round(time.Millisecond))
		}
		return nil
	})

	s.mu.Lock()
	s.conn = conn
	s.decoder.Reset()
	s.mu.Unlock()

	s.logger.Info("stream connected", "context_id", session.ContextID(), "resume_from", resumeFrom)
	return nil
}

// serve runs the read loop and the liveness monitor until either fails.
func (s *Stream) serve(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	monitorDone := make(chan error, 1)
	go func() {
		monitorDone <- s.monitor(connCtx, conn)
		conn.Close() // unblocks the read loop
	}()

	readErr := s.readLoop(conn)
	cancel()
	conn.Close()

	if merr := <-monitorDone; merr != nil && readErr == nil {
		return merr
	}
	return readErr
}

func (s *Stream) readLoop(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.lastActivity.set(time.Now())
		metrics.ENSMessages.Inc()

		if msgType != websocket.BinaryMessage {
			// Text frames are gateway heartbeats; liveness is all they carry.
			continue
		}

		frames, err := s.decoder.Feed(data)
		if err != nil {
			return err
		}
		for _, f := range frames {
			s.lastMessageID = f.MessageID
			if reconnect := s.handleFrame(f); reconnect {
				return errControlReconnect
			}
		}
	}
}

// handleFrame processes one decoded frame and reports whether a control
// message demands a reconnect. Classification is by payload content: a
// reset or disconnect can arrive on the subscription's own reference id,
// not only on the underscore-prefixed system ids.
func (s *Stream) handleFrame(f Frame) bool {
	if needsReconnect(f.Payload) {
		s.logger.Warn("control frame requested reconnect", "ref_id", f.RefID)
		return true
	}
	if strings.HasPrefix(f.RefID, "_") {
		return false
	}

	for _, ev := range normalizeActivities(f.Payload) {
		if ev.Kind == types.EventOrderStatusChange {
			s.client.DropBracketOrder(ev.UIC, ev.OrderID)
		}
		s.logger.Info("stream event", "kind", ev.Kind, "uic", ev.UIC, "order_id", ev.OrderID, "status", ev.Status)
		s.registry.Dispatch(ev)
	}
	return false
}

// monitor pings the gateway and watches for silence. Escalating silence
// notifies the operator once per threshold per episode; passing the stale
// limit kills the connection so Run can rebuild it.
func (s *Stream) monitor(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()

	notified := make(map[int]bool, len(s.cfg.NotifyThresholds))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		pingStart := time.Now()
		s.lastPing.set(pingStart)
		if err := conn.WriteControl(websocket.PingMessage, nil, pingStart.Add(s.cfg.PingTimeout)); err != nil {
			return fmt.Errorf("ping: %w", err)
		}

		silence := time.Since(s.lastActivity.get())
		metrics.ENSSilence.Set(silence.Seconds())

		if silence < s.cfg.MonitorInterval {
			// Activity resumed; arm the thresholds for the next episode.
			for k := range notified {
				delete(notified, k)
			}
			continue
		}

		for _, threshold := range s.cfg.NotifyThresholds {
			if silence >= time.Duration(threshold)*time.Second && !notified[threshold] {
				notified[threshold] = true
				msg := fmt.Sprintf("⚠️ Event stream silent for %ds (threshold %ds)", int(silence.Seconds()), threshold)
				if err := s.notifier.Notify(ctx, msg); err != nil {
					s.logger.Warn("silence notification failed", "error", err)
				}
			}
		}

		if silence > s.cfg.StaleAfter {
			s.logger.Error("stream stale, forcing reconnect", "silence", silence.Round(time.Second))
			return errStaleConnection
		}
	}
}

// teardown deletes the live subscription and closes the socket. Best
// effort, bounded by the configured close timeout.
func (s *Stream) teardown() {
	session := s.client.Session()
	if contextID := session.ContextID(); contextID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CloseTimeout)
		defer cancel()
		if err := s.client.DeleteENSSubscription(ctx, contextID, session.SubscriptionRef()); err != nil {
			s.logger.Warn("subscription delete on shutdown failed", "error", err)
		}
	}

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(time.Second))
		conn.Close()
	}
}
