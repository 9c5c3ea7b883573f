package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"friendmap/internal/ids"
)

const (
	wsSubprotocolV1 = "friendmap.chat.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults: Origin is required, and only localhost is allowed
	// unless configured otherwise.
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// WSGateway is the WebSocket entrypoint for plan chats.
//
// It enforces origin policy, subprotocol selection, rate limits, and
// heartbeats, and routes validated envelopes to the chat Service and the
// per-plan room fanout. Membership is checked on join and on every send.
type WSGateway struct {
	log *slog.Logger
	svc *Service

	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks: Accept authorizes
	// same-host origins by default but needs OriginPatterns for the rest.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults.
func NewWSGateway(log *slog.Logger, svc *Service) *WSGateway {
	if log == nil {
		log = slog.Default()
	}

	g := &WSGateway{log: log, svc: svc}

	g.originRequired = envBoolWS("FRIENDMAP_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("FRIENDMAP_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("FRIENDMAP_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("FRIENDMAP_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("FRIENDMAP_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("FRIENDMAP_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("FRIENDMAP_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("FRIENDMAP_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("FRIENDMAP_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the
// chat loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{wsSubprotocolV1},
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}
	client := NewClient("", sessionID, g.sendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce sync.Once
		joined    *Room
		userID    string
		userName  string
	)

	// shutdown is idempotent. It does NOT close client.Send; membership
	// removal happens before client.Close to keep broadcasts safe.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			if joined != nil {
				joined.Leave(sessionID)
				joined = nil
			}

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case TypeHello:
			var p HelloPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil || strings.TrimSpace(p.UserID) == "" {
				g.trySendError(ctx, client, "hello_failed", "missing user_id")
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
			userID = strings.TrimSpace(p.UserID)
			userName = strings.TrimSpace(p.UserName)
			client.UserID = userID

			if !g.sendPayload(ctx, client, TypeHelloAck, HelloAckPayload{SessionID: sessionID}, now) {
				shutdown(websocket.StatusAbnormalClosure, "backpressure: hello.ack")
				break readLoop
			}

		case TypeChatJoin:
			if userID == "" {
				g.trySendError(ctx, client, "not_identified", "hello first")
				continue readLoop
			}
			room, err := g.onJoin(ctx, client, env, userID, now)
			if err != nil {
				g.trySendError(ctx, client, "join_failed", err.Error())
				continue readLoop
			}

			// Membership stability: leave the old room before switching.
			if joined != nil && joined.PlanID != room.PlanID {
				joined.Leave(sessionID)
			}
			joined = room

		case TypeMessageSend:
			if joined == nil {
				g.trySendError(ctx, client, "not_joined", "join first")
				continue readLoop
			}
			if err := g.onMessageSend(ctx, client, joined, env, userID, userName, now); err != nil {
				g.trySendError(ctx, client, "send_failed", err.Error())
				continue readLoop
			}

		case TypeReadMark:
			if joined == nil {
				g.trySendError(ctx, client, "not_joined", "join first")
				continue readLoop
			}
			var p ReadMarkPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil || p.PlanID != joined.PlanID {
				g.trySendError(ctx, client, "bad_payload", "invalid plan_id")
				continue readLoop
			}
			if err := g.svc.MarkRead(ctx, p.PlanID, userID); err != nil {
				g.trySendError(ctx, client, "mark_read_failed", err.Error())
			}

		case TypeHistoryFetch:
			if joined == nil {
				g.trySendError(ctx, client, "not_joined", "join first")
				continue readLoop
			}
			if err := g.onHistoryFetch(ctx, client, joined, env, userID, now); err != nil {
				g.trySendError(ctx, client, "history_failed", err.Error())
				continue readLoop
			}

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *WSGateway) onJoin(ctx context.Context, client *Client, env Envelope, userID string, now time.Time) (*Room, error) {
	var p ChatJoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	planID := strings.TrimSpace(p.PlanID)
	if planID == "" {
		return nil, errors.New("missing plan_id")
	}
	if !g.svc.plans.IsChatMember(planID, userID) {
		return nil, ErrNotMember
	}

	room := g.svc.hub.GetOrCreateRoom(planID)
	room.Join(client)

	if !g.sendPayload(ctx, client, TypeChatJoin, ChatJoinPayload{PlanID: planID}, now) {
		room.Leave(client.SessionID)
		return nil, errors.New("backpressure: join echo")
	}

	return room, nil
}

func (g *WSGateway) onMessageSend(ctx context.Context, client *Client, room *Room, env Envelope, userID, userName string, now time.Time) error {
	var p MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	if strings.TrimSpace(p.PlanID) == "" || p.PlanID != room.PlanID {
		return errors.New("invalid plan_id")
	}
	if strings.TrimSpace(p.ClientMsgID) == "" {
		return errors.New("missing client_msg_id")
	}

	res, err := g.svc.SendFromGateway(ctx, SendInput{
		PlanID:      p.PlanID,
		ClientMsgID: p.ClientMsgID,
		SenderID:    userID,
		SenderName:  userName,
		Content:     p.Text,
		Now:         now,
	})
	if err != nil {
		return err
	}

	stored := res.Stored
	if !g.sendPayload(ctx, client, TypeMessageAck, MessageAckPayload{
		PlanID:      stored.PlanID,
		ClientMsgID: stored.ClientMsgID,
		ServerMsgID: stored.ID,
		Seq:         stored.Seq,
	}, now) {
		return errors.New("backpressure: ack")
	}

	if res.Duplicated {
		return nil
	}

	newEnv, err := newEnvelope(TypeMessageNew, messageNewPayload(stored), now)
	if err != nil {
		return err
	}
	room.Broadcast(newEnv)
	return nil
}

func (g *WSGateway) onHistoryFetch(ctx context.Context, client *Client, room *Room, env Envelope, userID string, now time.Time) error {
	var p HistoryFetchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	planID := strings.TrimSpace(p.PlanID)
	if planID == "" || planID != room.PlanID {
		return errors.New("invalid plan_id")
	}

	out, err := g.svc.History(ctx, userID, FetchInput{
		PlanID:   planID,
		AfterSeq: p.AfterSeq,
		Limit:    clampHistoryLimit(p.Limit),
	})
	if err != nil {
		return err
	}

	msgs := make([]MessageNewPayload, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, messageNewPayload(m))
	}

	if !g.sendPayload(ctx, client, TypeHistoryChunk, HistoryChunkPayload{
		PlanID:   planID,
		Messages: msgs,
		HasMore:  out.HasMore,
	}, now) {
		return errors.New("backpressure: history chunk")
	}
	return nil
}

// ---- send helpers ----

func (g *WSGateway) sendPayload(ctx context.Context, client *Client, typ string, payload any, now time.Time) bool {
	env, err := newEnvelope(typ, payload, now)
	if err != nil {
		return false
	}
	return g.enqueue(ctx, client, env)
}

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	env, err := newEnvelope(TypeError, ErrorPayload{Code: code, Message: msg}, time.Now().UTC())
	if err != nil {
		return
	}
	_ = g.enqueue(ctx, client, env)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not
	// conn.Read. This fallback handles propagated error strings.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host.
	// Keep this strict: only hosts extracted from the allowlist.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
