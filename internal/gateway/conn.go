package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/goclaw-ai/goclaw/internal/auth"
	"github.com/goclaw-ai/goclaw/internal/config"
	"github.com/goclaw-ai/goclaw/internal/executor"
	"github.com/goclaw-ai/goclaw/internal/hooks"
	"github.com/goclaw-ai/goclaw/internal/metrics"
	"github.com/goclaw-ai/goclaw/internal/protocol"
	"github.com/goclaw-ai/goclaw/internal/provider"
	"github.com/goclaw-ai/goclaw/internal/security"
	"github.com/goclaw-ai/goclaw/internal/version"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	sendBuffer    = 1024
	maxToolRounds = 8
)

type connState int

const (
	stateHandshaking connState = iota
	stateAwaitingAuth
	stateAuthorized
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateHandshaking:
		return "handshaking"
	case stateAwaitingAuth:
		return "awaiting_auth"
	case stateAuthorized:
		return "authorized"
	case stateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// conn is one connection actor. All state behind mu is shared with the
// chat goroutine; everything else is touched only by the read pump.
type conn struct {
	id     string
	ws     *websocket.Conn
	server *Server
	send   chan []byte
	log    *logrus.Entry

	// snap is the config snapshot captured at accept. A reload swaps the
	// store but never this connection's view mid-operation.
	snap *config.Snapshot

	state     connState
	authState auth.State
	tracker   *auth.Tracker
	challenge *auth.Challenge
	safety    *security.Layer
	exec      executor.Executor

	enrollSession *webauthn.SessionData

	mu          sync.Mutex
	chatCancel  context.CancelFunc
	chatRunning bool
	chatWG      sync.WaitGroup

	teardownOnce sync.Once
}

func newConn(s *Server, ws *websocket.Conn, remoteAddr string) (*conn, error) {
	id := uuid.NewString()
	snap := s.deps.Config.Current()

	policy := auth.Policy{
		MaxFailures:   snap.Auth.MaxFailures,
		FreeFailures:  snap.Auth.FreeFailures,
		LockoutWindow: time.Duration(snap.Auth.LockoutSecs) * time.Second,
		BaseDelay:     auth.DefaultPolicy().BaseDelay,
		MaxDelay:      auth.DefaultPolicy().MaxDelay,
	}
	if s.deps.AuthPolicy != nil {
		policy = *s.deps.AuthPolicy
	}

	c := &conn{
		id:     id,
		ws:     ws,
		server: s,
		send:   make(chan []byte, sendBuffer),
		log: s.deps.Log.WithFields(logrus.Fields{
			"connection": id,
			"peer":       remoteAddr,
		}),
		snap:    snap,
		state:   stateHandshaking,
		tracker: auth.NewTracker(policy),
	}

	layer, err := security.NewLayer(security.Config{
		SSRFEnabled:     snap.Safety.SSRFEnabled,
		AllowPrivateIPs: snap.Safety.AllowPrivateIPs,
		DenyCIDRs:       snap.Safety.DenyCIDRs,
		InjectionAction: security.ParseAction(snap.Safety.InjectionAction),
		Sensitivity:     snap.Safety.Sensitivity,
		LeakAction:      security.ParseAction(snap.Safety.LeakAction),
		MaxInputLen:     snap.Safety.MaxInputLen,
		DNSTimeout:      time.Duration(snap.Safety.DNSTimeoutSecs) * time.Second,
	}, security.WithEmitter(c.emitSecurityEvent), security.WithLogger(c.log))
	if err != nil {
		return nil, fmt.Errorf("gateway: build safety layer: %w", err)
	}
	c.safety = layer
	c.exec = s.deps.NewExecutor(layer)
	return c, nil
}

// run is the connection actor's main loop: handshake, then one frame at a
// time in arrival order.
func (c *conn) run(ctx context.Context) {
	defer c.teardown()

	outcome := c.server.deps.Hooks.Dispatch(&hooks.Context{
		Event:        hooks.EventConnection,
		ConnectionID: c.id,
		Metadata:     map[string]any{"peer": c.ws.RemoteAddr().String()},
	})
	if outcome.Kind == hooks.KindAbort {
		c.enqueue(protocol.ErrorFrame("connection rejected"))
		return
	}

	if !c.handshake(ctx) {
		return
	}
	c.readPump(ctx)
}

// handshake issues the CSRF token, greets the client and either opens an
// authentication round or authorizes immediately.
func (c *conn) handshake(ctx context.Context) bool {
	token, err := c.server.deps.Csrf.Issue(c.id)
	if err != nil {
		c.log.WithError(err).Error("gateway: csrf issue failed")
		return false
	}

	c.enqueue(protocol.Frame{
		Type:      protocol.TypeHello,
		CsrfToken: token,
		Agent:     "goclaw",
		Version:   version.String(),
		Provider:  c.server.deps.Provider.Name(),
	})
	c.enqueue(protocol.StatusFrame("provider_ready", c.server.deps.Provider.Name()))

	if !c.server.deps.Auth.Required() {
		c.state = stateAuthorized
		c.authState = auth.StateAuthenticated
		return true
	}

	c.state = stateAwaitingAuth
	return c.issueChallenge(ctx)
}

func (c *conn) issueChallenge(ctx context.Context) bool {
	ch, err := c.server.deps.Auth.Challenge(ctx)
	if err != nil {
		c.log.WithError(err).Error("gateway: challenge issue failed")
		c.enqueue(protocol.ErrorFrame("authentication unavailable"))
		return false
	}
	c.challenge = ch
	c.authState = auth.StateChallengeIssued
	c.enqueue(protocol.Frame{
		Type:    protocol.TypeAuthChallenge,
		Method:  string(ch.Method),
		Payload: ch.Payload,
	})
	return true
}

func (c *conn) readPump(ctx context.Context) {
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Warn("gateway: read failed")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		f, err := protocol.Decode(data)
		if err != nil {
			c.enqueue(protocol.ErrorFrame("malformed frame"))
			continue
		}

		start := time.Now()
		c.handleFrame(ctx, f)
		metrics.ObserveFrame(time.Since(start).Seconds())

		if c.state == stateClosing {
			return
		}
	}
}

func (c *conn) handleFrame(ctx context.Context, f protocol.Frame) {
	switch c.state {
	case stateAwaitingAuth:
		if f.Type != protocol.TypeAuthResponse {
			c.enqueue(protocol.ErrorFrame("authentication required"))
			return
		}
		c.handleAuthResponse(ctx, f)
	case stateAuthorized:
		c.handleAuthorized(ctx, f)
	default:
		c.enqueue(protocol.ErrorFrame("connection not ready"))
	}
}

func (c *conn) handleAuthorized(ctx context.Context, f protocol.Frame) {
	if protocol.IsControl(f.Type) && !c.server.deps.Csrf.Validate(c.id, f.CsrfToken) {
		c.enqueue(protocol.ErrorFrame("invalid or expired csrf token"))
		return
	}

	switch f.Type {
	case protocol.TypeChat:
		c.handleChat(ctx, f)
	case protocol.TypeCancel:
		c.cancelChat()
	case protocol.TypeReloadConfig:
		c.handleReload()
	case protocol.TypeRotateCsrf:
		c.handleRotate()
	case protocol.TypeSessionCtl:
		c.handleSessionControl(f)
	case protocol.TypeEnrollTOTP:
		c.handleEnrollTOTP(ctx)
	case protocol.TypeEnrollKey:
		c.handleEnrollPasskey(ctx, f)
	default:
		c.enqueue(protocol.ErrorFrame(fmt.Sprintf("unknown frame type %q", f.Type)))
	}
}

// handleAuthResponse drives the auth state machine for one attempt.
// Attempts during lockout are rejected before any credential comparison.
func (c *conn) handleAuthResponse(ctx context.Context, f protocol.Frame) {
	if c.tracker.LockedOut() {
		c.authState = auth.StateLockedOut
		c.enqueue(protocol.Frame{
			Type:       protocol.TypeAuthLocked,
			RetryAfter: retryAfterSecs(c.tracker.RemainingLockout()),
		})
		return
	}
	if c.authState == auth.StateLockedOut {
		// Window elapsed; the standing challenge is live again.
		c.authState = auth.StateChallengeIssued
	}

	if delay := c.tracker.Delay(); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}

	err := c.server.deps.Auth.Verify(ctx, c.challenge, authResponse(f))
	switch {
	case err == nil:
		c.tracker.RecordSuccess()
		c.challenge = nil
		c.state = stateAuthorized
		c.authState = auth.StateAuthenticated
		c.server.deps.Hooks.Dispatch(&hooks.Context{
			Event:        hooks.EventAuthSuccess,
			ConnectionID: c.id,
			Metadata:     map[string]any{"method": string(c.server.deps.Auth.Method())},
		})
		c.enqueue(protocol.Frame{Type: protocol.TypeAuthResult, OK: protocol.BoolPtr(true)})

	case err == auth.ErrChallengeExpired:
		// Expired rounds do not count against the failure budget; the
		// client simply gets a fresh challenge.
		c.enqueue(protocol.Frame{
			Type:    protocol.TypeAuthResult,
			OK:      protocol.BoolPtr(false),
			Retry:   true,
			Message: "challenge expired",
		})
		c.issueChallenge(ctx)

	default:
		locked := c.tracker.RecordFailure()
		c.server.deps.Hooks.Dispatch(&hooks.Context{
			Event:        hooks.EventAuthFailure,
			ConnectionID: c.id,
			Metadata:     map[string]any{"method": string(c.server.deps.Auth.Method()), "failures": c.tracker.Failures()},
		})
		if locked {
			c.authState = auth.StateLockedOut
			c.enqueue(protocol.Frame{
				Type:       protocol.TypeAuthLocked,
				RetryAfter: retryAfterSecs(c.tracker.RemainingLockout()),
			})
			return
		}
		c.enqueue(protocol.Frame{
			Type:    protocol.TypeAuthResult,
			OK:      protocol.BoolPtr(false),
			Retry:   true,
			Message: "invalid credential",
		})
	}
}

func (c *conn) handleReload() {
	summary, err := c.server.deps.Config.Reload()
	if err != nil {
		metrics.IncConfigReload("error")
		c.enqueue(protocol.Frame{
			Type:    protocol.TypeReloadResult,
			Status:  "error",
			Message: err.Error(),
		})
		return
	}

	changed := make([]string, 0, len(summary.Changed))
	for _, fc := range summary.Changed {
		changed = append(changed, fc.Field)
	}
	c.server.deps.Hooks.Dispatch(&hooks.Context{
		Event:        hooks.EventConfigReload,
		ConnectionID: c.id,
		Metadata: map[string]any{
			"result":           "success",
			"changed":          changed,
			"restart_required": summary.RestartRequired,
		},
	})
	c.enqueue(protocol.Frame{
		Type:    protocol.TypeReloadResult,
		Status:  "ok",
		Message: fmt.Sprintf("%d field(s) changed", len(summary.Changed)),
	})
}

func (c *conn) handleRotate() {
	token, err := c.server.deps.Csrf.Rotate(c.id)
	if err != nil {
		c.enqueue(protocol.ErrorFrame("token rotation failed"))
		return
	}
	c.enqueue(protocol.Frame{Type: protocol.TypeCsrfRotated, CsrfToken: token})
}

func (c *conn) handleSessionControl(f protocol.Frame) {
	switch f.Action {
	case "status":
		c.enqueue(protocol.Frame{
			Type:      protocol.TypeSessionResult,
			Status:    c.state.String(),
			Auth:      c.authState.String(),
			SessionID: c.id,
		})
	case "close":
		c.state = stateClosing
		c.enqueue(protocol.Frame{Type: protocol.TypeSessionResult, Status: "closing"})
	default:
		c.enqueue(protocol.ErrorFrame(fmt.Sprintf("unknown session action %q", f.Action)))
	}
}

func (c *conn) handleEnrollTOTP(ctx context.Context) {
	url, err := c.server.deps.Auth.EnrollTOTP(ctx, "operator")
	if err != nil {
		c.enqueue(protocol.Frame{Type: protocol.TypeEnrollResult, Status: "error", Message: "totp enrollment failed"})
		return
	}
	c.enqueue(protocol.Frame{Type: protocol.TypeEnrollResult, Status: "ok", Result: url})
}

// handleEnrollPasskey is a two-phase ceremony: an empty payload begins the
// registration and returns creation options, a follow-up frame carrying the
// attestation response completes it.
func (c *conn) handleEnrollPasskey(ctx context.Context, f protocol.Frame) {
	if len(f.Payload) == 0 {
		options, session, err := c.server.deps.Auth.BeginPasskeyEnrollment(ctx)
		if err != nil {
			c.enqueue(protocol.Frame{Type: protocol.TypeEnrollResult, Status: "error", Message: "passkey enrollment unavailable"})
			return
		}
		c.enrollSession = session
		c.enqueue(protocol.Frame{Type: protocol.TypeEnrollResult, Status: "challenge", Payload: options})
		return
	}

	if c.enrollSession == nil {
		c.enqueue(protocol.Frame{Type: protocol.TypeEnrollResult, Status: "error", Message: "no enrollment in progress"})
		return
	}
	name := f.Name
	if name == "" {
		name = "passkey"
	}
	err := c.server.deps.Auth.FinishPasskeyEnrollment(ctx, c.enrollSession, name, string(f.Payload))
	c.enrollSession = nil
	if err != nil {
		c.enqueue(protocol.Frame{Type: protocol.TypeEnrollResult, Status: "error", Message: "passkey enrollment failed"})
		return
	}
	c.enqueue(protocol.Frame{Type: protocol.TypeEnrollResult, Status: "ok"})
}

// handleChat validates the inbound messages against the safety layer and
// starts the provider round trip. One chat stream at a time per connection.
func (c *conn) handleChat(ctx context.Context, f protocol.Frame) {
	if len(f.Messages) == 0 {
		c.enqueue(protocol.ErrorFrame("chat frame has no messages"))
		return
	}

	c.mu.Lock()
	if c.chatRunning {
		c.mu.Unlock()
		c.enqueue(protocol.ErrorFrame("a response is already streaming"))
		return
	}

	messages := append([]protocol.ChatMessage(nil), f.Messages...)
	last := len(messages) - 1
	result := c.safety.EvaluateMessage(c.id, messages[last].Content)
	if result.Verdict == security.VerdictBlock {
		c.mu.Unlock()
		c.enqueue(protocol.ErrorFrame("message blocked by safety policy"))
		return
	}
	messages[last].Content = result.Content

	chatCtx, cancel := context.WithCancel(ctx)
	c.chatCancel = cancel
	c.chatRunning = true
	c.chatWG.Add(1)
	c.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			c.mu.Lock()
			c.chatRunning = false
			c.chatCancel = nil
			c.mu.Unlock()
			c.chatWG.Done()
		}()
		c.runChat(chatCtx, f.SessionID, messages)
	}()
}

// emitSecurityEvent fans a safety detection out through the hook registry,
// where the metrics and audit observers consume it.
func (c *conn) emitSecurityEvent(ev *security.Event) {
	c.server.deps.Hooks.Dispatch(&hooks.Context{
		Event:        hooks.EventSecurityEvent,
		ConnectionID: c.id,
		Metadata: map[string]any{
			"category": string(ev.Category),
			"verdict":  ev.Verdict.String(),
			"patterns": ev.Patterns,
			"score":    ev.Score,
		},
	})
}

func (c *conn) cancelChat() {
	c.mu.Lock()
	if c.chatCancel != nil {
		c.chatCancel()
	}
	c.mu.Unlock()
}

// runChat loops provider rounds until a round produces no tool call, then
// emits exactly one response_done. Frames go out in emission order through
// the send channel.
func (c *conn) runChat(ctx context.Context, sessionID string, messages []protocol.ChatMessage) {
	defer c.enqueue(protocol.Frame{Type: protocol.TypeResponseDone})

	prov := c.server.deps.Provider
	for round := 0; round < maxToolRounds; round++ {
		c.server.deps.Hooks.Dispatch(&hooks.Context{
			Event:        hooks.EventBeforeProviderCall,
			ConnectionID: c.id,
			Metadata:     map[string]any{"provider": prov.Name(), "round": round},
		})

		events, err := prov.Chat(ctx, provider.Request{SessionID: sessionID, Messages: messages})
		if err != nil {
			c.dispatchAfterProvider(prov.Name(), "error")
			c.enqueue(protocol.ErrorFrame("provider request failed"))
			return
		}

		var call *provider.ToolCall
		blocked := false
		for ev := range events {
			select {
			case <-ctx.Done():
				c.dispatchAfterProvider(prov.Name(), "cancelled")
				return
			default:
			}
			switch ev.Kind {
			case provider.EventChunk:
				if blocked {
					continue
				}
				out := c.safety.EvaluateOutput(c.id, ev.Chunk)
				if out.Verdict == security.VerdictBlock {
					blocked = true
					continue
				}
				c.enqueue(protocol.Frame{Type: protocol.TypeResponseChunk, Chunk: out.Content})
			case provider.EventToolCall:
				if call == nil {
					call = ev.ToolCall
				}
			}
		}
		c.dispatchAfterProvider(prov.Name(), "success")

		if blocked {
			c.enqueue(protocol.ErrorFrame("response blocked by safety policy"))
			return
		}
		if call == nil {
			return
		}

		result, isError := c.runTool(ctx, call)
		messages = provider.HistoryWithToolResult(messages, call, result, isError)
	}
	c.enqueue(protocol.ErrorFrame("tool round limit reached"))
}

func (c *conn) dispatchAfterProvider(name, result string) {
	c.server.deps.Hooks.Dispatch(&hooks.Context{
		Event:        hooks.EventAfterProviderCall,
		ConnectionID: c.id,
		Metadata:     map[string]any{"provider": name, "result": result},
	})
}

// runTool announces the call, passes it through the before-hook and the
// safety layer, executes it and reports the result.
func (c *conn) runTool(ctx context.Context, call *provider.ToolCall) (string, bool) {
	c.enqueue(protocol.Frame{
		Type:      protocol.TypeToolCall,
		ID:        call.ID,
		Name:      call.Name,
		Arguments: call.Arguments,
	})

	result, isError := c.executeTool(ctx, call)

	// Tool output flows both to the client and back into the provider
	// history, so leaks are screened before either sees it.
	if !isError {
		out := c.safety.EvaluateOutput(c.id, result)
		switch out.Verdict {
		case security.VerdictBlock:
			result, isError = "tool result blocked by safety policy", true
		case security.VerdictSanitize:
			result = out.Content
		}
	}

	c.server.deps.Hooks.Dispatch(&hooks.Context{
		Event:        hooks.EventAfterToolCall,
		ConnectionID: c.id,
		Metadata:     map[string]any{"tool": call.Name, "result": toolResultLabel(isError)},
	})
	c.enqueue(protocol.Frame{
		Type:    protocol.TypeToolResult,
		ID:      call.ID,
		Name:    call.Name,
		Result:  result,
		IsError: isError,
	})
	return result, isError
}

func (c *conn) executeTool(ctx context.Context, call *provider.ToolCall) (string, bool) {
	outcome := c.server.deps.Hooks.Dispatch(&hooks.Context{
		Event:        hooks.EventBeforeToolCall,
		ConnectionID: c.id,
		Metadata:     map[string]any{"tool": call.Name, "id": call.ID},
	})
	if outcome.Kind == hooks.KindAbort {
		return fmt.Sprintf("tool call aborted: %s", outcome.Reason), true
	}

	args := call.Arguments
	check := c.safety.EvaluateMessage(c.id, string(args))
	switch check.Verdict {
	case security.VerdictBlock:
		return "tool arguments blocked by safety policy", true
	case security.VerdictSanitize:
		args = json.RawMessage(check.Content)
	}

	var parsed map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &parsed); err != nil {
			return "tool arguments are not a JSON object", true
		}
	}

	output, err := c.exec.Execute(ctx, executor.Action{Tool: call.Name, Arguments: parsed}, c.server.deps.Sandbox)
	if err != nil {
		c.log.WithError(err).WithField("tool", call.Name).Warn("gateway: tool execution failed")
		return "tool execution failed", true
	}
	return output.Content, output.IsError
}

// teardown releases connection resources. The disconnection hook runs
// exactly once, before anything is released, regardless of exit path.
func (c *conn) teardown() {
	c.teardownOnce.Do(func() {
		c.cancelChat()
		c.chatWG.Wait()
		c.state = stateClosed

		c.server.deps.Hooks.Dispatch(&hooks.Context{
			Event:        hooks.EventDisconnection,
			ConnectionID: c.id,
		})

		c.server.deps.Csrf.Remove(c.id)
		c.server.unregister(c)
		close(c.send)
		c.ws.Close()
	})
}

func (c *conn) enqueue(f protocol.Frame) {
	data, err := protocol.Encode(f)
	if err != nil {
		c.log.WithError(err).Error("gateway: encode frame failed")
		return
	}
	select {
	case c.send <- data:
	default:
		// A client that stops reading loses the connection, never a frame.
		c.log.WithField("type", f.Type).Warn("gateway: send buffer full, closing connection")
		c.ws.Close()
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func authResponse(f protocol.Frame) string {
	var s string
	if err := json.Unmarshal(f.Payload, &s); err == nil {
		return s
	}
	return string(f.Payload)
}

func retryAfterSecs(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

func toolResultLabel(isError bool) string {
	if isError {
		return "error"
	}
	return "success"
}
