package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anassk/zenflowd/internal/zen/common/log"
)

// cdpCommand is an outbound DevTools protocol command.
type cdpCommand struct {
	ID        int    `json:"id"`
	SessionID string `json:"sessionId,omitempty"`
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
}

// cdpReply is an inbound frame: a command response (ID set) or an event
// (Method set).
type cdpReply struct {
	ID        int             `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *cdpError       `json:"error,omitempty"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *cdpError) Error() string {
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

// cdpSession speaks the DevTools protocol over one websocket. A single
// reader goroutine feeds frames to the consumer; read errors are terminal
// on gorilla connections, so nothing reads the socket twice.
type cdpSession struct {
	conn  *websocket.Conn
	msgCh chan cdpReply
	errCh chan error
	done  chan struct{}

	nextID    int
	target    string // attached page session id
	loadFired bool
	seen      map[string]struct{}
	hosts     []string
}

func newCDPSession(conn *websocket.Conn) *cdpSession {
	s := &cdpSession{
		conn:  conn,
		msgCh: make(chan cdpReply, 64),
		errCh: make(chan error, 1),
		done:  make(chan struct{}),
		seen:  make(map[string]struct{}),
	}
	go s.readPump()
	return s
}

func (s *cdpSession) readPump() {
	for {
		var m cdpReply
		if err := s.conn.ReadJSON(&m); err != nil {
			select {
			case s.errCh <- err:
			default:
			}
			return
		}
		select {
		case s.msgCh <- m:
		case <-s.done:
			return
		}
	}
}

func (s *cdpSession) close() {
	close(s.done)
}

// call sends one command and waits for its response, folding any events
// that arrive in between into the session state.
func (s *cdpSession) call(ctx context.Context, sessionID, method string, params, result any) error {
	s.nextID++
	id := s.nextID
	if err := s.conn.WriteJSON(cdpCommand{ID: id, SessionID: sessionID, Method: method, Params: params}); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", method, ctx.Err())
		case err := <-s.errCh:
			return fmt.Errorf("%s: %w", method, err)
		case m := <-s.msgCh:
			if m.ID != id {
				s.handleEvent(m)
				continue
			}
			if m.Error != nil {
				return fmt.Errorf("%s: %w", method, m.Error)
			}
			if result != nil && len(m.Result) > 0 {
				if err := json.Unmarshal(m.Result, result); err != nil {
					return fmt.Errorf("%s result: %w", method, err)
				}
			}
			return nil
		}
	}
}

// collect drains page events until the load event has settled or ctx runs
// out, returning every distinct hostname the page contacted in first-seen
// order. A stream that dies before the load event is a failed page load.
func (s *cdpSession) collect(ctx context.Context, settle time.Duration) ([]string, error) {
	var settleCh <-chan time.Time
	if s.loadFired {
		settleCh = time.After(settle)
	}
	for {
		select {
		case <-ctx.Done():
			return s.hosts, nil
		case <-settleCh:
			return s.hosts, nil
		case err := <-s.errCh:
			if s.loadFired {
				log.Debug(map[string]any{"error": err.Error()}, "devtools stream ended after load")
				return s.hosts, nil
			}
			return nil, fmt.Errorf("devtools stream: %w", err)
		case m := <-s.msgCh:
			fired := s.loadFired
			s.handleEvent(m)
			if s.loadFired && !fired {
				settleCh = time.After(settle)
			}
		}
	}
}

func (s *cdpSession) handleEvent(m cdpReply) {
	switch m.Method {
	case "Page.loadEventFired":
		if m.SessionID == s.target {
			s.loadFired = true
		}
	case "Network.requestWillBeSent":
		if m.SessionID != s.target {
			return
		}
		var ev struct {
			Request struct {
				URL string `json:"url"`
			} `json:"request"`
		}
		if err := json.Unmarshal(m.Params, &ev); err != nil {
			return
		}
		u, err := url.Parse(ev.Request.URL)
		if err != nil {
			return
		}
		host := u.Hostname()
		if host == "" {
			return
		}
		if _, ok := s.seen[host]; ok {
			return
		}
		s.seen[host] = struct{}{}
		s.hosts = append(s.hosts, host)
	}
}
