package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"fleethub/internal/fanout"
)

// clientMessage is the optional filter control message a client may send:
// subscribe replaces the filter, unsubscribe clears it.
type clientMessage struct {
	Action   string   `json:"action"`
	RobotIDs []string `json:"robot_ids"`
	Kinds    []string `json:"kinds"`
}

type filterAck struct {
	MsgType string        `json:"msg_type"`
	Filter  fanout.Filter `json:"filter"`
	Error   string        `json:"error,omitempty"`
}

// handleWebSocket streams events to one observer. The filter may be set at
// connect time with repeated robot_id and kind query parameters.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r.URL.Query())
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.config.AllowedOrigins,
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn.SetReadLimit(64 << 10)

	sub := s.deps.Events.Subscribe(fanout.SubscribeOptions{Filter: filter})
	defer s.deps.Events.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go s.readClient(ctx, cancel, conn, sub)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "bye")
			return

		case <-sub.Done():
			if errors.Is(sub.Err(), fanout.ErrSlowConsumer) {
				conn.Close(websocket.StatusPolicyViolation, "backpressure")
			} else {
				conn.Close(websocket.StatusGoingAway, "hub shutting down")
			}
			return

		case data := <-sub.Events():
			writeCtx, done := context.WithTimeout(ctx, s.config.WriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			done()
			if err != nil {
				s.logger.Debug().
					Err(err).
					Str("subscriber_id", sub.ID()).
					Msg("WebSocket write failed")
				return
			}
		}
	}
}

// readClient applies filter messages until the connection ends
func (s *Server) readClient(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sub *fanout.Subscriber) {
	defer cancel()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// malformed input leaves the stream intact
			if err := wsjson.Write(ctx, conn, filterAck{MsgType: "error", Filter: sub.Filter(), Error: "invalid message"}); err != nil {
				return
			}
			continue
		}

		ack := filterAck{MsgType: "subscribed"}
		switch msg.Action {
		case "subscribe":
			filter, err := buildFilter(msg.RobotIDs, msg.Kinds)
			if err != nil {
				ack = filterAck{MsgType: "error", Error: err.Error()}
				break
			}
			sub.SetFilter(filter)
		case "unsubscribe":
			sub.SetFilter(fanout.Filter{})
			ack.MsgType = "unsubscribed"
		default:
			ack = filterAck{MsgType: "error", Error: fmt.Sprintf("unknown action %q", msg.Action)}
		}
		ack.Filter = sub.Filter()

		if err := wsjson.Write(ctx, conn, ack); err != nil {
			return
		}
	}
}

func filterFromQuery(q url.Values) (fanout.Filter, error) {
	return buildFilter(splitValues(q["robot_id"]), splitValues(q["kind"]))
}

func buildFilter(robotIDs, kinds []string) (fanout.Filter, error) {
	filter := fanout.Filter{RobotIDs: robotIDs}
	for _, k := range kinds {
		kind, ok := fanout.ParseKind(k)
		if !ok {
			return fanout.Filter{}, fmt.Errorf("unknown event kind %q", k)
		}
		filter.Kinds = append(filter.Kinds, kind)
	}
	return filter, nil
}

// splitValues accepts both ?kind=a&kind=b and ?kind=a,b
func splitValues(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
