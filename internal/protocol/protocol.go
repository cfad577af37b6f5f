// Package protocol layers structured agent-to-agent conversations on top of
// the message bus: direct request/reply correlated by ID, and multi-party
// negotiation with PROPOSE/ACCEPT/REJECT/INFORM performatives.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flitsinc/agentrt/internal/bus"
	"github.com/flitsinc/agentrt/internal/idgen"
)

// Performative labels the communicative intent of a negotiation message.
type Performative string

const (
	Propose Performative = "propose"
	Accept  Performative = "accept"
	Reject  Performative = "reject"
	Inform  Performative = "inform"
)

// ErrTimeout is returned when no reply arrived before the request deadline.
// A request resolves exactly once: a reply that loses the race against the
// deadline is discarded.
var ErrTimeout = errors.New("request timed out")

// InboxChannel is where an agent receives requests and proposals.
func InboxChannel(agentID string) string {
	return "agent:" + agentID + ":inbox"
}

// ReplyChannel derives the reply channel for a correlation ID. Both sides
// compute it independently, so no channel name ever travels out of band.
func ReplyChannel(correlationID string) string {
	return "reply:" + correlationID
}

// Message is one protocol envelope, carried as a bus payload.
type Message struct {
	Sender        string
	Target        string
	Operation     string
	Performative  Performative
	CorrelationID string
	ReplyChannel  string
	Deadline      time.Time
	Payload       map[string]any
	Error         string
}

func (m Message) encode() map[string]any {
	p := map[string]any{
		"sender":         m.Sender,
		"target":         m.Target,
		"correlation_id": m.CorrelationID,
	}
	if m.Operation != "" {
		p["operation"] = m.Operation
	}
	if m.Performative != "" {
		p["performative"] = string(m.Performative)
	}
	if m.ReplyChannel != "" {
		p["reply_channel"] = m.ReplyChannel
	}
	if !m.Deadline.IsZero() {
		p["deadline"] = m.Deadline.Format(time.RFC3339Nano)
	}
	if m.Payload != nil {
		p["payload"] = m.Payload
	}
	if m.Error != "" {
		p["error"] = m.Error
	}
	return p
}

func decode(p map[string]any) Message {
	m := Message{
		Sender:        stringField(p, "sender"),
		Target:        stringField(p, "target"),
		Operation:     stringField(p, "operation"),
		Performative:  Performative(stringField(p, "performative")),
		CorrelationID: stringField(p, "correlation_id"),
		ReplyChannel:  stringField(p, "reply_channel"),
		Error:         stringField(p, "error"),
	}
	if inner, ok := p["payload"].(map[string]any); ok {
		m.Payload = inner
	}
	if raw := stringField(p, "deadline"); raw != "" {
		m.Deadline, _ = time.Parse(time.RFC3339Nano, raw)
	}
	return m
}

func stringField(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

// Client sends and answers protocol messages on behalf of one named
// participant.
type Client struct {
	bus    *bus.Bus
	name   string
	logger *slog.Logger
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewClient(msgBus *bus.Bus, name string, opts ...Option) *Client {
	c := &Client{bus: msgBus, name: name, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

type outcome struct {
	payload map[string]any
	err     error
}

// Request publishes a request to the target's inbox and waits for the
// correlated reply. It resolves exactly once: with the reply payload, the
// responder's error, ErrTimeout when the deadline lapses first, or the
// context error. A reply arriving after resolution is ignored.
func (c *Client) Request(ctx context.Context, target, operation string, payload map[string]any, timeout time.Duration) (map[string]any, error) {
	correlationID := idgen.New()
	replyChannel := ReplyChannel(correlationID)

	resultC := make(chan outcome, 1)
	var once sync.Once
	resolve := func(o outcome) {
		once.Do(func() { resultC <- o })
	}

	sub, err := c.bus.Subscribe(replyChannel, func(msg bus.Message) {
		reply := decode(msg.Payload)
		if reply.Error != "" {
			resolve(outcome{err: fmt.Errorf("%s: %s", target, reply.Error)})
			return
		}
		resolve(outcome{payload: reply.Payload})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe reply channel: %w", err)
	}
	defer c.bus.Unsubscribe(sub)

	req := Message{
		Sender:        c.name,
		Target:        target,
		Operation:     operation,
		CorrelationID: correlationID,
		ReplyChannel:  replyChannel,
		Deadline:      time.Now().UTC().Add(timeout),
		Payload:       payload,
	}
	if _, err := c.bus.Publish(ctx, InboxChannel(target), req.encode()); err != nil {
		return nil, fmt.Errorf("publish request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case o := <-resultC:
		return o.payload, o.err
	case <-timer.C:
		// Race the deadline against a reply already in flight; whichever
		// resolved first wins.
		resolve(outcome{err: ErrTimeout})
		o := <-resultC
		return o.payload, o.err
	case <-ctx.Done():
		resolve(outcome{err: ctx.Err()})
		o := <-resultC
		return o.payload, o.err
	}
}

// HandlerFunc produces the reply payload for one inbound request.
type HandlerFunc func(Message) (map[string]any, error)

// Respond subscribes the named agent's inbox and answers each request with
// fn's result on the request's reply channel. Unsubscribe the returned
// subscription to stop responding.
func (c *Client) Respond(agentID string, fn HandlerFunc) (*bus.Subscription, error) {
	return c.bus.Subscribe(InboxChannel(agentID), func(msg bus.Message) {
		req := decode(msg.Payload)
		if req.ReplyChannel == "" || req.Performative == Propose {
			return
		}
		reply := Message{
			Sender:        agentID,
			Target:        req.Sender,
			Operation:     req.Operation,
			CorrelationID: req.CorrelationID,
			Performative:  Inform,
		}
		result, err := fn(req)
		if err != nil {
			reply.Error = err.Error()
			reply.Performative = ""
		} else {
			reply.Payload = result
		}
		c.reply(req.ReplyChannel, reply)
	})
}

// Decision is a participant's verdict on a proposal.
type Decision struct {
	Performative Performative // Accept, Reject, or Inform
	Payload      map[string]any
}

// DeciderFunc judges one inbound proposal.
type DeciderFunc func(Message) Decision

// OnProposal subscribes the named agent's inbox and answers PROPOSE messages
// with fn's decision.
func (c *Client) OnProposal(agentID string, fn DeciderFunc) (*bus.Subscription, error) {
	return c.bus.Subscribe(InboxChannel(agentID), func(msg bus.Message) {
		prop := decode(msg.Payload)
		if prop.Performative != Propose || prop.ReplyChannel == "" {
			return
		}
		decision := fn(prop)
		if decision.Performative == "" {
			decision.Performative = Reject
		}
		c.reply(prop.ReplyChannel, Message{
			Sender:        agentID,
			Target:        prop.Sender,
			Operation:     prop.Operation,
			CorrelationID: prop.CorrelationID,
			Performative:  decision.Performative,
			Payload:       decision.Payload,
		})
	})
}

// BarrierResult is the outcome of a proposal round.
type BarrierResult struct {
	Responses map[string]Message // keyed by responder
	Missing   []string           // participants that never answered
}

// Propose sends a PROPOSE with a shared correlation ID to every participant
// and waits until all have answered or the deadline lapses. A lapsed
// deadline is not an error: the caller proceeds with whatever arrived, and
// the silent participants are listed in Missing.
func (c *Client) Propose(ctx context.Context, participants []string, operation string, payload map[string]any, deadline time.Duration) (BarrierResult, error) {
	if len(participants) == 0 {
		return BarrierResult{Responses: map[string]Message{}}, nil
	}

	correlationID := idgen.New()
	replyChannel := ReplyChannel(correlationID)

	expected := make(map[string]bool, len(participants))
	for _, p := range participants {
		expected[p] = true
	}

	var mu sync.Mutex
	responses := make(map[string]Message, len(participants))
	done := make(chan struct{})
	var closeOnce sync.Once

	sub, err := c.bus.Subscribe(replyChannel, func(msg bus.Message) {
		resp := decode(msg.Payload)
		mu.Lock()
		if !expected[resp.Sender] {
			mu.Unlock()
			return
		}
		if _, dup := responses[resp.Sender]; dup {
			mu.Unlock()
			return
		}
		responses[resp.Sender] = resp
		complete := len(responses) == len(expected)
		mu.Unlock()
		if complete {
			closeOnce.Do(func() { close(done) })
		}
	})
	if err != nil {
		return BarrierResult{}, fmt.Errorf("subscribe reply channel: %w", err)
	}
	defer c.bus.Unsubscribe(sub)

	expiry := time.Now().UTC().Add(deadline)
	for _, participant := range participants {
		prop := Message{
			Sender:        c.name,
			Target:        participant,
			Operation:     operation,
			Performative:  Propose,
			CorrelationID: correlationID,
			ReplyChannel:  replyChannel,
			Deadline:      expiry,
			Payload:       payload,
		}
		if _, err := c.bus.Publish(ctx, InboxChannel(participant), prop.encode()); err != nil {
			return BarrierResult{}, fmt.Errorf("publish proposal to %s: %w", participant, err)
		}
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	case <-ctx.Done():
		return BarrierResult{}, ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()
	result := BarrierResult{Responses: make(map[string]Message, len(responses))}
	for sender, resp := range responses {
		result.Responses[sender] = resp
	}
	for _, participant := range participants {
		if _, ok := responses[participant]; !ok {
			result.Missing = append(result.Missing, participant)
		}
	}
	return result, nil
}

func (c *Client) reply(channel string, msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.bus.Publish(ctx, channel, msg.encode()); err != nil {
		c.logger.Warn("publish reply failed", "channel", channel, "error", err)
	}
}
