package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// gatewayTimeout bounds one delivery round-trip to a gateway process.
const gatewayTimeout = 10 * time.Second

// deliverRequest is sent to the gateway on a send or edit.
type deliverRequest struct {
	UserRef   string          `json:"user_ref"`
	MessageID string          `json:"message_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// deliverReply is the gateway's acknowledgement.
type deliverReply struct {
	OK        bool   `json:"ok"`
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

// NATSAdapter speaks to a platform gateway process over NATS request/reply.
// One gateway per platform subscribes on peerpulse.gateway.<name>.send and
// .edit, owning the platform API credentials and formatting; the core only
// hands over structured payloads.
type NATSAdapter struct {
	name string
	conn *nats.Conn
}

// NewNATSAdapter creates an adapter for one platform gateway.
func NewNATSAdapter(name string, conn *nats.Conn) *NATSAdapter {
	return &NATSAdapter{name: name, conn: conn}
}

// Name returns the platform identifier.
func (a *NATSAdapter) Name() string {
	return a.name
}

// Deliver sends a new message through the gateway.
func (a *NATSAdapter) Deliver(ctx context.Context, userRef string, payload json.RawMessage) (MessageRef, error) {
	reply, err := a.request(ctx, "send", deliverRequest{UserRef: userRef, Payload: payload})
	if err != nil {
		return MessageRef{}, err
	}

	return MessageRef{
		Platform: a.name,
		UserRef:  userRef,
		ID:       reply.MessageID,
	}, nil
}

// Edit replaces a previously delivered message through the gateway.
func (a *NATSAdapter) Edit(ctx context.Context, ref MessageRef, payload json.RawMessage) error {
	_, err := a.request(ctx, "edit", deliverRequest{
		UserRef:   ref.UserRef,
		MessageID: ref.ID,
		Payload:   payload,
	})
	return err
}

func (a *NATSAdapter) request(ctx context.Context, op string, req deliverRequest) (deliverReply, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return deliverReply{}, fmt.Errorf("marshal %s request: %w", op, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, gatewayTimeout)
	defer cancel()

	subject := fmt.Sprintf("peerpulse.gateway.%s.%s", a.name, op)
	msg, err := a.conn.RequestWithContext(reqCtx, subject, data)
	if err != nil {
		return deliverReply{}, fmt.Errorf("gateway %s %s: %w", a.name, op, err)
	}

	var reply deliverReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return deliverReply{}, fmt.Errorf("decode gateway reply: %w", err)
	}
	if !reply.OK {
		return deliverReply{}, fmt.Errorf("gateway %s rejected %s: %s", a.name, op, reply.Error)
	}

	return reply, nil
}
