package daemon

import (
	"context"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/companion/internal/protocol"
	"github.com/eliteGoblin/focusd/companion/internal/usecase"
)

// MessageHandler consumes decoded messages. Calls are never concurrent.
type MessageHandler interface {
	Handle(msg protocol.Message) usecase.Result
}

// replier is the connection a message arrived on.
type replier interface {
	Send(msg protocol.Message) error
	ID() string
}

// broadcaster pushes a message to every connected peer.
type broadcaster interface {
	Broadcast(msg protocol.Message)
}

type inbound struct {
	from replier
	msg  protocol.Message
}

// Dispatcher funnels messages from every connection into one goroutine,
// so the handler sees them one at a time in arrival order.
type Dispatcher struct {
	handler MessageHandler
	queue   chan inbound
	logger  *zap.Logger
}

// NewDispatcher creates a dispatcher with a bounded queue.
func NewDispatcher(handler MessageHandler, queueSize int, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		handler: handler,
		queue:   make(chan inbound, queueSize),
		logger:  logger,
	}
}

// Submit queues msg. It blocks while the queue is full and returns false
// once ctx is done.
func (d *Dispatcher) Submit(ctx context.Context, from replier, msg protocol.Message) bool {
	select {
	case d.queue <- inbound{from: from, msg: msg}:
		return true
	case <-ctx.Done():
		return false
	}
}

// Run handles queued messages until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, out broadcaster) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-d.queue:
			d.dispatch(in, out)
		}
	}
}

func (d *Dispatcher) dispatch(in inbound, out broadcaster) {
	res := d.handler.Handle(in.msg)

	if res.Reply != nil {
		if err := in.from.Send(res.Reply); err != nil {
			d.logger.Debug("failed to send reply",
				zap.String("conn", in.from.ID()),
				zap.String("type", string(res.Reply.MessageType())),
				zap.Error(err))
		}
	}
	for _, msg := range res.Broadcast {
		out.Broadcast(msg)
	}
}
