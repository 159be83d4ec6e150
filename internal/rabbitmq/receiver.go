package rabbitmq

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-channel/messaging"
)

// receiver is a receive link: one AMQP channel consuming a single queue
// with prefetch set to the credit window.
type receiver struct {
	ch          *amqp.Channel
	queue       string
	consumerTag string
	logger      *slog.Logger

	opened     chan struct{}
	deliveries chan messaging.Delivery
	done       chan struct{}

	closeOnce sync.Once
}

func newReceiver(ch *amqp.Channel, queue string, options messaging.ReceiverOptions, logger *slog.Logger) (*receiver, error) {
	if queue == "" {
		return nil, &ConsumerError{Op: "subscribe", Err: ErrInvalidAddress, Timestamp: time.Now()}
	}

	tag := "mmate-" + uuid.NewString()

	if options.CreditWindow > 0 {
		if err := ch.Qos(options.CreditWindow, 0, false); err != nil {
			return nil, &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "qos", Err: err, Timestamp: time.Now()}
		}
	}

	// without auto settlement the broker treats deliveries as settled on send
	noAck := !options.AutoSettle

	msgs, err := ch.Consume(
		queue,
		tag,
		noAck,
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	r := &receiver{
		ch:          ch,
		queue:       queue,
		consumerTag: tag,
		logger:      logger.With("queue", queue, "consumerTag", tag),
		opened:      make(chan struct{}),
		deliveries:  make(chan messaging.Delivery),
		done:        make(chan struct{}),
	}

	// basic.consume-ok already arrived
	close(r.opened)
	go r.forward(msgs, noAck)

	r.logger.Debug("consuming", "prefetchCount", options.CreditWindow)
	return r, nil
}

func (r *receiver) forward(msgs <-chan amqp.Delivery, noAck bool) {
	defer close(r.deliveries)

	for {
		select {
		case <-r.done:
			return
		case d, ok := <-msgs:
			if !ok {
				r.logger.Debug("delivery channel closed")
				return
			}
			var out messaging.Delivery = &delivery{raw: d}
			if noAck {
				out = settledDelivery{body: d.Body}
			}
			select {
			case r.deliveries <- out:
			case <-r.done:
				return
			}
		}
	}
}

// Opened implements messaging.Receiver
func (r *receiver) Opened() <-chan struct{} {
	return r.opened
}

// Deliveries implements messaging.Receiver
func (r *receiver) Deliveries() <-chan messaging.Delivery {
	return r.deliveries
}

// Close implements messaging.Receiver. Unsettled deliveries return to the
// queue when the channel closes.
func (r *receiver) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		if cancelErr := r.ch.Cancel(r.consumerTag, false); cancelErr != nil {
			r.logger.Debug("failed to cancel consumer", "error", cancelErr)
		}
		err = r.ch.Close()
	})
	return err
}

// delivery settles one message with basic.ack or basic.nack.
type delivery struct {
	raw amqp.Delivery
}

func (d *delivery) Body() []byte {
	return d.raw.Body
}

func (d *delivery) Accept() error {
	return d.raw.Ack(false)
}

// Release requeues the message so the broker can deliver it again.
func (d *delivery) Release() error {
	return d.raw.Nack(false, true)
}

// settledDelivery was settled by the broker on send; settling it again is a no-op.
type settledDelivery struct {
	body []byte
}

func (d settledDelivery) Body() []byte  { return d.body }
func (d settledDelivery) Accept() error  { return nil }
func (d settledDelivery) Release() error { return nil }
