package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/glimte/mmate-channel/messaging"
)

type sender struct {
	js       natsgo.JetStreamContext
	subject  string
	sendable chan struct{}
	outcomes chan messaging.Outcome

	mu     sync.Mutex
	closed bool
}

func newSender(js natsgo.JetStreamContext, subject string) *sender {
	s := &sender{
		js:       js,
		subject:  subject,
		sendable: make(chan struct{}),
		outcomes: make(chan messaging.Outcome, 1),
	}
	close(s.sendable)
	return s
}

func (s *sender) Sendable() <-chan struct{} {
	return s.sendable
}

// Send publishes synchronously and queues the resulting outcome. Transport
// failures are returned instead.
func (s *sender) Send(ctx context.Context, msg messaging.Outgoing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("nats: send link is closed")
	}

	out := natsgo.NewMsg(s.subject)
	out.Data = msg.Body
	out.Header.Set(natsgo.MsgIdHdr, msg.ID)
	if msg.ContentType != "" {
		out.Header.Set("Content-Type", msg.ContentType)
	}

	ack, err := s.js.PublishMsg(out, natsgo.Context(ctx))
	outcome, err := publishOutcome(ack, err)
	if err != nil {
		return err
	}
	s.outcomes <- outcome
	return nil
}

// publishOutcome maps a JetStream publish result to a broker outcome.
func publishOutcome(ack *natsgo.PubAck, err error) (messaging.Outcome, error) {
	switch {
	case err == nil:
		return messaging.Outcome{State: messaging.OutcomeAccepted, Data: ack}, nil
	case errors.Is(err, natsgo.ErrNoResponders), errors.Is(err, natsgo.ErrNoStreamResponse):
		// no stream captures the subject
		return messaging.Outcome{State: messaging.OutcomeReleased, Data: err.Error()}, nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, natsgo.ErrConnectionClosed), errors.Is(err, natsgo.ErrTimeout):
		return messaging.Outcome{}, err
	default:
		return messaging.Outcome{State: messaging.OutcomeRejected, Data: err.Error()}, nil
	}
}

func (s *sender) Outcomes() <-chan messaging.Outcome {
	return s.outcomes
}

func (s *sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// durableName derives a consumer name from a subject. Consumer names may
// not contain dots or wildcards.
func durableName(subject string) string {
	r := strings.NewReplacer(".", "_", "*", "any", ">", "all", " ", "_")
	return "mmate_" + r.Replace(subject)
}

// consumerConfig describes the durable pull consumer backing a receive link.
func consumerConfig(subject string, window int) *natsgo.ConsumerConfig {
	return &natsgo.ConsumerConfig{
		Durable:       durableName(subject),
		FilterSubject: subject,
		DeliverPolicy: natsgo.DeliverAllPolicy,
		AckPolicy:     natsgo.AckExplicitPolicy,
		MaxAckPending: window,
	}
}

// ensureConsumer creates the consumer unless it already exists. Receivers
// bind to it, so closing a link leaves the consumer and its position in
// place.
func ensureConsumer(js natsgo.JetStreamManager, stream string, cfg *natsgo.ConsumerConfig) error {
	_, err := js.ConsumerInfo(stream, cfg.Durable)
	if err == nil {
		return nil
	}
	if !errors.Is(err, natsgo.ErrConsumerNotFound) {
		return err
	}
	_, err = js.AddConsumer(stream, cfg)
	return err
}

type receiver struct {
	sub       *natsgo.Subscription
	subject   string
	fetchWait time.Duration
	presettle bool
	logger    *slog.Logger

	opened     chan struct{}
	deliveries chan messaging.Delivery
	done       chan struct{}
	closeOnce  sync.Once
}

func newReceiver(js natsgo.JetStreamContext, subject string, options messaging.ReceiverOptions, fetchWait time.Duration, logger *slog.Logger) (*receiver, error) {
	window := options.CreditWindow
	if window < 1 {
		window = 1
	}

	stream, err := js.StreamNameBySubject(subject)
	if err != nil {
		return nil, fmt.Errorf("nats stream for %s: %w", subject, err)
	}
	consumer := consumerConfig(subject, window)
	if err := ensureConsumer(js, stream, consumer); err != nil {
		return nil, fmt.Errorf("nats consumer %s on %s: %w", consumer.Durable, stream, err)
	}

	durable := consumer.Durable
	sub, err := js.PullSubscribe(subject, durable, natsgo.Bind(stream, durable), natsgo.ManualAck())
	if err != nil {
		return nil, err
	}

	r := &receiver{
		sub:        sub,
		subject:    subject,
		fetchWait:  fetchWait,
		presettle:  !options.AutoSettle,
		logger:     logger.With("subject", subject, "durable", durable),
		opened:     make(chan struct{}),
		deliveries: make(chan messaging.Delivery),
		done:       make(chan struct{}),
	}

	// the consumer exists once PullSubscribe returns
	close(r.opened)
	go r.fetch()

	return r, nil
}

func (r *receiver) fetch() {
	defer close(r.deliveries)

	for {
		select {
		case <-r.done:
			return
		default:
		}

		msgs, err := r.sub.Fetch(1, natsgo.MaxWait(r.fetchWait))
		if err != nil {
			if errors.Is(err, natsgo.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			r.logger.Debug("fetch stopped", "error", err)
			return
		}

		for _, msg := range msgs {
			var d messaging.Delivery = &delivery{msg: msg}
			if r.presettle {
				if err := msg.Ack(); err != nil {
					r.logger.Warn("failed to settle message", "error", err)
				}
				d = settledDelivery{body: msg.Data}
			}
			select {
			case r.deliveries <- d:
			case <-r.done:
				return
			}
		}
	}
}

func (r *receiver) Opened() <-chan struct{} {
	return r.opened
}

func (r *receiver) Deliveries() <-chan messaging.Delivery {
	return r.deliveries
}

func (r *receiver) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.sub.Unsubscribe()
	})
	return err
}

type delivery struct {
	msg *natsgo.Msg
}

func (d *delivery) Body() []byte {
	return d.msg.Data
}

func (d *delivery) Accept() error {
	return d.msg.Ack()
}

// Release naks the message so the server redelivers it.
func (d *delivery) Release() error {
	return d.msg.Nak()
}

type settledDelivery struct {
	body []byte
}

func (d settledDelivery) Body() []byte  { return d.body }
func (d settledDelivery) Accept() error  { return nil }
func (d settledDelivery) Release() error { return nil }
