package rabbitmq

import (
	"context"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-channel/messaging"
)

// parseAddress splits a send address into exchange and routing key. A bare
// name targets the queue of that name through the default exchange.
func parseAddress(address string) (exchange, routingKey string, err error) {
	if address == "" {
		return "", "", ErrInvalidAddress
	}
	exchange, routingKey, found := strings.Cut(address, "/")
	if !found {
		return "", address, nil
	}
	return exchange, routingKey, nil
}

// sender is a send link: one AMQP channel in confirm mode, published to
// with the mandatory flag so unroutable messages come back as returns.
type sender struct {
	ch         *amqp.Channel
	exchange   string
	routingKey string

	sendable chan struct{}
	outcomes chan messaging.Outcome
	done     chan struct{}

	closeOnce sync.Once
}

func newSender(ch *amqp.Channel, address string) (*sender, error) {
	exchange, routingKey, err := parseAddress(address)
	if err != nil {
		return nil, err
	}

	if err := ch.Confirm(false); err != nil {
		return nil, err
	}

	s := &sender{
		ch:         ch,
		exchange:   exchange,
		routingKey: routingKey,
		sendable:   make(chan struct{}),
		outcomes:   make(chan messaging.Outcome, 1),
		done:       make(chan struct{}),
	}

	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	returns := ch.NotifyReturn(make(chan amqp.Return, 1))
	go translateOutcomes(confirms, returns, s.outcomes, s.done)

	close(s.sendable)
	return s, nil
}

// translateOutcomes turns confirms and returns into outcomes. The broker
// sends basic.return ahead of the ack for the same message, so a return is
// already buffered when its confirm is read.
func translateOutcomes(confirms <-chan amqp.Confirmation, returns <-chan amqp.Return, outcomes chan<- messaging.Outcome, done <-chan struct{}) {
	defer close(outcomes)

	var returned *amqp.Return
	for {
		select {
		case <-done:
			return

		case ret, ok := <-returns:
			if !ok {
				returns = nil
				continue
			}
			returned = &ret

		case confirm, ok := <-confirms:
			if !ok {
				return
			}
			if returned == nil {
				select {
				case ret, ok := <-returns:
					if ok {
						returned = &ret
					}
				default:
				}
			}

			outcome := messaging.Outcome{State: messaging.OutcomeAccepted, Data: confirm.DeliveryTag}
			switch {
			case !confirm.Ack:
				outcome.State = messaging.OutcomeRejected
			case returned != nil:
				outcome = messaging.Outcome{State: messaging.OutcomeReleased, Data: returned.ReplyText}
			}
			returned = nil

			select {
			case outcomes <- outcome:
			case <-done:
				return
			}
		}
	}
}

// Sendable implements messaging.Sender
func (s *sender) Sendable() <-chan struct{} {
	return s.sendable
}

// Send implements messaging.Sender
func (s *sender) Send(ctx context.Context, msg messaging.Outgoing) error {
	select {
	case <-s.done:
		return ErrLinkClosed
	default:
	}

	return s.ch.PublishWithContext(
		ctx,
		s.exchange,
		s.routingKey,
		true,  // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  msg.ContentType,
			MessageId:    msg.ID,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         msg.Body,
		},
	)
}

// Outcomes implements messaging.Sender
func (s *sender) Outcomes() <-chan messaging.Outcome {
	return s.outcomes
}

// Close implements messaging.Sender
func (s *sender) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ch.Close()
	})
	return err
}
