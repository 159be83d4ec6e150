//go:build integration

package nats

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-channel/messaging"
)

func TestJetStreamIntegration(t *testing.T) {
	raw := os.Getenv("NATS_TEST_URL")
	if raw == "" {
		raw = "amqp://localhost:4222"
	}

	suffix := uuid.NewString()[:8]
	stream := "MMATE_TEST_" + suffix
	subject := "mmate.test." + suffix

	transport := NewTransport(WithStream(stream, subject))
	session, err := transport.Dial(context.Background(), parse(t, raw))
	require.NoError(t, err)
	defer session.Close()

	ev := <-session.Events()
	require.Equal(t, messaging.EventConnectionOpen, ev.Kind, "nats not reachable: %v", ev.Err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	receiver, err := session.OpenReceiver(ctx, subject, messaging.ReceiverOptions{CreditWindow: 1, AutoSettle: true})
	require.NoError(t, err)
	defer receiver.Close()

	sender, err := session.OpenSender(ctx, subject)
	require.NoError(t, err)
	defer sender.Close()

	require.NoError(t, sender.Send(ctx, messaging.Outgoing{ID: uuid.NewString(), Body: []byte("hello")}))
	assert.Equal(t, messaging.OutcomeAccepted, (<-sender.Outcomes()).State)

	select {
	case d := <-receiver.Deliveries():
		assert.Equal(t, []byte("hello"), d.Body())
		require.NoError(t, d.Accept())
	case <-ctx.Done():
		t.Fatal("no delivery")
	}

	// closing the link keeps the durable consumer, so accepted messages are not replayed
	require.NoError(t, receiver.Close())
	require.NoError(t, sender.Send(ctx, messaging.Outgoing{ID: uuid.NewString(), Body: []byte("second")}))
	assert.Equal(t, messaging.OutcomeAccepted, (<-sender.Outcomes()).State)

	reopened, err := session.OpenReceiver(ctx, subject, messaging.ReceiverOptions{CreditWindow: 1, AutoSettle: true})
	require.NoError(t, err)
	defer reopened.Close()

	select {
	case d := <-reopened.Deliveries():
		assert.Equal(t, []byte("second"), d.Body())
		require.NoError(t, d.Accept())
	case <-ctx.Done():
		t.Fatal("no delivery after reopening")
	}

	missing, err := session.OpenSender(ctx, "mmate.nobody."+suffix)
	require.NoError(t, err)
	require.NoError(t, missing.Send(ctx, messaging.Outgoing{ID: uuid.NewString(), Body: []byte("lost")}))
	assert.Equal(t, messaging.OutcomeReleased, (<-missing.Outcomes()).State)
}
