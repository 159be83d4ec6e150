// Package rabbitmq implements the messaging transport contract over AMQP 0-9-1.
//
// This package includes:
//   - Session: one broker connection; dial results and closes become lifecycle events
//   - sender: a confirm-mode channel per publish; ack, nack and basic.return map to outcomes
//   - receiver: a consuming channel whose prefetch is the credit window
//   - QueueDeclaration: optional queue declaration ahead of consuming
//
// Send addresses are "exchange/routing-key", or a bare queue name routed
// through the default exchange. Receive addresses name a queue.
package rabbitmq
