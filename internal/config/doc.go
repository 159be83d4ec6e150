// Package config loads application configuration from YAML files and
// environment variables.
//
// Environment variables override file values:
//
//	MMATE_TRANSPORT              amqp or nats
//	MMATE_RECONNECT_INTERVAL     wait after each transient failure, e.g. 1s
//	MMATE_RECONNECT_LIMIT        transient failures tolerated per connect
//	MMATE_SETTLE_GRACE           wait after open before the connection is trusted
//	AMQP_LOG_QUEUE_URL           connection string of the log queue
//	AMQP_FUNCTION_QUEUE_URL      connection string of the function queue
//	AMQP_OUTGOING_QUEUE_URL      connection string of the outgoing queue
//	LOGGER_LEVEL                 error, warn, info, verbose, debug, silly or 0-6
//	LOGGER_FORMAT                json, text or console
//	LOGGER_OUTPUT                stdout, stderr or none
//	LOGGER_FILESYSTEM            true to also append to daily files
//	LOGGER_FILESYSTEM_LOCATION   directory of the daily files
package config
