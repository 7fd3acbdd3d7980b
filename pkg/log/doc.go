/*
Package log provides structured logging for CoralKM using zerolog: a global
Logger configured once via Init, a component logger per subsystem, an
identity logger per long-lived wallet/gateway/guardian component, and a
message logger scoped to the single inbound message a handler is reacting to.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	engineLog := log.WithComponent("engine")
	engineLog.Info().Str("type", msgType).Msg("dispatched message")

	walletLog := log.WithIdentity(walletIdentity)
	walletLog.Warn().Err(err).Msg("resplit failed")

	msgLog := log.ForMessage(msg)
	msgLog.Debug().Msg("handling guardian share update")

Never log share bytes, DEKs, or backup plaintext — only identifiers and
message types.
*/
package log
