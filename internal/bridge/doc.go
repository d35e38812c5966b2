// Package bridge connects a chat channel to the generation engine.
//
// A Bridge listens on one channel, picks out messages that address the bot
// by nick, and answers each with the engine's reply, prefixed with the
// asker's nick. Requests run one at a time through a bounded queue by
// default; ModeConcurrent answers them in parallel instead. Generation
// failures produce a single apology line; failures to send are logged and
// dropped.
package bridge
