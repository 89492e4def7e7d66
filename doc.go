/*
Package votefacility holds what is shared by every part of the remote voting
facility: the cryptographic suite and the error wrapper.

The facility authenticates remote voters over TCP, lets each registered voter
cast exactly one vote and keeps a durable tally per candidate. The pieces are:

	keystore  key pairs of the principals and the directory of voter keys
	envelope  sealed payloads and identity signatures
	registry  the voter roll and the append-only history log
	ledger    the per-candidate tally
	network   framed connections, the wire messages and the listener
	facility  the server: identity verification, sessions, vote transaction
	voter     the client counterpart

The binaries are facility/vf (the server) and voter/votercli (the client).
*/
package votefacility
