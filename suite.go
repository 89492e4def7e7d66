package votefacility

import (
	"go.dedis.ch/kyber/v3/suites"
)

// Suite is the cryptographic suite shared by the facility and its voters.
// Keys, signatures and envelopes are all built on it.
var Suite = suites.MustFind("Ed25519")
