// Package tlswarn provides a process-wide one-shot warning for outbound
// connections that skip peer hostname verification.
package tlswarn

import (
	"log"
	"sync"
)

var once sync.Once

// LogDisabledVerification emits a single warning (via log.Print) the first
// time a connector dials with hostname verification turned off. Subsequent
// calls are no-ops so that a connector retrying in a loop does not flood
// the log.
func LogDisabledVerification() {
	once.Do(func() {
		log.Print("[TLS] WARNING: peer hostname verification is disabled for one or more connectors. Do NOT use in production.")
	})
}
