package daemon

import (
	"testing"

	"github.com/meridian-labs/contactd/pkg/conn"
	"github.com/meridian-labs/contactd/pkg/routing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestOnSessionEvictClearsRoutingState(t *testing.T) {
	d := &Daemon{
		connMgr:    conn.NewManager(conn.Config{Logger: zerolog.Nop()}),
		classifier: routing.NewClassifier(zerolog.Nop()),
	}

	// Prime the thread with a delegating turn, so a bare follow-up would
	// route to the data agent on state alone.
	assert.Equal(t, routing.Delegate, d.classifier.Classify("how many calls today?", "t1"))

	d.onSessionEvict("t1")

	// With the state gone the follow-up has nothing to refer to.
	assert.Equal(t, routing.Direct, d.classifier.Classify("break those down", "t1"))
}
