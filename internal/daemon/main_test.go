package daemon

import (
	"os"
	"testing"

	"github.com/harun/agentd/internal/fakeagent"
)

func TestMain(m *testing.M) {
	fakeagent.RunIfRequested()
	os.Exit(m.Run())
}
