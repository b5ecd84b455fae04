package agent

import (
	"sync"

	"github.com/harun/agentd/pkg/session"
	"github.com/harun/agentd/pkg/stream"
)

// aggregator settles one execution exactly once. Whichever of resolve or
// reject runs first wins.
type aggregator struct {
	once   sync.Once
	result session.Result
	err    error
}

func (a *aggregator) resolve(res stream.TerminalResult) bool {
	applied := false
	a.once.Do(func() {
		a.result = toResult(res)
		applied = true
	})
	return applied
}

func (a *aggregator) reject(err error) bool {
	applied := false
	a.once.Do(func() {
		a.err = err
		applied = true
	})
	return applied
}

// outcome returns the settled outcome. An unsettled aggregator reports
// ErrNoResult.
func (a *aggregator) outcome() (session.Result, error) {
	a.once.Do(func() {
		a.err = ErrNoResult
	})
	return a.result, a.err
}

func toResult(res stream.TerminalResult) session.Result {
	return session.Result{
		Text:         res.Text,
		SessionToken: res.ResumeToken,
		CostUSD:      res.CostUSD,
		DurationMs:   res.DurationMs,
		IsError:      res.IsError,
		Subtype:      res.Subtype,
		NumTurns:     res.NumTurns,
	}
}
