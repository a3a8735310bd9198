package externalcmd

import (
	"sync"
)

// Pool tracks every running helper subprocess (audio encoders, the
// microphone capture, speaker players) so that shutdown can wait for
// all of them to terminate.
type Pool struct {
	running sync.WaitGroup
}

// Initialize initializes a Pool.
func (p *Pool) Initialize() {
}

func (p *Pool) add() {
	p.running.Add(1)
}

func (p *Pool) done() {
	p.running.Done()
}

// Close waits until every subprocess has exited.
func (p *Pool) Close() {
	p.running.Wait()
}
