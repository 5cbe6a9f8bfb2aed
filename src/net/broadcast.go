package net

import (
	"golang.org/x/sync/errgroup"
)

// Broadcast fans send out to every target with bounded concurrency and
// returns the first error. Consensus broadcasts are best-effort: callers log
// the error and move on, because a quorum of deliveries is what matters, not
// all of them. A limit below 1 removes the bound.
func Broadcast(targets []string, limit int, send func(target string) error) error {
	g := errgroup.Group{}

	if limit < 1 {
		limit = -1
	}
	g.SetLimit(limit)

	for _, target := range targets {
		target := target
		g.Go(func() error {
			return send(target)
		})
	}

	return g.Wait()
}
