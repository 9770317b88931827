package main

import (
	"context"
	"time"

	"github.com/gibme-npm/port-forwarder/internal/session"
)

// stateSource is what the admin endpoints read from a running service.
type stateSource interface {
	Listening() bool
	Connections() int
	List(ctx context.Context) ([]session.Session, error)
}

// Stats represents current service state for the admin API.
type Stats struct {
	Listening   bool   `json:"listening"`
	Connections int    `json:"connections"`
	Sessions    int    `json:"sessions"`
	Error       string `json:"error,omitempty"`
	Now         string `json:"now"`
}

func collectStats(ctx context.Context, s stateSource) Stats {
	st := Stats{Listening: s.Listening(), Connections: s.Connections(), Now: time.Now().UTC().Format(time.RFC3339)}
	sessions, err := s.List(ctx)
	if err != nil {
		st.Error = err.Error()
	}
	st.Sessions = len(sessions)
	return st
}
