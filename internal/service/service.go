package service

import (
	"github.com/kestrelworks/foreman/internal/contextdist"
	"github.com/kestrelworks/foreman/internal/store"
)

// Service carries the ledger-facing operations behind the HTTP surface.
// Scheduling itself lives in internal/scheduler; everything here is a
// direct read or durable write.
type Service struct {
	store store.Store
	dist  *contextdist.Distributor
}

func New(st store.Store, dist *contextdist.Distributor) *Service {
	return &Service{store: st, dist: dist}
}
