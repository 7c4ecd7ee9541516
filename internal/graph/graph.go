// Package graph runs the relational analytics that single-row triggers
// cannot see: circular money flows, beneficial-ownership chains, Benford
// digit deviation, structuring bursts, and the asset-temporal nexus that
// ties suspect spending to asset purchases. Findings are persisted as
// insights and published on the bus; the package never mutates ledger rows.
package graph

import (
	"log"

	"github.com/zenith/forensics/internal/config"
	"github.com/zenith/forensics/internal/events"
	"github.com/zenith/forensics/internal/store"
)

// Service holds the analytics collaborators. All methods are safe for
// concurrent use; state lives in the store.
type Service struct {
	store  store.Store
	bus    *events.Bus
	cfg    config.GraphConfig
	logger *log.Logger
}

// NewService wires the analytics service.
func NewService(s store.Store, bus *events.Bus, cfg config.GraphConfig) *Service {
	return &Service{
		store:  s,
		bus:    bus,
		cfg:    cfg,
		logger: log.New(log.Writer(), "[Graph] ", log.LstdFlags),
	}
}
