// Package service composes the run ledger, persistence sink, admission policy
// and message store behind the HTTP handlers.
package service

import (
	"github.com/xiaot623/crmweb/internal/config"
	"github.com/xiaot623/crmweb/internal/ledger"
	"github.com/xiaot623/crmweb/internal/persist"
	"github.com/xiaot623/crmweb/internal/policy"
	"github.com/xiaot623/crmweb/internal/repository"
)

type Service struct {
	store        repository.Store
	runs         *ledger.Ledger
	sink         *persist.Sink
	config       *config.Config
	policyEngine *policy.Engine
}

// New creates a Service. policyEngine may be nil to admit every run.
func New(store repository.Store, runs *ledger.Ledger, sink *persist.Sink, cfg *config.Config, policyEngine *policy.Engine) *Service {
	return &Service{
		store:        store,
		runs:         runs,
		sink:         sink,
		config:       cfg,
		policyEngine: policyEngine,
	}
}
