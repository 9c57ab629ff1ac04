package automation

import (
	"github.com/nerrad567/gray-logic-persistence/internal/persistence"
)

// Store bundles the rule handlers, which refer to each other for cascades
// and back references.
type Store struct {
	Rules        *RuleDAO
	LocalActions *LocalActionDAO
	Addresses    *ActionAddressDAO
	Triggers     *TriggerDAO
	Schedules    *ScheduleDAO
}

// NewStore creates the rule handlers with empty caches.
func NewStore() *Store {
	s := &Store{
		Rules:        &RuleDAO{cache: persistence.NewIdentityMap[*Rule]()},
		LocalActions: &LocalActionDAO{cache: persistence.NewIdentityMap[*LocalAction]()},
		Addresses:    &ActionAddressDAO{cache: persistence.NewIdentityMap[*ActionAddress]()},
		Triggers:     &TriggerDAO{cache: persistence.NewIdentityMap[*Trigger]()},
		Schedules:    NewScheduleDAO(),
	}
	s.Rules.actions = s.LocalActions
	s.Rules.addresses = s.Addresses
	s.Rules.triggers = s.Triggers
	s.Rules.schedules = s.Schedules
	s.LocalActions.rules = s.Rules
	s.Addresses.rules = s.Rules
	s.Addresses.triggers = s.Triggers
	s.Triggers.rules = s.Rules
	s.Triggers.addresses = s.Addresses
	s.Schedules.rules = s.Rules
	return s
}

// Register routes the rule, local action, address, trigger and schedule
// kinds to their handlers.
func (s *Store) Register(b *persistence.RegistryBuilder) *persistence.RegistryBuilder {
	return b.
		Register(persistence.Bind[*Rule](s.Rules), KindRule).
		Register(persistence.Bind[*LocalAction](s.LocalActions), KindLocalAction).
		Register(persistence.Bind[*ActionAddress](s.Addresses), KindActionAddress).
		Register(persistence.Bind[*Trigger](s.Triggers), KindTrigger).
		Register(persistence.Bind[*Schedule](s.Schedules), KindSchedule)
}
