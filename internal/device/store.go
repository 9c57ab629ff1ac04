package device

import (
	"github.com/nerrad567/gray-logic-persistence/internal/persistence"
)

// Store bundles the device handlers, which refer to each other for
// cascades and back references.
type Store struct {
	Devices    *DeviceDAO
	Functions  *FunctionDAO
	Properties *PropertyDAO
	Groups     *GroupDAO
	Records    *TroubleRecordDAO
}

// NewStore creates the device handlers with empty caches.
func NewStore() *Store {
	s := &Store{
		Devices:    &DeviceDAO{cache: persistence.NewIdentityMap[*Device]()},
		Functions:  &FunctionDAO{cache: persistence.NewIdentityMap[*Function]()},
		Properties: &PropertyDAO{cache: persistence.NewIdentityMap[*Property]()},
		Groups:     &GroupDAO{cache: persistence.NewIdentityMap[*Group]()},
		Records:    &TroubleRecordDAO{cache: persistence.NewIdentityMap[*TroubleRecord]()},
	}
	s.Devices.functions = s.Functions
	s.Devices.groups = s.Groups
	s.Functions.devices = s.Devices
	s.Functions.properties = s.Properties
	s.Properties.functions = s.Functions
	s.Groups.devices = s.Devices
	s.Groups.records = s.Records
	return s
}

// Register routes every device kind to the device handler, and the
// function, property, group and trouble record kinds to theirs.
func (s *Store) Register(b *persistence.RegistryBuilder) *persistence.RegistryBuilder {
	return b.
		Register(persistence.Bind[*Device](s.Devices), deviceKinds...).
		Register(persistence.Bind[*Function](s.Functions), KindFunction).
		Register(persistence.Bind[*Property](s.Properties), KindProperty).
		Register(persistence.Bind[*Group](s.Groups), KindGroup).
		Register(persistence.Bind[*TroubleRecord](s.Records), KindTroubleRecord)
}
