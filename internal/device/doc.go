// Package device maps the intrusion installation to the store: devices,
// their functions and properties, and the alarm groups they are armed in.
//
// # Model
//
//	Group ──members──▶ Device ──children──▶ Device
//	  │                  │
//	  │                  └──▶ Function ──▶ Property
//	  └──▶ TroubleRecord (one per member device)
//
// Every device kind (PIR, magnetic contact, smoke, CO, flood, siren, keypad,
// control panel, panel bell) is a *Device told apart by Kind and stored in
// one table; DeviceDAO handles all of them.
//
// # Tables
//
//   - devices: one row per device, kind is the discriminator
//   - device_children: parent/child device links
//   - device_functions: functions, keyed to their device
//   - device_properties: properties, keyed to their function
//   - device_groups, group_devices: groups and their members
//   - device_trouble_records, group_trouble_records: per-member trouble
//     report state and the group that owns it
//
// Textual columns use the persistence encodings: command_classes and
// value_array are positional arrays, enums_list is a list and
// properties_map and the trouble record flags are maps.
//
// # Cascades
//
// Deleting a device deletes its functions, which delete their properties,
// and removes its child links and group memberships. Deleting a group
// removes its memberships and deletes its trouble records, never the
// member devices. Updating a group deletes the records it no longer holds.
//
// # Usage
//
//	store := device.NewStore()
//	registry, err := store.Register(persistence.NewRegistryBuilder()).Build()
//
//	ctx = svc.Track(ctx)
//	pir, _ := device.NewDevice(device.KindPIR, "hall pir")
//	svc.RegisterForInsert(ctx, pir)
//	svc.CommitRegisteredWork(ctx)
package device
