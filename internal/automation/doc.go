// Package automation stores automation rules and the schedules that gate
// them.
//
// A Rule owns four kinds of children, each in its own table:
//
//	LocalAction    property values set on a local function when the rule fires
//	ActionAddress  a device property the rule writes
//	Trigger        an event that starts the rule; it may own one ActionAddress
//	Schedule       a time window in which the rule may fire
//
// Children are written after their owner has an id; writing one earlier
// fails with ErrNotPersisted. Deleting a rule deletes every child, and
// deleting a trigger deletes its address. Rolling the transaction back
// re-attaches the children in memory.
//
// A Schedule describes when its rule may fire:
//
//	single   start time only, fires once
//	daily    start/end window every day
//	weekly   window on the listed days of week (0 = Sunday)
//	monthly  window on the listed days of month (1-31)
//	yearly   window in the listed months (1-12)
//
// Times are stored as "HH:MM" and the calendar lists in the bracketed list
// encoding of the persistence package. An absent time or empty list is the
// empty string. ScheduleDAO validates calendar ranges before every write,
// so a schedule with a day of week of 9 never reaches the table.
//
// # Usage
//
//	store := automation.NewStore()
//	registry, err := store.Register(persistence.NewRegistryBuilder()).Build()
//
//	rule := automation.NewRule("night lights")
//	s := automation.NewSchedule(0, automation.ScheduleWeekly)
//	s.SetDaysOfWeek(ctx, []int{1, 3, 5})
//	rule.AddSchedule(s)
//
//	ctx = svc.Track(ctx)
//	svc.RegisterForInsert(ctx, rule)
//	svc.RegisterForInsert(ctx, s)
//	svc.CommitRegisteredWork(ctx)
//
// A ScheduleDAO from NewScheduleDAO can be registered on its own; its
// schedules then carry only the rule id.
package automation
