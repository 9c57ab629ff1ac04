package automation

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-persistence/internal/persistence"
)

// Entity kinds of the rule aggregate.
const (
	KindRule          persistence.Kind = "automation.rule"
	KindLocalAction   persistence.Kind = "automation.local_action"
	KindActionAddress persistence.Kind = "automation.action_address"
	KindTrigger       persistence.Kind = "automation.trigger"
)

// Rule is an automation rule. It owns the local actions and action
// addresses it drives, the triggers that start it and the schedules that
// gate it.
type Rule struct {
	mu sync.RWMutex

	id                int64
	name              string
	duration          time.Duration
	executionInterval time.Duration
	enabled           bool
	manual            bool
	enabledOnVacation bool

	localActions []*LocalAction
	addresses    []*ActionAddress
	triggers     []*Trigger
	schedules    []*Schedule
}

// NewRule creates an unpersisted, disabled rule.
func NewRule(name string) *Rule {
	return &Rule{name: name}
}

// EntityID implements persistence.Entity.
func (r *Rule) EntityID() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.id
}

// SetEntityID implements persistence.Entity.
func (r *Rule) SetEntityID(id int64) {
	r.mu.Lock()
	r.id = id
	r.mu.Unlock()
}

// EntityKind implements persistence.Entity.
func (r *Rule) EntityKind() persistence.Kind { return KindRule }

// ID returns the rule id, zero until persisted.
func (r *Rule) ID() int64 { return r.EntityID() }

// Name returns the rule name.
func (r *Rule) Name() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.name
}

// Duration returns how long the rule's actions stay applied.
func (r *Rule) Duration() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.duration
}

// ExecutionInterval returns the pause between action addresses.
func (r *Rule) ExecutionInterval() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.executionInterval
}

// Enabled reports whether the rule may fire.
func (r *Rule) Enabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// Manual reports whether the rule can be run by hand.
func (r *Rule) Manual() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.manual
}

// EnabledOnVacation reports whether the rule fires in vacation mode.
func (r *Rule) EnabledOnVacation() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabledOnVacation
}

// LocalActions returns a copy of the rule's local actions.
func (r *Rule) LocalActions() []*LocalAction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.localActions)
}

// Addresses returns a copy of the rule's action addresses.
func (r *Rule) Addresses() []*ActionAddress {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.addresses)
}

// Triggers returns a copy of the rule's triggers.
func (r *Rule) Triggers() []*Trigger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.triggers)
}

// Schedules returns a copy of the rule's schedules.
func (r *Rule) Schedules() []*Schedule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.schedules)
}

// SetName sets the rule name.
func (r *Rule) SetName(ctx context.Context, name string) {
	r.mu.Lock()
	r.name = name
	r.mu.Unlock()
	persistence.MarkDirty(ctx, r)
}

// SetTiming sets the action duration and the interval between action
// addresses. Both are stored with millisecond precision.
func (r *Rule) SetTiming(ctx context.Context, duration, interval time.Duration) {
	r.mu.Lock()
	r.duration = duration.Truncate(time.Millisecond)
	r.executionInterval = interval.Truncate(time.Millisecond)
	r.mu.Unlock()
	persistence.MarkDirty(ctx, r)
}

// SetEnabled enables or disables the rule.
func (r *Rule) SetEnabled(ctx context.Context, enabled bool) {
	r.mu.Lock()
	r.enabled = enabled
	r.mu.Unlock()
	persistence.MarkDirty(ctx, r)
}

// SetManual sets whether the rule can be run by hand.
func (r *Rule) SetManual(ctx context.Context, manual bool) {
	r.mu.Lock()
	r.manual = manual
	r.mu.Unlock()
	persistence.MarkDirty(ctx, r)
}

// SetEnabledOnVacation sets whether the rule fires in vacation mode.
func (r *Rule) SetEnabledOnVacation(ctx context.Context, enabled bool) {
	r.mu.Lock()
	r.enabledOnVacation = enabled
	r.mu.Unlock()
	persistence.MarkDirty(ctx, r)
}

// AddLocalAction attaches a to the rule. Persist the rule first, then a.
func (r *Rule) AddLocalAction(a *LocalAction) {
	a.setRule(r)
	r.mu.Lock()
	r.localActions = appendUnique(r.localActions, a)
	r.mu.Unlock()
}

// AddAddress attaches a to the rule as one of its action addresses.
func (r *Rule) AddAddress(a *ActionAddress) {
	a.setParent(r, nil)
	r.mu.Lock()
	r.addresses = appendUnique(r.addresses, a)
	r.mu.Unlock()
}

// AddTrigger attaches t to the rule.
func (r *Rule) AddTrigger(t *Trigger) {
	t.setRule(r)
	r.mu.Lock()
	r.triggers = appendUnique(r.triggers, t)
	r.mu.Unlock()
}

// AddSchedule attaches s to the rule.
func (r *Rule) AddSchedule(s *Schedule) {
	s.setRule(r)
	r.mu.Lock()
	r.schedules = appendUnique(r.schedules, s)
	r.mu.Unlock()
}

func (r *Rule) setChildren(actions []*LocalAction, addresses []*ActionAddress, triggers []*Trigger, schedules []*Schedule) {
	r.mu.Lock()
	r.localActions = actions
	r.addresses = addresses
	r.triggers = triggers
	r.schedules = schedules
	r.mu.Unlock()
}

// detach removes child from whichever of r's lists holds it and returns a
// function that puts it back.
func (r *Rule) detach(child persistence.Entity) (undo func(), ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch c := child.(type) {
	case *LocalAction:
		if r.localActions, ok = remove(r.localActions, c); ok {
			return func() { r.mu.Lock(); r.localActions = appendUnique(r.localActions, c); r.mu.Unlock() }, true
		}
	case *ActionAddress:
		if r.addresses, ok = remove(r.addresses, c); ok {
			return func() { r.mu.Lock(); r.addresses = appendUnique(r.addresses, c); r.mu.Unlock() }, true
		}
	case *Trigger:
		if r.triggers, ok = remove(r.triggers, c); ok {
			return func() { r.mu.Lock(); r.triggers = appendUnique(r.triggers, c); r.mu.Unlock() }, true
		}
	case *Schedule:
		if r.schedules, ok = remove(r.schedules, c); ok {
			return func() { r.mu.Lock(); r.schedules = appendUnique(r.schedules, c); r.mu.Unlock() }, true
		}
	}
	return nil, false
}

// LocalAction sets properties of a function on the controller itself when
// its rule fires.
type LocalAction struct {
	mu sync.RWMutex

	id         int64
	rule       *Rule
	functionID int64
	properties map[int]string
}

// NewLocalAction creates an unpersisted action on local function functionID.
func NewLocalAction(functionID int64) *LocalAction {
	return &LocalAction{functionID: functionID, properties: map[int]string{}}
}

// EntityID implements persistence.Entity.
func (a *LocalAction) EntityID() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.id
}

// SetEntityID implements persistence.Entity.
func (a *LocalAction) SetEntityID(id int64) {
	a.mu.Lock()
	a.id = id
	a.mu.Unlock()
}

// EntityKind implements persistence.Entity.
func (a *LocalAction) EntityKind() persistence.Kind { return KindLocalAction }

// Rule returns the owning rule, or nil.
func (a *LocalAction) Rule() *Rule {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.rule
}

// FunctionID returns the local function the action drives.
func (a *LocalAction) FunctionID() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.functionID
}

// Properties returns a copy of the property values keyed by property index.
func (a *LocalAction) Properties() map[int]string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return maps.Clone(a.properties)
}

// SetFunctionID sets the local function the action drives.
func (a *LocalAction) SetFunctionID(ctx context.Context, id int64) {
	a.mu.Lock()
	a.functionID = id
	a.mu.Unlock()
	persistence.MarkDirty(ctx, a)
}

// SetProperties replaces the property values.
func (a *LocalAction) SetProperties(ctx context.Context, props map[int]string) {
	a.mu.Lock()
	a.properties = maps.Clone(props)
	if a.properties == nil {
		a.properties = map[int]string{}
	}
	a.mu.Unlock()
	persistence.MarkDirty(ctx, a)
}

func (a *LocalAction) setRule(r *Rule) {
	a.mu.Lock()
	a.rule = r
	a.mu.Unlock()
}

// ActionAddress is a device property a rule writes, or the device property
// a trigger watches. Its parent is either a rule or a trigger.
type ActionAddress struct {
	mu sync.RWMutex

	id             int64
	rule           *Rule
	trigger        *Trigger
	deviceID       int64
	deviceFunction string
	propertyIndex  int
	value          int
	endValue       int
}

// NewActionAddress creates an unpersisted address of the property at
// propertyIndex of deviceFunction on device deviceID.
func NewActionAddress(deviceID int64, deviceFunction string, propertyIndex int) *ActionAddress {
	return &ActionAddress{
		deviceID:       deviceID,
		deviceFunction: deviceFunction,
		propertyIndex:  propertyIndex,
		value:          -1,
		endValue:       -1,
	}
}

// EntityID implements persistence.Entity.
func (a *ActionAddress) EntityID() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.id
}

// SetEntityID implements persistence.Entity.
func (a *ActionAddress) SetEntityID(id int64) {
	a.mu.Lock()
	a.id = id
	a.mu.Unlock()
}

// EntityKind implements persistence.Entity.
func (a *ActionAddress) EntityKind() persistence.Kind { return KindActionAddress }

// Rule returns the owning rule, or nil if a trigger owns the address.
func (a *ActionAddress) Rule() *Rule {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.rule
}

// Trigger returns the owning trigger, or nil if a rule owns the address.
func (a *ActionAddress) Trigger() *Trigger {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.trigger
}

// DeviceID returns the addressed device.
func (a *ActionAddress) DeviceID() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.deviceID
}

// DeviceFunction returns the addressed function name.
func (a *ActionAddress) DeviceFunction() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.deviceFunction
}

// PropertyIndex returns the addressed property index.
func (a *ActionAddress) PropertyIndex() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.propertyIndex
}

// Values returns the value written when the rule fires and the value
// written when its duration ends, -1 meaning unset.
func (a *ActionAddress) Values() (value, endValue int) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.value, a.endValue
}

// SetTarget points the address at another device property.
func (a *ActionAddress) SetTarget(ctx context.Context, deviceID int64, deviceFunction string, propertyIndex int) {
	a.mu.Lock()
	a.deviceID, a.deviceFunction, a.propertyIndex = deviceID, deviceFunction, propertyIndex
	a.mu.Unlock()
	persistence.MarkDirty(ctx, a)
}

// SetValues sets the start and end values.
func (a *ActionAddress) SetValues(ctx context.Context, value, endValue int) {
	a.mu.Lock()
	a.value, a.endValue = value, endValue
	a.mu.Unlock()
	persistence.MarkDirty(ctx, a)
}

func (a *ActionAddress) setParent(r *Rule, t *Trigger) {
	a.mu.Lock()
	a.rule, a.trigger = r, t
	a.mu.Unlock()
}

// parent returns the kind and id of the owning entity, or false if the
// address has no persisted parent.
func (a *ActionAddress) parent() (persistence.Kind, int64, bool) {
	a.mu.RLock()
	r, t := a.rule, a.trigger
	a.mu.RUnlock()
	switch {
	case r != nil && r.EntityID() != 0:
		return KindRule, r.EntityID(), true
	case t != nil && t.EntityID() != 0:
		return KindTrigger, t.EntityID(), true
	}
	return "", 0, false
}

// Trigger starts its rule when an event of its type and status arrives
// from its action address or from one of its groups.
type Trigger struct {
	mu sync.RWMutex

	id          int64
	rule        *Rule
	eventType   int
	eventStatus int
	groupIDs    []int
	address     *ActionAddress
}

// NewTrigger creates an unpersisted trigger.
func NewTrigger(eventType, eventStatus int) *Trigger {
	return &Trigger{eventType: eventType, eventStatus: eventStatus}
}

// EntityID implements persistence.Entity.
func (t *Trigger) EntityID() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.id
}

// SetEntityID implements persistence.Entity.
func (t *Trigger) SetEntityID(id int64) {
	t.mu.Lock()
	t.id = id
	t.mu.Unlock()
}

// EntityKind implements persistence.Entity.
func (t *Trigger) EntityKind() persistence.Kind { return KindTrigger }

// Rule returns the owning rule, or nil.
func (t *Trigger) Rule() *Rule {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rule
}

// Event returns the event type and status the trigger reacts to.
func (t *Trigger) Event() (eventType, eventStatus int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.eventType, t.eventStatus
}

// GroupIDs returns the watched alarm groups.
func (t *Trigger) GroupIDs() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.groupIDs)
}

// Address returns the watched action address, or nil.
func (t *Trigger) Address() *ActionAddress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.address
}

// SetEvent sets the event type and status.
func (t *Trigger) SetEvent(ctx context.Context, eventType, eventStatus int) {
	t.mu.Lock()
	t.eventType, t.eventStatus = eventType, eventStatus
	t.mu.Unlock()
	persistence.MarkDirty(ctx, t)
}

// SetGroupIDs sets the watched alarm groups.
func (t *Trigger) SetGroupIDs(ctx context.Context, ids []int) {
	t.mu.Lock()
	t.groupIDs = slices.Clone(ids)
	t.mu.Unlock()
	persistence.MarkDirty(ctx, t)
}

// SetAddress makes a the watched address, owned by t. Persist t first,
// then a.
func (t *Trigger) SetAddress(a *ActionAddress) {
	if a != nil {
		a.setParent(nil, t)
	}
	t.setAddress(a)
}

func (t *Trigger) setAddress(a *ActionAddress) {
	t.mu.Lock()
	t.address = a
	t.mu.Unlock()
}

func (t *Trigger) setRule(r *Rule) {
	t.mu.Lock()
	t.rule = r
	t.mu.Unlock()
}

func appendUnique[T comparable](list []T, v T) []T {
	if slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}

func remove[T comparable](list []T, v T) ([]T, bool) {
	i := slices.Index(list, v)
	if i < 0 {
		return list, false
	}
	return slices.Delete(list, i, i+1), true
}
