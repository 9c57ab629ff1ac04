package device

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-persistence/internal/persistence"
)

// Device kinds. Every device kind is stored in the devices table, told apart
// by its kind column, and handled by DeviceDAO.
const (
	KindPIR              persistence.Kind = "device.pir"
	KindMagnetic         persistence.Kind = "device.magnetic"
	KindSmoke            persistence.Kind = "device.smoke"
	KindCO               persistence.Kind = "device.co"
	KindFlood            persistence.Kind = "device.flood"
	KindSiren            persistence.Kind = "device.siren"
	KindKeypad           persistence.Kind = "device.keypad"
	KindControlPanel     persistence.Kind = "device.control_panel"
	KindControlPanelBell persistence.Kind = "device.control_panel_bell"
)

// Kinds of the entities owned by devices.
const (
	KindFunction persistence.Kind = "device.function"
	KindProperty persistence.Kind = "device.property"
	KindGroup    persistence.Kind = "device.group"

	KindTroubleRecord persistence.Kind = "device.trouble_record"
)

var deviceKinds = []persistence.Kind{
	KindPIR,
	KindMagnetic,
	KindSmoke,
	KindCO,
	KindFlood,
	KindSiren,
	KindKeypad,
	KindControlPanel,
	KindControlPanelBell,
}

// DeviceKinds returns every device kind.
func DeviceKinds() []persistence.Kind {
	return slices.Clone(deviceKinds)
}

// IsDeviceKind reports whether k is a device kind.
func IsDeviceKind(k persistence.Kind) bool {
	return slices.Contains(deviceKinds, k)
}

// BypassState is whether a zone is excluded from arming.
type BypassState int

// Bypass states.
const (
	BypassUnknown BypassState = -1
	BypassOff     BypassState = 0
	BypassOn      BypassState = 1
)

// ArmState is the arming state of a group.
type ArmState int

// Arm states.
const (
	Disarmed  ArmState = 0
	ArmedAway ArmState = 1
	ArmedStay ArmState = 2
)

// String returns the arm state name.
func (s ArmState) String() string {
	switch s {
	case Disarmed:
		return "disarmed"
	case ArmedAway:
		return "armed_away"
	case ArmedStay:
		return "armed_stay"
	default:
		return "unknown"
	}
}

// Device is a physical intrusion device: a detector, siren, keypad or panel.
//
// Fields are read through getters and changed through setters taking the
// caller's context; every setter marks the device dirty in the context's
// unit of work.
type Device struct {
	mu sync.RWMutex

	id                int64
	kind              persistence.Kind
	name              string
	vendor            string
	version           string
	protocolID        int64
	zoneConfiguration int
	internal          bool
	bypassState       BypassState
	entryDelay        time.Duration
	exitDelay         time.Duration
	commandClasses    []string

	children  []*Device
	functions []*Function
}

// NewDevice creates an unpersisted device of kind.
func NewDevice(kind persistence.Kind, name string) (*Device, error) {
	if err := ValidateKind(kind); err != nil {
		return nil, err
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	return newDevice(kind, name), nil
}

func newDevice(kind persistence.Kind, name string) *Device {
	return &Device{
		kind:              kind,
		name:              name,
		protocolID:        -1,
		zoneConfiguration: -1,
		bypassState:       BypassUnknown,
	}
}

// EntityID implements persistence.Entity.
func (d *Device) EntityID() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.id
}

// SetEntityID implements persistence.Entity.
func (d *Device) SetEntityID(id int64) {
	d.mu.Lock()
	d.id = id
	d.mu.Unlock()
}

// EntityKind implements persistence.Entity.
func (d *Device) EntityKind() persistence.Kind {
	return d.kind
}

// ID returns the device id, zero until persisted.
func (d *Device) ID() int64 { return d.EntityID() }

// Name returns the device name.
func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

// Vendor returns the manufacturer.
func (d *Device) Vendor() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.vendor
}

// Version returns the firmware version.
func (d *Device) Version() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

// ProtocolID returns the device's address on its radio or bus, -1 if unset.
func (d *Device) ProtocolID() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.protocolID
}

// ZoneConfiguration returns the zone type code, -1 if unset.
func (d *Device) ZoneConfiguration() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.zoneConfiguration
}

// Internal reports whether the device is an interior zone.
func (d *Device) Internal() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.internal
}

// BypassState returns the bypass state.
func (d *Device) BypassState() BypassState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.bypassState
}

// EntryDelay returns the entry delay.
func (d *Device) EntryDelay() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.entryDelay
}

// ExitDelay returns the exit delay.
func (d *Device) ExitDelay() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.exitDelay
}

// CommandClasses returns a copy of the supported command classes.
func (d *Device) CommandClasses() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.commandClasses)
}

// Children returns a copy of the child device list.
func (d *Device) Children() []*Device {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.children)
}

// Functions returns a copy of the device's function list.
func (d *Device) Functions() []*Function {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.functions)
}

// SetName sets the name.
func (d *Device) SetName(ctx context.Context, name string) {
	d.mu.Lock()
	d.name = name
	d.mu.Unlock()
	persistence.MarkDirty(ctx, d)
}

// SetVendor sets the manufacturer.
func (d *Device) SetVendor(ctx context.Context, vendor string) {
	d.mu.Lock()
	d.vendor = vendor
	d.mu.Unlock()
	persistence.MarkDirty(ctx, d)
}

// SetVersion sets the firmware version.
func (d *Device) SetVersion(ctx context.Context, version string) {
	d.mu.Lock()
	d.version = version
	d.mu.Unlock()
	persistence.MarkDirty(ctx, d)
}

// SetProtocolID sets the protocol address.
func (d *Device) SetProtocolID(ctx context.Context, id int64) {
	d.mu.Lock()
	d.protocolID = id
	d.mu.Unlock()
	persistence.MarkDirty(ctx, d)
}

// SetZoneConfiguration sets the zone type code.
func (d *Device) SetZoneConfiguration(ctx context.Context, zone int) {
	d.mu.Lock()
	d.zoneConfiguration = zone
	d.mu.Unlock()
	persistence.MarkDirty(ctx, d)
}

// SetInternal sets the interior zone flag.
func (d *Device) SetInternal(ctx context.Context, internal bool) {
	d.mu.Lock()
	d.internal = internal
	d.mu.Unlock()
	persistence.MarkDirty(ctx, d)
}

// SetBypassState sets the bypass state.
func (d *Device) SetBypassState(ctx context.Context, state BypassState) {
	d.mu.Lock()
	d.bypassState = state
	d.mu.Unlock()
	persistence.MarkDirty(ctx, d)
}

// SetEntryDelay sets the entry delay. It is stored with second precision.
func (d *Device) SetEntryDelay(ctx context.Context, delay time.Duration) {
	d.mu.Lock()
	d.entryDelay = delay.Truncate(time.Second)
	d.mu.Unlock()
	persistence.MarkDirty(ctx, d)
}

// SetExitDelay sets the exit delay. It is stored with second precision.
func (d *Device) SetExitDelay(ctx context.Context, delay time.Duration) {
	d.mu.Lock()
	d.exitDelay = delay.Truncate(time.Second)
	d.mu.Unlock()
	persistence.MarkDirty(ctx, d)
}

// SetCommandClasses sets the supported command classes.
func (d *Device) SetCommandClasses(ctx context.Context, classes []string) {
	d.mu.Lock()
	d.commandClasses = slices.Clone(classes)
	d.mu.Unlock()
	persistence.MarkDirty(ctx, d)
}

// AddChild links child below d. Linking the same child twice is a no-op.
func (d *Device) AddChild(ctx context.Context, child *Device) {
	d.mu.Lock()
	if slices.Contains(d.children, child) {
		d.mu.Unlock()
		return
	}
	d.children = append(d.children, child)
	d.mu.Unlock()
	persistence.MarkDirty(ctx, d)
}

// RemoveChild unlinks child from d.
func (d *Device) RemoveChild(ctx context.Context, child *Device) {
	if d.detachChild(child) {
		persistence.MarkDirty(ctx, d)
	}
}

// AddFunction makes fn a function of d. The function row is written when fn
// itself is persisted.
func (d *Device) AddFunction(fn *Function) {
	fn.setDevice(d)
	d.mu.Lock()
	if !slices.Contains(d.functions, fn) {
		d.functions = append(d.functions, fn)
	}
	d.mu.Unlock()
}

func (d *Device) detachChild(child *Device) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := slices.Index(d.children, child)
	if i < 0 {
		return false
	}
	d.children = slices.Delete(d.children, i, i+1)
	return true
}

func (d *Device) attachChild(child *Device) {
	d.mu.Lock()
	if !slices.Contains(d.children, child) {
		d.children = append(d.children, child)
	}
	d.mu.Unlock()
}

func (d *Device) detachFunction(fn *Function) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := slices.Index(d.functions, fn)
	if i < 0 {
		return false
	}
	d.functions = slices.Delete(d.functions, i, i+1)
	return true
}

func (d *Device) attachFunction(fn *Function) {
	d.mu.Lock()
	if !slices.Contains(d.functions, fn) {
		d.functions = append(d.functions, fn)
	}
	d.mu.Unlock()
}

func (d *Device) setRelations(children []*Device, functions []*Function) {
	d.mu.Lock()
	d.children = children
	d.functions = functions
	d.mu.Unlock()
}

// Function is one endpoint capability of a device, such as a sensor
// channel or a command set.
type Function struct {
	mu sync.RWMutex

	id          int64
	device      *Device
	name        string
	endPointID  int
	commandName string
	processed   bool
	properties  []*Property
}

// NewFunction creates an unpersisted function. Attach it to a device with
// Device.AddFunction before persisting it.
func NewFunction(name string) *Function {
	return &Function{name: name, endPointID: -1}
}

// EntityID implements persistence.Entity.
func (f *Function) EntityID() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.id
}

// SetEntityID implements persistence.Entity.
func (f *Function) SetEntityID(id int64) {
	f.mu.Lock()
	f.id = id
	f.mu.Unlock()
}

// EntityKind implements persistence.Entity.
func (f *Function) EntityKind() persistence.Kind { return KindFunction }

// ID returns the function id, zero until persisted.
func (f *Function) ID() int64 { return f.EntityID() }

// Device returns the owning device, or nil.
func (f *Function) Device() *Device {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.device
}

// Name returns the function name.
func (f *Function) Name() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.name
}

// EndPointID returns the endpoint the function lives on, -1 if unset.
func (f *Function) EndPointID() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.endPointID
}

// CommandName returns the command the function answers to.
func (f *Function) CommandName() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.commandName
}

// Processed reports whether the function's report has been handled.
func (f *Function) Processed() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.processed
}

// Properties returns a copy of the function's property list.
func (f *Function) Properties() []*Property {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Clone(f.properties)
}

// SetName sets the function name.
func (f *Function) SetName(ctx context.Context, name string) {
	f.mu.Lock()
	f.name = name
	f.mu.Unlock()
	persistence.MarkDirty(ctx, f)
}

// SetEndPointID sets the endpoint.
func (f *Function) SetEndPointID(ctx context.Context, id int) {
	f.mu.Lock()
	f.endPointID = id
	f.mu.Unlock()
	persistence.MarkDirty(ctx, f)
}

// SetCommandName sets the command name.
func (f *Function) SetCommandName(ctx context.Context, name string) {
	f.mu.Lock()
	f.commandName = name
	f.mu.Unlock()
	persistence.MarkDirty(ctx, f)
}

// SetProcessed sets the processed flag.
func (f *Function) SetProcessed(ctx context.Context, processed bool) {
	f.mu.Lock()
	f.processed = processed
	f.mu.Unlock()
	persistence.MarkDirty(ctx, f)
}

// AddProperty makes p a property of f. The property row is written when p
// itself is persisted.
func (f *Function) AddProperty(p *Property) {
	p.setFunction(f)
	f.mu.Lock()
	if !slices.Contains(f.properties, p) {
		f.properties = append(f.properties, p)
	}
	f.mu.Unlock()
}

func (f *Function) setDevice(d *Device) {
	f.mu.Lock()
	f.device = d
	f.mu.Unlock()
}

func (f *Function) setProperties(props []*Property) {
	f.mu.Lock()
	f.properties = props
	f.mu.Unlock()
}

func (f *Function) detachProperty(p *Property) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := slices.Index(f.properties, p)
	if i < 0 {
		return false
	}
	f.properties = slices.Delete(f.properties, i, i+1)
	return true
}

func (f *Function) attachProperty(p *Property) {
	f.mu.Lock()
	if !slices.Contains(f.properties, p) {
		f.properties = append(f.properties, p)
	}
	f.mu.Unlock()
}

// Property is one reported or configurable value of a function.
//
// A property holds either a scalar Value or a positional Values array;
// setting one clears the other.
type Property struct {
	mu sync.RWMutex

	id         int64
	function   *Function
	index      int
	attributes map[string]string
	enums      []string
	value      string
	values     []string
	endPointID int
	persist    bool
}

// NewProperty creates an unpersisted property at index. Attach it to a
// function with Function.AddProperty before persisting it.
func NewProperty(index int) *Property {
	return &Property{
		index:      index,
		attributes: make(map[string]string),
		enums:      []string{},
		endPointID: -1,
	}
}

// EntityID implements persistence.Entity.
func (p *Property) EntityID() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.id
}

// SetEntityID implements persistence.Entity.
func (p *Property) SetEntityID(id int64) {
	p.mu.Lock()
	p.id = id
	p.mu.Unlock()
}

// EntityKind implements persistence.Entity.
func (p *Property) EntityKind() persistence.Kind { return KindProperty }

// ID returns the property id, zero until persisted.
func (p *Property) ID() int64 { return p.EntityID() }

// Function returns the owning function, or nil.
func (p *Property) Function() *Function {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.function
}

// Index returns the property index within its function.
func (p *Property) Index() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.index
}

// Attributes returns a copy of the attribute map.
func (p *Property) Attributes() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]string, len(p.attributes))
	for k, v := range p.attributes {
		out[k] = v
	}
	return out
}

// Enums returns a copy of the allowed values.
func (p *Property) Enums() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.enums)
}

// Value returns the scalar value.
func (p *Property) Value() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.value
}

// Values returns a copy of the array value, nil for a scalar property.
func (p *Property) Values() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.values)
}

// EndPointID returns the endpoint, -1 if unset.
func (p *Property) EndPointID() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.endPointID
}

// Persist reports whether the value survives a device reset.
func (p *Property) Persist() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.persist
}

// SetIndex sets the index.
func (p *Property) SetIndex(ctx context.Context, index int) {
	p.mu.Lock()
	p.index = index
	p.mu.Unlock()
	persistence.MarkDirty(ctx, p)
}

// SetAttribute sets one attribute.
func (p *Property) SetAttribute(ctx context.Context, key, value string) {
	p.mu.Lock()
	p.attributes[key] = value
	p.mu.Unlock()
	persistence.MarkDirty(ctx, p)
}

// SetAttributes replaces the attribute map.
func (p *Property) SetAttributes(ctx context.Context, attrs map[string]string) {
	cp := make(map[string]string, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	p.mu.Lock()
	p.attributes = cp
	p.mu.Unlock()
	persistence.MarkDirty(ctx, p)
}

// SetEnums sets the allowed values.
func (p *Property) SetEnums(ctx context.Context, enums []string) {
	p.mu.Lock()
	p.enums = slices.Clone(enums)
	if p.enums == nil {
		p.enums = []string{}
	}
	p.mu.Unlock()
	persistence.MarkDirty(ctx, p)
}

// SetValue sets a scalar value and clears the array value.
func (p *Property) SetValue(ctx context.Context, value string) {
	p.mu.Lock()
	p.value = value
	p.values = nil
	p.mu.Unlock()
	persistence.MarkDirty(ctx, p)
}

// SetValues sets an array value and clears the scalar value.
func (p *Property) SetValues(ctx context.Context, values []string) {
	p.mu.Lock()
	p.values = slices.Clone(values)
	p.value = ""
	p.mu.Unlock()
	persistence.MarkDirty(ctx, p)
}

// SetEndPointID sets the endpoint.
func (p *Property) SetEndPointID(ctx context.Context, id int) {
	p.mu.Lock()
	p.endPointID = id
	p.mu.Unlock()
	persistence.MarkDirty(ctx, p)
}

// SetPersist sets the persist flag.
func (p *Property) SetPersist(ctx context.Context, persist bool) {
	p.mu.Lock()
	p.persist = persist
	p.mu.Unlock()
	persistence.MarkDirty(ctx, p)
}

func (p *Property) setFunction(f *Function) {
	p.mu.Lock()
	p.function = f
	p.mu.Unlock()
}

// Group is an alarm partition: a named set of devices armed together.
type Group struct {
	mu sync.RWMutex

	id        int64
	name      string
	armState  ArmState
	lockedOut bool
	devices   []*Device
	records   []*TroubleRecord
}

// NewGroup creates an unpersisted, disarmed group.
func NewGroup(name string) *Group {
	return &Group{name: name, armState: Disarmed}
}

// EntityID implements persistence.Entity.
func (g *Group) EntityID() int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.id
}

// SetEntityID implements persistence.Entity.
func (g *Group) SetEntityID(id int64) {
	g.mu.Lock()
	g.id = id
	g.mu.Unlock()
}

// EntityKind implements persistence.Entity.
func (g *Group) EntityKind() persistence.Kind { return KindGroup }

// ID returns the group id, zero until persisted.
func (g *Group) ID() int64 { return g.EntityID() }

// Name returns the group name.
func (g *Group) Name() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.name
}

// ArmState returns the arm state.
func (g *Group) ArmState() ArmState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.armState
}

// LockedOut reports whether the group refuses arming.
func (g *Group) LockedOut() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.lockedOut
}

// Devices returns a copy of the member list.
func (g *Group) Devices() []*Device {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.devices)
}

// SetName sets the group name.
func (g *Group) SetName(ctx context.Context, name string) {
	g.mu.Lock()
	g.name = name
	g.mu.Unlock()
	persistence.MarkDirty(ctx, g)
}

// SetArmState sets the arm state.
func (g *Group) SetArmState(ctx context.Context, state ArmState) {
	g.mu.Lock()
	g.armState = state
	g.mu.Unlock()
	persistence.MarkDirty(ctx, g)
}

// SetLockedOut sets the lock-out flag.
func (g *Group) SetLockedOut(ctx context.Context, locked bool) {
	g.mu.Lock()
	g.lockedOut = locked
	g.mu.Unlock()
	persistence.MarkDirty(ctx, g)
}

// AddDevice adds d to the group. Adding a member twice is a no-op.
func (g *Group) AddDevice(ctx context.Context, d *Device) {
	g.mu.Lock()
	if slices.Contains(g.devices, d) {
		g.mu.Unlock()
		return
	}
	g.devices = append(g.devices, d)
	g.mu.Unlock()
	persistence.MarkDirty(ctx, g)
}

// RemoveDevice removes d and its trouble record from the group.
func (g *Group) RemoveDevice(ctx context.Context, d *Device) {
	removed := g.detachDevice(d)
	if id := d.EntityID(); id != 0 && g.RemoveTroubleRecord(ctx, id) {
		removed = true
	}
	if removed {
		persistence.MarkDirty(ctx, g)
	}
}

// TroubleRecords returns a copy of the group's trouble records.
func (g *Group) TroubleRecords() []*TroubleRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.records)
}

// TroubleRecord returns the record of device deviceID, or nil.
func (g *Group) TroubleRecord(deviceID int64) *TroubleRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, r := range g.records {
		if r.DeviceID() == deviceID {
			return r
		}
	}
	return nil
}

// AddTroubleRecord returns the record of device deviceID, creating it if
// the group has none.
func (g *Group) AddTroubleRecord(ctx context.Context, deviceID int64) *TroubleRecord {
	if r := g.TroubleRecord(deviceID); r != nil {
		return r
	}
	r := NewTroubleRecord(deviceID)
	r.setGroup(g)
	g.mu.Lock()
	g.records = append(g.records, r)
	g.mu.Unlock()
	persistence.MarkDirty(ctx, g)
	return r
}

// RemoveTroubleRecord drops the record of device deviceID. It reports
// whether one was removed.
func (g *Group) RemoveTroubleRecord(ctx context.Context, deviceID int64) bool {
	r := g.TroubleRecord(deviceID)
	if r == nil || !g.detachRecord(r) {
		return false
	}
	persistence.MarkDirty(ctx, g)
	return true
}

func (g *Group) detachRecord(r *TroubleRecord) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := slices.Index(g.records, r)
	if i < 0 {
		return false
	}
	g.records = slices.Delete(g.records, i, i+1)
	return true
}

func (g *Group) attachRecord(r *TroubleRecord) {
	g.mu.Lock()
	if !slices.Contains(g.records, r) {
		g.records = append(g.records, r)
	}
	g.mu.Unlock()
}

func (g *Group) setRecords(records []*TroubleRecord) {
	g.mu.Lock()
	g.records = records
	g.mu.Unlock()
}

func (g *Group) detachDevice(d *Device) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := slices.Index(g.devices, d)
	if i < 0 {
		return false
	}
	g.devices = slices.Delete(g.devices, i, i+1)
	return true
}

func (g *Group) attachDevice(d *Device) {
	g.mu.Lock()
	if !slices.Contains(g.devices, d) {
		g.devices = append(g.devices, d)
	}
	g.mu.Unlock()
}

func (g *Group) setDevices(devices []*Device) {
	g.mu.Lock()
	g.devices = devices
	g.mu.Unlock()
}
