package device

import (
	"context"
	"maps"
	"strings"
	"sync"

	"github.com/nerrad567/gray-logic-persistence/internal/persistence"
)

// TroubleRecord tracks which troubles of one group member were reported
// and which restores still wait for confirmation. Trouble and alarm names
// are case-insensitive.
type TroubleRecord struct {
	mu sync.RWMutex

	id                  int64
	group               *Group
	deviceID            int64
	restoredDuringDelay bool
	reported            map[string]bool
	troublesToConfirm   map[string]bool
	alarmsToConfirm     map[string]bool
}

// NewTroubleRecord creates an unpersisted, empty record for device deviceID.
func NewTroubleRecord(deviceID int64) *TroubleRecord {
	return &TroubleRecord{
		deviceID:          deviceID,
		reported:          map[string]bool{},
		troublesToConfirm: map[string]bool{},
		alarmsToConfirm:   map[string]bool{},
	}
}

// EntityID implements persistence.Entity.
func (r *TroubleRecord) EntityID() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.id
}

// SetEntityID implements persistence.Entity.
func (r *TroubleRecord) SetEntityID(id int64) {
	r.mu.Lock()
	r.id = id
	r.mu.Unlock()
}

// EntityKind implements persistence.Entity.
func (r *TroubleRecord) EntityKind() persistence.Kind { return KindTroubleRecord }

// Group returns the owning group, or nil.
func (r *TroubleRecord) Group() *Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.group
}

// DeviceID returns the device the record tracks.
func (r *TroubleRecord) DeviceID() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deviceID
}

// RestoredDuringDelay reports whether the device restored inside the
// entry or exit delay.
func (r *TroubleRecord) RestoredDuringDelay() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.restoredDuringDelay
}

// Reported returns whether trouble was reported, and false for ok if the
// trouble was never recorded.
func (r *TroubleRecord) Reported(trouble string) (reported, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reported, ok = r.reported[strings.ToLower(trouble)]
	return reported, ok
}

// Reports returns a copy of the reported flags keyed by trouble name.
func (r *TroubleRecord) Reports() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.reported)
}

// TroubleRestorePending reports whether the restore of trouble waits for
// confirmation.
func (r *TroubleRecord) TroubleRestorePending(trouble string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.troublesToConfirm[strings.ToLower(trouble)]
}

// AlarmRestorePending reports whether the restore of alarm waits for
// confirmation.
func (r *TroubleRecord) AlarmRestorePending(alarm string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.alarmsToConfirm[strings.ToLower(alarm)]
}

// SetDeviceID points the record at another device.
func (r *TroubleRecord) SetDeviceID(ctx context.Context, id int64) {
	r.mu.Lock()
	r.deviceID = id
	r.mu.Unlock()
	persistence.MarkDirty(ctx, r)
}

// SetRestoredDuringDelay sets the restored-during-delay flag.
func (r *TroubleRecord) SetRestoredDuringDelay(ctx context.Context, restored bool) {
	r.mu.Lock()
	r.restoredDuringDelay = restored
	r.mu.Unlock()
	persistence.MarkDirty(ctx, r)
}

// SetReported sets whether trouble was reported.
func (r *TroubleRecord) SetReported(ctx context.Context, trouble string, reported bool) {
	r.setFlag(ctx, func() map[string]bool { return r.reported }, trouble, reported)
}

// SetTroubleRestorePending sets whether the restore of trouble waits for
// confirmation.
func (r *TroubleRecord) SetTroubleRestorePending(ctx context.Context, trouble string, pending bool) {
	r.setFlag(ctx, func() map[string]bool { return r.troublesToConfirm }, trouble, pending)
}

// SetAlarmRestorePending sets whether the restore of alarm waits for
// confirmation.
func (r *TroubleRecord) SetAlarmRestorePending(ctx context.Context, alarm string, pending bool) {
	r.setFlag(ctx, func() map[string]bool { return r.alarmsToConfirm }, alarm, pending)
}

// setFlag sets name in the map flags returns, which runs under r.mu.
func (r *TroubleRecord) setFlag(ctx context.Context, flags func() map[string]bool, name string, v bool) {
	if name == "" {
		return
	}
	r.mu.Lock()
	flags()[strings.ToLower(name)] = v
	r.mu.Unlock()
	persistence.MarkDirty(ctx, r)
}

// setFlags replaces the three flag maps, used when loading.
func (r *TroubleRecord) setFlags(reported, troubles, alarms map[string]bool) {
	r.mu.Lock()
	r.reported, r.troublesToConfirm, r.alarmsToConfirm = reported, troubles, alarms
	r.mu.Unlock()
}

func (r *TroubleRecord) setGroup(g *Group) {
	r.mu.Lock()
	r.group = g
	r.mu.Unlock()
}
