// Package engine coordinates sync work: it turns local file changes, remote
// push notifications, and origin lifecycle calls into scheduled tasks, and
// tracks coarse service health.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/driveback/driveback/internal/metadata"
	"github.com/driveback/driveback/internal/remotefs"
	"github.com/driveback/driveback/internal/status"
	"github.com/driveback/driveback/internal/syncfs"
	"github.com/driveback/driveback/internal/taskman"
)

// ServiceState is the aggregate health the surrounding application observes.
type ServiceState string

const (
	ServiceOK                     ServiceState = "ok"
	ServiceTemporarilyUnavailable ServiceState = "temporarily_unavailable"
	ServiceAuthenticationRequired ServiceState = "authentication_required"
	ServiceDisabled               ServiceState = "disabled"
)

// ConflictPolicy selects how conflicting edits resolve. Only last write wins
// is implemented; per-origin overrides are accepted but not applied.
type ConflictPolicy string

const PolicyLastWriteWins ConflictPolicy = "last_write_wins"

const (
	defaultListInterval     = 30 * time.Second
	defaultConflictInterval = 5 * time.Minute
)

// Options configure a SyncEngine.
type Options struct {
	// RootFolderID is the remote folder under which origin roots live.
	RootFolderID string
	// ListInterval is the time-based remote change listing cadence.
	ListInterval time.Duration
	// ConflictInterval is the idle conflict-pass cadence.
	ConflictInterval time.Duration
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.ListInterval <= 0 {
		opts.ListInterval = defaultListInterval
	}
	if opts.ConflictInterval <= 0 {
		opts.ConflictInterval = defaultConflictInterval
	}
	return opts
}

// StateObserver receives service state transitions.
type StateObserver func(state ServiceState, description string)

// FileStatusObserver receives per-file sync outcomes.
type FileStatusObserver func(target syncfs.Target, action syncfs.SyncAction, direction syncfs.SyncDirection)

// SyncEngine owns the task scheduler's client contract.
type SyncEngine struct {
	store  *metadata.Store
	remote remotefs.Service
	tasks  *taskman.TaskManager
	opts   Options

	mu               sync.Mutex
	state            ServiceState
	stateDescription string
	syncEnabled      bool
	networkAvailable bool

	// Scheduling hints, process-local and reset each run.
	listingInFlight         bool
	shouldCheckRemoteChange bool
	shouldCheckConflict     bool
	lastListTime            time.Time
	lastConflictTime        time.Time

	conflictPolicies map[string]ConflictPolicy

	stateObservers []StateObserver
	fileObservers  []FileStatusObserver
}

var _ taskman.Client = (*SyncEngine)(nil)

func New(store *metadata.Store, remote remotefs.Service, opts Options) *SyncEngine {
	e := &SyncEngine{
		store:            store,
		remote:           remote,
		opts:             opts.withDefaults(),
		state:            ServiceOK,
		syncEnabled:      true,
		networkAvailable: true,
		conflictPolicies: make(map[string]ConflictPolicy),
		lastListTime:     time.Now(),
		lastConflictTime: time.Now(),
	}
	e.tasks = taskman.New(e)
	return e
}

// Start begins task dispatch. Stop with Stop.
func (e *SyncEngine) Start(ctx context.Context) {
	e.tasks.Start(ctx)
	slog.Info("sync engine started")
}

func (e *SyncEngine) Stop() {
	e.tasks.Stop()
	slog.Info("sync engine stopped")
}

// AddServiceObserver registers a state transition observer. Not safe to call
// after Start.
func (e *SyncEngine) AddServiceObserver(obs StateObserver) {
	e.stateObservers = append(e.stateObservers, obs)
}

// AddFileStatusObserver registers a per-file outcome observer. Not safe to
// call after Start.
func (e *SyncEngine) AddFileStatusObserver(obs FileStatusObserver) {
	e.fileObservers = append(e.fileObservers, obs)
}

// GetCurrentState returns the service state and a human-readable reason.
func (e *SyncEngine) GetCurrentState() (ServiceState, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.syncEnabled {
		return ServiceDisabled, "sync disabled"
	}
	return e.state, e.stateDescription
}

// SetSyncEnabled gates all task scheduling.
func (e *SyncEngine) SetSyncEnabled(enabled bool) {
	e.mu.Lock()
	e.syncEnabled = enabled
	e.mu.Unlock()
	if enabled {
		e.MaybeScheduleNextTask()
	}
}

// SetConflictResolutionPolicy records a per-origin policy preference. The
// resolver currently applies the default last-write-wins policy regardless.
func (e *SyncEngine) SetConflictResolutionPolicy(origin string, policy ConflictPolicy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conflictPolicies[origin] = policy
}

// RegisterOrigin ensures a remote root folder exists for the origin and
// binds it in the metadata store.
func (e *SyncEngine) RegisterOrigin(origin string, onDone func(status.Code)) {
	if !e.taskGateOpen(onDone) {
		return
	}
	e.tasks.ScheduleTask(taskman.NewTask("register-origin["+origin+"]",
		func(ctx context.Context, done func(status.Code)) {
			done(e.registerOrigin(ctx, origin))
		}), taskman.PriorityHigh, true, onDone)
}

func (e *SyncEngine) registerOrigin(ctx context.Context, origin string) status.Code {
	// A known origin, enabled or deliberately disabled, is left untouched.
	origins, err := e.store.Origins()
	if err != nil {
		return databaseStatus(err)
	}
	if _, known := origins[origin]; known {
		return status.OK
	}

	res, err := e.remote.CreateFolder(ctx, e.opts.RootFolderID, origin)
	if err != nil {
		return statusFromRemoteError(err)
	}
	if err := e.store.RegisterOrigin(origin, res); err != nil {
		return databaseStatus(err)
	}
	slog.Info("origin registered", "origin", origin, "rootId", res.ID)
	return status.OK
}

// EnableOrigin re-enables syncing for a disabled origin.
func (e *SyncEngine) EnableOrigin(origin string, onDone func(status.Code)) {
	if !e.taskGateOpen(onDone) {
		return
	}
	e.tasks.ScheduleTask(taskman.NewTask("enable-origin["+origin+"]",
		func(ctx context.Context, done func(status.Code)) {
			if err := e.store.EnableOrigin(origin); err != nil {
				done(databaseStatus(err))
				return
			}
			done(status.OK)
		}), taskman.PriorityHigh, true, onDone)
}

// DisableOrigin pauses syncing for the origin, keeping its metadata.
func (e *SyncEngine) DisableOrigin(origin string, onDone func(status.Code)) {
	if !e.taskGateOpen(onDone) {
		return
	}
	e.tasks.ScheduleTask(taskman.NewTask("disable-origin["+origin+"]",
		func(ctx context.Context, done func(status.Code)) {
			if err := e.store.DisableOrigin(origin); err != nil {
				done(databaseStatus(err))
				return
			}
			done(status.OK)
		}), taskman.PriorityHigh, true, onDone)
}

// UninstallOrigin removes the origin's metadata; with purge it also deletes
// the remote subtree.
func (e *SyncEngine) UninstallOrigin(origin string, purge bool, onDone func(status.Code)) {
	if !e.taskGateOpen(onDone) {
		return
	}
	e.tasks.ScheduleTask(taskman.NewTask("uninstall-origin["+origin+"]",
		func(ctx context.Context, done func(status.Code)) {
			done(e.uninstallOrigin(ctx, origin, purge))
		}), taskman.PriorityHigh, true, onDone)
}

func (e *SyncEngine) uninstallOrigin(ctx context.Context, origin string, purge bool) status.Code {
	rootFileID, err := e.store.UninstallOrigin(origin)
	if err != nil {
		return databaseStatus(err)
	}
	if purge && rootFileID != "" {
		err := e.remote.DeleteResource(ctx, rootFileID, "")
		if err != nil && !remotefs.IsNotFound(err) {
			return statusFromRemoteError(err)
		}
	}
	slog.Info("origin uninstalled", "origin", origin, "purge", purge)
	return status.OK
}

// ApplyLocalChange schedules reconciliation of one local change against the
// remote tree. onDone receives the terminal status after internal follow-up
// scheduling.
func (e *SyncEngine) ApplyLocalChange(change syncfs.FileChange, localPath string,
	localMeta syncfs.FileMetadata, target syncfs.Target, onDone func(status.Code)) {
	if !e.taskGateOpen(onDone) {
		return
	}

	syncer := NewLocalToRemoteSyncer(e.store, e.remote, change, localPath, localMeta, target)
	e.tasks.ScheduleTask(syncer, taskman.PriorityMedium, true, func(code status.Code) {
		e.didApplyLocalChange(syncer, code, onDone)
	})
}

func (e *SyncEngine) didApplyLocalChange(syncer *LocalToRemoteSyncer, code status.Code, onDone func(status.Code)) {
	switch code {
	case status.UnknownOrigin:
		// Register in the background; the caller retries with the original
		// failure in hand.
		e.RegisterOrigin(syncer.Target().Origin, nil)

	case status.FileBusy:
		// The remote tree has state this client has not observed.
		e.scheduleListChanges(taskman.PriorityHigh)

	case status.OK:
		if syncer.Action() != syncfs.ActionNone {
			e.notifyFileStatus(syncer.Target(), syncer.Action(), syncfs.DirectionLocalToRemote)
		}
	}

	if onDone != nil {
		onDone(code)
	}
}

// ProcessRemoteChange schedules one remote-to-local reconciliation pass.
func (e *SyncEngine) ProcessRemoteChange(onDone func(status.Code)) {
	if !e.taskGateOpen(onDone) {
		return
	}
	syncer := NewRemoteToLocalSyncer(e.store, e.remote, e.notifyFileStatus)
	e.tasks.ScheduleTask(syncer, taskman.PriorityMedium, true, onDone)
}

// OnNotificationReceived records a push hint that the remote changed.
func (e *SyncEngine) OnNotificationReceived() {
	e.mu.Lock()
	e.shouldCheckRemoteChange = true
	e.mu.Unlock()
	e.MaybeScheduleNextTask()
}

// OnNetworkChanged feeds connectivity transitions into the service state.
// Restored connectivity eagerly schedules a remote listing.
func (e *SyncEngine) OnNetworkChanged(available bool) {
	e.mu.Lock()
	was := e.networkAvailable
	e.networkAvailable = available
	if available {
		e.shouldCheckRemoteChange = true
	}
	e.mu.Unlock()

	if available && !was {
		e.setState(ServiceOK, "network restored")
		e.MaybeScheduleNextTask()
	} else if !available && was {
		e.setState(ServiceTemporarilyUnavailable, "network unavailable")
	}
}

// OnAuthStateChanged feeds credential validity into the service state.
func (e *SyncEngine) OnAuthStateChanged(authenticated bool) {
	if authenticated {
		e.setState(ServiceOK, "authenticated")
		e.MaybeScheduleNextTask()
	} else {
		e.setState(ServiceAuthenticationRequired, "authentication expired")
	}
}

// MaybeScheduleNextTask is invoked by the task manager whenever it goes
// idle. It opportunistically schedules deferred maintenance: a remote change
// listing when one is due, else an idle conflict pass.
func (e *SyncEngine) MaybeScheduleNextTask() {
	e.mu.Lock()
	if !e.runnableLocked() {
		e.mu.Unlock()
		return
	}
	listDue := !e.listingInFlight &&
		(e.shouldCheckRemoteChange || time.Since(e.lastListTime) >= e.opts.ListInterval)
	conflictDue := e.shouldCheckConflict ||
		time.Since(e.lastConflictTime) >= e.opts.ConflictInterval
	e.mu.Unlock()

	if listDue {
		e.mu.Lock()
		if e.listingInFlight {
			e.mu.Unlock()
			return
		}
		e.listingInFlight = true
		e.shouldCheckRemoteChange = false
		e.mu.Unlock()

		if !e.tasks.ScheduleIfIdle(NewListChangesTask(e.store, e.remote), true, e.didListChanges) {
			e.mu.Lock()
			e.listingInFlight = false
			e.mu.Unlock()
		}
		return
	}

	if conflictDue {
		dirty, err := e.store.HasDirtyTracker()
		if err != nil {
			slog.Error("dirty tracker check failed", "error", err)
			return
		}
		if !dirty {
			return
		}
		task := NewConflictResolver(e.store, e.remote, PolicyLastWriteWins)
		if e.tasks.ScheduleIfIdle(task, true, nil) {
			e.mu.Lock()
			e.shouldCheckConflict = false
			e.lastConflictTime = time.Now()
			e.mu.Unlock()
		}
	}
}

// NotifyLastOperationStatus classifies each task outcome into the service
// state machine.
func (e *SyncEngine) NotifyLastOperationStatus(code status.Code) {
	switch {
	case code == status.OK:
		e.mu.Lock()
		recovering := e.state == ServiceTemporarilyUnavailable
		e.mu.Unlock()
		if recovering {
			e.setState(ServiceOK, "recovered")
		}
	case code == status.FileBusy:
		e.mu.Lock()
		e.shouldCheckConflict = true
		e.mu.Unlock()
	case code.IsTransient():
		e.setState(ServiceTemporarilyUnavailable, "transient failure: "+string(code))
	case code.IsAuthError():
		e.setState(ServiceAuthenticationRequired, string(code))
	case code.IsDatabaseError():
		e.setState(ServiceDisabled, "metadata store failure: "+string(code))
	}
}

// scheduleListChanges queues a listing unless one is already in flight.
func (e *SyncEngine) scheduleListChanges(priority taskman.Priority) {
	e.mu.Lock()
	if e.listingInFlight || !e.runnableLocked() {
		e.mu.Unlock()
		return
	}
	e.listingInFlight = true
	e.mu.Unlock()

	e.tasks.ScheduleTask(NewListChangesTask(e.store, e.remote),
		priority, true, e.didListChanges)
}

func (e *SyncEngine) didListChanges(code status.Code) {
	e.mu.Lock()
	e.listingInFlight = false
	e.lastListTime = time.Now()
	if code == status.OK {
		// Newly observed remote state may have dirtied trackers.
		e.shouldCheckConflict = true
	}
	e.mu.Unlock()
}

// taskGateOpen reports whether mutation tasks may be scheduled, and fails
// the callback when not.
func (e *SyncEngine) taskGateOpen(onDone func(status.Code)) bool {
	e.mu.Lock()
	ok := e.runnableLocked()
	state := e.state
	e.mu.Unlock()
	if ok {
		return true
	}

	if onDone != nil {
		switch state {
		case ServiceAuthenticationRequired:
			onDone(status.AuthenticationFailed)
		default:
			onDone(status.ServiceUnavailable)
		}
	}
	return false
}

func (e *SyncEngine) runnableLocked() bool {
	return e.syncEnabled && e.networkAvailable &&
		(e.state == ServiceOK || e.state == ServiceTemporarilyUnavailable)
}

func (e *SyncEngine) setState(state ServiceState, description string) {
	e.mu.Lock()
	if e.state == state {
		e.stateDescription = description
		e.mu.Unlock()
		return
	}
	e.state = state
	e.stateDescription = description
	observers := e.stateObservers
	e.mu.Unlock()

	slog.Info("service state changed", "state", state, "reason", description)
	for _, obs := range observers {
		obs(state, description)
	}
}

func (e *SyncEngine) notifyFileStatus(target syncfs.Target, action syncfs.SyncAction, direction syncfs.SyncDirection) {
	e.mu.Lock()
	observers := e.fileObservers
	e.mu.Unlock()
	for _, obs := range observers {
		obs(target, action, direction)
	}
}
