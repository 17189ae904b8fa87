// Package orchestrator implements the Session Orchestrator (spec.md §4.6):
// the state machine binding the Image Store, iSCSI Adapter, Boot-file
// Generator, and Process Runner (DHCP reload) into StartSession/StopSession,
// with per-machine serialization, crash recovery, and heartbeat timeout
// handling. Structurally this mirrors the teacher's mantle/platform.Cluster,
// which binds Machine lifecycle to a per-cluster lock and a set of
// collaborating subsystems (network, storage) the same way this binds
// Session lifecycle to a per-machine lock and the collaborators above.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/coreos/pkg/capnslog"

	"github.com/itcaffenet/ggnet/internal/audit"
	"github.com/itcaffenet/ggnet/internal/bootfiles"
	"github.com/itcaffenet/ggnet/internal/domain"
	"github.com/itcaffenet/ggnet/internal/eventbus"
	"github.com/itcaffenet/ggnet/internal/ggneterr"
	"github.com/itcaffenet/ggnet/internal/imagestore"
	"github.com/itcaffenet/ggnet/internal/iscsi"
	"github.com/itcaffenet/ggnet/internal/preflight"
	"github.com/itcaffenet/ggnet/internal/processrunner"
	"github.com/itcaffenet/ggnet/internal/store"
)

var plog = capnslog.NewPackageLogger("github.com/itcaffenet/ggnet", "orchestrator")

// Orchestrator binds the State Store, Event Bus, Image Store, iSCSI
// Adapter, Boot-file Generator, and Process Runner into the session state
// machine.
type Orchestrator struct {
	st        *store.Store
	bus       *eventbus.Bus
	auditLog  *audit.Log
	images    *imagestore.Store
	iscsi     *iscsi.Adapter
	boot      *bootfiles.Generator
	runner    *processrunner.Runner
	preflight *preflight.Checker

	dhcpReloadProgram string
	dhcpReloadArgs    []string
	dhcpReloadTimeout time.Duration
	iqnAuthority      string
	heartbeatTimeout  time.Duration

	locksMu sync.Mutex
	locks   map[domain.ID]*sync.Mutex
}

// Config bundles the construction-time settings New needs beyond its
// component dependencies.
type Config struct {
	DHCPReloadProgram string
	DHCPReloadArgs    []string
	DHCPReloadTimeout time.Duration
	IQNAuthority      string
	HeartbeatTimeout  time.Duration
}

// New returns an Orchestrator wired to its collaborators.
func New(
	st *store.Store,
	bus *eventbus.Bus,
	auditLog *audit.Log,
	images *imagestore.Store,
	iscsiAdapter *iscsi.Adapter,
	boot *bootfiles.Generator,
	runner *processrunner.Runner,
	checker *preflight.Checker,
	cfg Config,
) *Orchestrator {
	return &Orchestrator{
		st:                st,
		bus:               bus,
		auditLog:          auditLog,
		images:            images,
		iscsi:             iscsiAdapter,
		boot:              boot,
		runner:            runner,
		preflight:         checker,
		dhcpReloadProgram: cfg.DHCPReloadProgram,
		dhcpReloadArgs:    cfg.DHCPReloadArgs,
		dhcpReloadTimeout: cfg.DHCPReloadTimeout,
		iqnAuthority:      cfg.IQNAuthority,
		heartbeatTimeout:  cfg.HeartbeatTimeout,
		locks:             make(map[domain.ID]*sync.Mutex),
	}
}

// machineLock returns the per-machine mutex, creating it on first use
// (spec.md §5: "per-machine lock... held only for the duration of a single
// start or stop").
func (o *Orchestrator) machineLock(machineID domain.ID) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	l, ok := o.locks[machineID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[machineID] = l
	}
	return l
}

func (o *Orchestrator) record(ctx context.Context, action string, resourceID domain.ID, outcome, detail string) {
	o.auditLog.Record(ctx, domain.AuditEvent{
		Actor:      "orchestrator",
		Action:     action,
		Resource:   "session",
		ResourceID: resourceID,
		Outcome:    outcome,
		Detail:     detail,
	})
}

func (o *Orchestrator) reloadDHCP(ctx context.Context) error {
	if o.dhcpReloadProgram == "" {
		return nil
	}
	_, err := o.runner.Run(ctx, o.dhcpReloadProgram, o.dhcpReloadArgs, o.dhcpReloadTimeout)
	if err != nil {
		return ggneterr.Wrap(ggneterr.DHCPReloadErr, err, "orchestrator: reloading dhcp service")
	}
	return nil
}

// StartSession implements spec.md §4.6's StartSession contract.
func (o *Orchestrator) StartSession(ctx context.Context, machineID, imageID domain.ID, sessionType domain.SessionType, clientIP string) (*domain.Session, error) {
	report := o.preflight.Run(ctx)
	if !report.Green {
		return nil, ggneterr.New(ggneterr.SystemNotReady, "pre-flight checks are not all green")
	}

	machine, err := o.st.GetMachine(machineID)
	if err != nil {
		return nil, err
	}
	if machine.Disabled {
		return nil, ggneterr.New(ggneterr.NotFound, "machine is disabled")
	}

	image, err := o.st.GetImage(imageID)
	if err != nil {
		return nil, err
	}
	if image.Status != domain.ImageReady {
		return nil, ggneterr.New(ggneterr.ImageNotReady, "image is not READY")
	}

	lock := o.machineLock(machineID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := o.st.CreateSessionIfNoneActive(domain.Session{
		MachineID:   machineID,
		ImageID:     imageID,
		SessionType: sessionType,
		ClientIP:    clientIP,
		Status:      domain.SessionPending,
	})
	if err != nil {
		return nil, err
	}
	o.bus.Publish("session.pending", sess.ID)
	o.record(ctx, "session.start", sess.ID, "pending", "")

	sess, err = o.st.UpdateSession(sess.ID, func(s *domain.Session) { s.Status = domain.SessionStarting })
	if err != nil {
		return nil, ggneterr.NewInternal(err, "orchestrator: updating just-created session to STARTING")
	}

	initIQN := initiatorIQN(o.iqnAuthority, machine.MACAddress)
	iqn := targetIQN(o.iqnAuthority, machineID, imageID)

	sess, err = o.st.UpdateSession(sess.ID, func(s *domain.Session) { s.InitiatorIQN = initIQN })
	if err != nil {
		return nil, ggneterr.NewInternal(err, "orchestrator: recording initiator IQN on session")
	}

	target, err := o.iscsi.CreateTarget(ctx, *machine, *image, iqn, initIQN, 0)
	if err != nil {
		o.failSession(ctx, sess.ID, err)
		return nil, err
	}
	storedTarget, err := o.st.CreateTarget(*target)
	if err != nil {
		o.iscsi.DeleteTarget(ctx, *target)
		o.failSession(ctx, sess.ID, err)
		return nil, err
	}
	o.bus.Publish("target.created", storedTarget.ID)

	if _, err := o.st.UpdateSession(sess.ID, func(s *domain.Session) { s.TargetID = storedTarget.ID }); err != nil {
		o.iscsi.DeleteTarget(ctx, *storedTarget)
		iErr := ggneterr.NewInternal(err, "orchestrator: recording target id on session")
		o.failSession(ctx, sess.ID, iErr)
		return nil, iErr
	}

	if _, err := o.boot.WriteIPXEScript(*machine, storedTarget.LUNID, iqn, initIQN); err != nil {
		o.iscsi.DeleteTarget(ctx, *storedTarget)
		o.failSession(ctx, sess.ID, err)
		return nil, err
	}
	if _, err := o.boot.WriteDHCPFragment(*machine); err != nil {
		o.boot.RemoveIPXEScript(*machine)
		o.iscsi.DeleteTarget(ctx, *storedTarget)
		o.failSession(ctx, sess.ID, err)
		return nil, err
	}

	if err := o.reloadDHCP(ctx); err != nil {
		o.boot.RemoveDHCPFragment(*machine)
		o.boot.RemoveIPXEScript(*machine)
		o.iscsi.DeleteTarget(ctx, *storedTarget)
		o.failSession(ctx, sess.ID, err)
		return nil, err
	}

	now := time.Now().UTC()
	sess, err = o.st.UpdateSession(sess.ID, func(s *domain.Session) {
		s.Status = domain.SessionActive
		s.StartedAt = now
		s.LastActivity = now
	})
	if err != nil {
		return nil, ggneterr.NewInternal(err, "orchestrator: updating session to ACTIVE")
	}
	o.bus.Publish("session.started", sess.ID)
	o.record(ctx, "session.start", sess.ID, "active", "")
	return sess, nil
}

func (o *Orchestrator) failSession(ctx context.Context, sessionID domain.ID, cause error) {
	if _, err := o.st.UpdateSession(sessionID, func(s *domain.Session) {
		s.Status = domain.SessionError
		s.ErrorMessage = cause.Error()
	}); err != nil {
		plog.Errorf("failed to mark session %s as ERROR: %v", sessionID, err)
	}
	o.bus.Publish("session.failed", sessionID)
	o.record(ctx, "session.start", sessionID, "error", cause.Error())
}

// StopSession implements spec.md §4.6's symmetric StopSession path:
// best-effort teardown that always attempts every step even if an earlier
// one failed.
func (o *Orchestrator) StopSession(ctx context.Context, sessionID domain.ID) error {
	sess, err := o.st.GetSession(sessionID)
	if err != nil {
		return err
	}
	if sess.Status.IsTerminal() {
		return ggneterr.New(ggneterr.Conflict, "session is already terminal")
	}

	lock := o.machineLock(sess.MachineID)
	lock.Lock()
	defer lock.Unlock()

	return o.teardown(ctx, sess, domain.SessionStopped, "session.stopped")
}

// teardown performs the shared STOPPING cleanup sequence used by
// StopSession, heartbeat timeout, and crash recovery, finishing in
// finalStatus (STOPPED, ERROR, or TIMEOUT).
func (o *Orchestrator) teardown(ctx context.Context, sess *domain.Session, finalStatus domain.SessionStatus, finalTopic string) error {
	if sess.Status != domain.SessionStopping {
		if _, err := o.st.UpdateSession(sess.ID, func(s *domain.Session) { s.Status = domain.SessionStopping }); err != nil {
			return ggneterr.NewInternal(err, "orchestrator: updating session to STOPPING")
		}
	}

	machine, machErr := o.st.GetMachine(sess.MachineID)
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if machErr == nil {
		note(o.boot.RemoveDHCPFragment(*machine))
		note(o.boot.RemoveIPXEScript(*machine))
	} else {
		note(machErr)
	}

	if sess.TargetID != "" {
		if target, err := o.st.GetTarget(sess.TargetID); err == nil {
			note(o.iscsi.DeleteTarget(ctx, *target))
			note(o.st.DeleteTarget(target.ID))
			o.bus.Publish("target.deleted", target.ID)
		}
	}

	note(o.reloadDHCP(ctx))

	updated, err := o.st.UpdateSession(sess.ID, func(s *domain.Session) {
		s.Status = finalStatus
		s.EndedAt = time.Now().UTC()
		if firstErr != nil {
			s.ErrorMessage = firstErr.Error()
		}
	})
	if err != nil {
		return ggneterr.NewInternal(err, "orchestrator: updating session to its final status")
	}
	o.bus.Publish(finalTopic, updated.ID)
	o.record(ctx, "session.stop", updated.ID, string(finalStatus), errString(firstErr))
	return firstErr
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Heartbeat records client activity for a session (spec.md §4.6).
func (o *Orchestrator) Heartbeat(sessionID domain.ID) error {
	_, err := o.st.UpdateSession(sessionID, func(s *domain.Session) {
		s.LastActivity = time.Now().UTC()
	})
	return err
}

// CheckTimeouts scans ACTIVE sessions and transitions any whose last
// activity is older than the configured heartbeat timeout to TIMEOUT,
// running the same cleanup path as StopSession (spec.md §4.6).
func (o *Orchestrator) CheckTimeouts(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-o.heartbeatTimeout)
	for _, sess := range o.st.ListSessions() {
		if sess.Status != domain.SessionActive {
			continue
		}
		if sess.LastActivity.IsZero() || sess.LastActivity.After(cutoff) {
			continue
		}
		lock := o.machineLock(sess.MachineID)
		lock.Lock()
		s := sess
		if err := o.teardown(ctx, &s, domain.SessionTimeout, "session.timeout"); err != nil {
			plog.Warningf("timeout cleanup for session %s reported: %v", sess.ID, err)
		}
		lock.Unlock()
	}
}

// RecoverOnStartup implements spec.md §4.6's crash recovery: sessions left
// in PENDING/STARTING/STOPPING are cleaned up and marked ERROR or STOPPED;
// ACTIVE sessions are verified live against the iSCSI Adapter.
func (o *Orchestrator) RecoverOnStartup(ctx context.Context) {
	for _, sess := range o.st.ActiveSessionsForRecovery() {
		s := sess
		lock := o.machineLock(s.MachineID)
		lock.Lock()

		switch s.Status {
		case domain.SessionPending, domain.SessionStarting:
			if err := o.teardown(ctx, &s, domain.SessionError, "session.failed"); err != nil {
				plog.Warningf("recovery cleanup for session %s (%s) reported: %v", s.ID, s.Status, err)
			}
		case domain.SessionStopping:
			if err := o.teardown(ctx, &s, domain.SessionStopped, "session.stopped"); err != nil {
				plog.Warningf("recovery cleanup for session %s (STOPPING) reported: %v", s.ID, err)
			}
		case domain.SessionActive:
			o.recoverActiveSession(ctx, &s)
		}

		lock.Unlock()
	}
}

func (o *Orchestrator) recoverActiveSession(ctx context.Context, sess *domain.Session) {
	if sess.TargetID == "" {
		return
	}
	target, err := o.st.GetTarget(sess.TargetID)
	if err != nil {
		o.failSession(ctx, sess.ID, err)
		return
	}
	status := o.iscsi.GetStatus(*target)
	if !status.Exists || !status.BackstoreOK {
		if err := o.teardown(ctx, sess, domain.SessionError, "session.failed"); err != nil {
			plog.Warningf("recovery cleanup for broken ACTIVE session %s reported: %v", sess.ID, err)
		}
		return
	}
	plog.Infof("session %s verified still ACTIVE on restart", sess.ID)
}
