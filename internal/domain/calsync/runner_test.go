package calsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/api/calendar/v3"

	"github.com/clinicsync/clinicsync/internal/domain/syncstate"
	"github.com/clinicsync/clinicsync/internal/domain/vault"
	"github.com/clinicsync/clinicsync/internal/platform/lock"
)

type runnerEnv struct {
	runner    *Runner
	imports   *importEnv
	sessions  *fakeSessions
	directory *fakeDirectory
	locker    *lock.LocalLocker
}

func newRunnerEnv(channels ChannelConfig) *runnerEnv {
	imp := newImportEnv()
	imp.cal.list = singlePage("token-1")
	env := &runnerEnv{
		imports:   imp,
		sessions:  &fakeSessions{cal: imp.cal, err: map[uuid.UUID]error{}},
		directory: &fakeDirectory{resources: map[uuid.UUID]*Resource{}},
		locker:    lock.NewLocalLocker(),
	}
	env.runner = NewRunner(env.sessions, env.directory, imp.states, imp.importer, env.locker, channels, zerolog.Nop())
	env.runner.now = func() time.Time { return testNow }
	return env
}

func clinicID() *uuid.UUID {
	id := uuid.New()
	return &id
}

func TestRunCycle_ImportsAndStampsState(t *testing.T) {
	env := newRunnerEnv(ChannelConfig{})
	res := env.directory.add(clinicID())
	env.imports.cal.list = singlePage("token-1",
		timedEvent("ext-1", "2025-03-11T10:00:00Z", "2025-03-11T11:00:00Z"))

	result, err := env.runner.RunCycle(context.Background(), res.ID)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if result.Upserted != 1 || result.CalendarID != "primary" {
		t.Errorf("unexpected result %+v", result)
	}
	if b := env.imports.blocks.blocks["ext-1"]; b == nil || b.ClinicID != *res.ClinicID || b.ResourceID != res.ID {
		t.Errorf("block not attributed to the resource's clinic: %+v", b)
	}
	if _, ok := env.imports.states.synced[stateKey{res.ID, "primary"}]; !ok {
		t.Error("expected last_synced_at stamped")
	}
}

func TestRunCycle_MissingClinicAbortsBeforeCommit(t *testing.T) {
	env := newRunnerEnv(ChannelConfig{})
	res := env.directory.add(nil)

	if _, err := env.runner.RunCycle(context.Background(), res.ID); !errors.Is(err, ErrClinicNotResolved) {
		t.Fatalf("expected ErrClinicNotResolved, got %v", err)
	}
	if len(env.imports.cal.queries) != 0 {
		t.Error("no remote calls expected")
	}
	if len(env.imports.states.cursors) != 0 {
		t.Error("no cursor may be committed")
	}
}

func TestRunCycle_LockedCalendarIsBusy(t *testing.T) {
	env := newRunnerEnv(ChannelConfig{})
	res := env.directory.add(clinicID())
	release, err := env.locker.TryLock(context.Background(), "calsync:"+res.ID.String()+":primary", time.Minute)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}

	if _, err := env.runner.RunCycle(context.Background(), res.ID); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	release()
	if _, err := env.runner.RunCycle(context.Background(), res.ID); err != nil {
		t.Fatalf("expected cycle after release: %v", err)
	}
}

func TestRunCycle_Errors(t *testing.T) {
	env := newRunnerEnv(ChannelConfig{})
	if _, err := env.runner.RunCycle(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown resource, got %v", err)
	}

	res := env.directory.add(clinicID())
	env.sessions.err[res.ID] = vault.ErrRefreshFailed
	if _, err := env.runner.RunCycle(context.Background(), res.ID); !errors.Is(err, vault.ErrRefreshFailed) {
		t.Errorf("expected ErrRefreshFailed, got %v", err)
	}
	// The lock must be released after a failed cycle.
	delete(env.sessions.err, res.ID)
	if _, err := env.runner.RunCycle(context.Background(), res.ID); err != nil {
		t.Errorf("expected cycle to run after failure: %v", err)
	}
}

func TestSweep_ContinuesPastFailures(t *testing.T) {
	env := newRunnerEnv(ChannelConfig{})
	good := env.directory.add(clinicID())
	orphan := env.directory.add(nil)
	broken := env.directory.add(clinicID())
	env.sessions.err[broken.ID] = vault.ErrCredentialsNotFound
	env.sessions.connected = []uuid.UUID{orphan.ID, good.ID, broken.ID}

	synced, failed, err := env.runner.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if synced != 1 || failed != 2 {
		t.Errorf("expected 1 synced and 2 failed, got %d/%d", synced, failed)
	}
}

func TestEnsureChannel(t *testing.T) {
	env := newRunnerEnv(ChannelConfig{Address: "https://api.example/webhooks/google/calendar", Token: "secret", TTL: 24 * time.Hour})
	res := env.directory.add(clinicID())
	ctx := context.Background()

	if err := env.runner.EnsureChannel(ctx, res.ID); err != nil {
		t.Fatalf("EnsureChannel: %v", err)
	}
	if err := env.runner.EnsureChannel(ctx, res.ID); err != nil {
		t.Fatalf("EnsureChannel: %v", err)
	}
	if len(env.imports.cal.watches) != 1 {
		t.Fatalf("expected one watch for a live channel, got %d", len(env.imports.cal.watches))
	}
	w := env.imports.cal.watches[0]
	if w.Token != "secret" || w.TTL != 24*time.Hour || w.ChannelID == "" {
		t.Errorf("unexpected watch request %+v", w)
	}

	got, err := env.runner.ResolveChannel(ctx, w.ChannelID, "secret")
	if err != nil || got != res.ID {
		t.Errorf("expected channel to resolve to %s, got %s (%v)", res.ID, got, err)
	}
	if _, err := env.runner.ResolveChannel(ctx, w.ChannelID, "wrong"); err == nil {
		t.Error("expected token mismatch error")
	}
}

func TestEnsureChannel_DisabledWithoutAddress(t *testing.T) {
	env := newRunnerEnv(ChannelConfig{})
	res := env.directory.add(clinicID())
	if err := env.runner.EnsureChannel(context.Background(), res.ID); err != nil {
		t.Fatalf("EnsureChannel: %v", err)
	}
	if len(env.imports.cal.watches) != 0 {
		t.Error("no watch expected without a webhook address")
	}
}

func TestRenewExpiring(t *testing.T) {
	env := newRunnerEnv(ChannelConfig{Address: "https://api.example/hook", TTL: 168 * time.Hour})
	soon := env.directory.add(clinicID())
	later := env.directory.add(clinicID())
	gone := env.directory.add(clinicID())
	states := env.imports.states
	states.channels[stateKey{soon.ID, "primary"}] = syncstate.ChannelMeta{ChannelID: "old-soon", ResourceID: "r1", ExpiresAt: testNow.Add(2 * time.Hour)}
	states.channels[stateKey{later.ID, "primary"}] = syncstate.ChannelMeta{ChannelID: "old-later", ResourceID: "r2", ExpiresAt: testNow.Add(72 * time.Hour)}
	states.channels[stateKey{gone.ID, "primary"}] = syncstate.ChannelMeta{ChannelID: "old-gone", ResourceID: "r3", ExpiresAt: testNow.Add(time.Hour)}
	env.sessions.err[gone.ID] = vault.ErrCredentialsNotFound

	renewed, failed, err := env.runner.RenewExpiring(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("RenewExpiring: %v", err)
	}
	if renewed != 1 || failed != 1 {
		t.Errorf("expected 1 renewed and 1 failed, got %d/%d", renewed, failed)
	}
	if ch := states.channels[stateKey{soon.ID, "primary"}]; ch.ChannelID == "old-soon" || !ch.ExpiresAt.Equal(testNow.Add(168*time.Hour)) {
		t.Errorf("expected a fresh channel, got %+v", ch)
	}
	if ch := states.channels[stateKey{later.ID, "primary"}]; ch.ChannelID != "old-later" {
		t.Error("channels outside the lead window must be left alone")
	}
	if _, ok := states.channels[stateKey{gone.ID, "primary"}]; ok {
		t.Error("channels of disconnected calendars must be dropped")
	}
	if len(env.imports.cal.stopped) != 1 || env.imports.cal.stopped[0] != "old-soon" {
		t.Errorf("expected the replaced channel stopped, got %v", env.imports.cal.stopped)
	}
}

func TestTriggerSync_RunsInline(t *testing.T) {
	env := newRunnerEnv(ChannelConfig{})
	res := env.directory.add(clinicID())
	env.imports.cal.list = singlePage("t1", &calendar.Event{Id: "x", Status: "cancelled"})
	if err := env.runner.TriggerSync(context.Background(), res.ID); err != nil {
		t.Fatalf("TriggerSync: %v", err)
	}
	if env.imports.states.cursors[stateKey{res.ID, "primary"}] != "t1" {
		t.Error("expected cursor committed by inline cycle")
	}
}
