//go:build integration

package integration

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/verdantgrid/grassmon/internal/domain"
	"github.com/verdantgrid/grassmon/internal/infra"
	"github.com/verdantgrid/grassmon/internal/monitor"
	"github.com/verdantgrid/grassmon/internal/orchestrator"
	"github.com/verdantgrid/grassmon/internal/retry"
	"github.com/verdantgrid/grassmon/internal/setup"
)

// fakeClient stands in for the desktop process.
type fakeClient struct {
	alive  bool
	starts int
	stops  int
}

func (c *fakeClient) Start(ctx context.Context) error {
	c.starts++
	c.alive = true
	return nil
}

func (c *fakeClient) Alive() bool              { return c.alive }
func (c *fakeClient) Stop(time.Duration) error { c.stops++; c.alive = false; return nil }

// fakeUI is a scriptable window prober and input injector: the window is
// found when present, and every injected action succeeds unless failLogins
// is still positive when the login submits.
type fakeUI struct {
	window     bool
	actions    int
	failLogins int
	logins     int
}

func (u *fakeUI) Find(ctx context.Context, marker string, policy domain.RetryPolicy) ([]domain.WindowHandle, error) {
	if !u.window {
		return nil, nil
	}
	return []domain.WindowHandle{"100"}, nil
}

func (u *fakeUI) Focus(ctx context.Context, w domain.WindowHandle) (bool, error) {
	u.actions++
	return true, nil
}

func (u *fakeUI) SendKey(ctx context.Context, key string) (bool, error) {
	u.actions++
	if key == "Return" {
		u.logins++
		if u.failLogins > 0 {
			u.failLogins--
			return false, nil
		}
	}
	return true, nil
}

func (u *fakeUI) TypeText(ctx context.Context, text string, d time.Duration) (bool, error) {
	u.actions++
	return true, nil
}

var _ = Describe("Orchestrated lifecycle", func() {
	var (
		tmpDir  string
		client  *fakeClient
		ui      *fakeUI
		marker  *infra.FileMarkerStore
		store   *infra.EncryptedSessionStore
		logger  *zap.Logger
		noSleep func(time.Duration)
	)

	creds := domain.Credentials{Identifier: "user@example.com", Secret: "hunter2"}
	policy := domain.RetryPolicy{MaxAttempts: 3, BaseMultiplier: 1, JitterMin: 1, JitterMax: 1}

	newMachine := func() *setup.Machine {
		script := setup.NewDesktopScriptWithDeps(ui, ui, "Grass", policy, noSleep, logger)
		backoff := retry.NewWithRand(policy, rand.New(rand.NewSource(1)))
		return setup.NewMachineWithDeps(client, marker, script, backoff, noSleep, logger)
	}

	// watchResults feeds the monitor probe: true keeps monitoring, false
	// triggers a connection-loss.
	newMonitor := func(results ...bool) *monitor.Monitor {
		i := 0
		probe := func(ctx context.Context) (bool, error) {
			if i < len(results) {
				v := results[i]
				i++
				return v, nil
			}
			return true, nil
		}
		wait := func(ctx context.Context, d time.Duration) error {
			if i >= len(results) {
				// Out of scripted health checks; end the run like an
				// operator would.
				return context.Canceled
			}
			return ctx.Err()
		}
		return monitor.NewWithDeps(client, probe, time.Minute, time.Minute,
			rand.New(rand.NewSource(2)), wait, logger)
	}

	newOrchestrator := func(mon *monitor.Monitor, c domain.Credentials) *orchestrator.Orchestrator {
		return orchestrator.New(client, newMachine(), mon, store, orchestrator.Options{
			Credentials:    c,
			Autologin:      true,
			Strategy:       "desktop",
			LaunchRetry:    policy,
			TerminateGrace: time.Second,
			Heartbeat:      time.Millisecond,
		}, logger)
	}

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "grassmon-integration-*")
		Expect(err).NotTo(HaveOccurred())

		client = &fakeClient{}
		ui = &fakeUI{window: true}
		marker = infra.NewFileMarkerStore(filepath.Join(tmpDir, ".grass-configured"))
		logger = zap.NewNop()
		noSleep = func(time.Duration) {}

		keys := infra.NewFileKeyProvider(tmpDir)
		key, err := keys.EnsureKey()
		Expect(err).NotTo(HaveOccurred())
		store, err = infra.NewEncryptedSessionStore(tmpDir, key)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		store.Close()
		os.RemoveAll(tmpDir)
	})

	Describe("first run on a fresh host", func() {
		It("logs in, monitors, and records the run", func() {
			orch := newOrchestrator(newMonitor(true, true), creds)

			err := orch.Run(context.Background())
			Expect(err).NotTo(HaveOccurred())

			Expect(client.starts).To(Equal(1))
			Expect(client.stops).To(Equal(1), "shutdown terminates the client")
			Expect(ui.logins).To(Equal(1))
			Expect(marker.IsSet()).To(BeTrue(), "success sets the configured marker")
			Expect(orch.Mode()).To(Equal(domain.ModeTerminated))

			runs, err := store.RecentRuns(10)
			Expect(err).NotTo(HaveOccurred())
			Expect(runs).To(HaveLen(1))
			Expect(runs[0].Outcome).To(Equal("shutdown"))
			Expect(runs[0].Strategy).To(Equal("desktop"))
		})
	})

	Describe("second run on a configured host", func() {
		It("injects nothing and goes straight to monitoring", func() {
			Expect(marker.Set()).To(Succeed())

			orch := newOrchestrator(newMonitor(true), creds)
			Expect(orch.Run(context.Background())).To(Succeed())

			Expect(ui.actions).To(BeZero(), "a configured host sees no synthetic input")
		})
	})

	Describe("connection loss during monitoring", func() {
		It("re-runs the login even though the marker is set", func() {
			orch := newOrchestrator(newMonitor(true, false, true), creds)

			Expect(orch.Run(context.Background())).To(Succeed())

			Expect(ui.logins).To(Equal(2), "initial login plus one reconnect")
			Expect(client.stops).To(Equal(1))
		})
	})

	Describe("login that keeps failing", func() {
		It("degrades to manual mode and keeps the client up until shutdown", func() {
			ui.failLogins = 99

			ctx, cancel := context.WithCancel(context.Background())
			time.AfterFunc(50*time.Millisecond, cancel)

			orch := newOrchestrator(newMonitor(), creds)
			Expect(orch.Run(ctx)).To(Succeed())

			Expect(ui.logins).To(Equal(policy.MaxAttempts))
			Expect(marker.IsSet()).To(BeFalse())
			Expect(client.stops).To(Equal(1), "shutdown still terminates the client")
		})
	})

	Describe("missing credentials", func() {
		It("runs the client in manual mode without touching it", func() {
			ctx, cancel := context.WithCancel(context.Background())
			time.AfterFunc(50*time.Millisecond, cancel)

			orch := newOrchestrator(newMonitor(), domain.Credentials{})
			Expect(orch.Run(ctx)).To(Succeed())

			Expect(client.starts).To(Equal(1))
			Expect(ui.actions).To(BeZero())
			Expect(marker.IsSet()).To(BeFalse())
		})
	})
})
