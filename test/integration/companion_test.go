//go:build integration

package integration

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/eliteGoblin/focusd/companion/internal/config"
	"github.com/eliteGoblin/focusd/companion/internal/daemon"
	"github.com/eliteGoblin/focusd/companion/internal/domain"
	"github.com/eliteGoblin/focusd/companion/internal/infra"
	"github.com/eliteGoblin/focusd/companion/internal/protocol"
)

// relayHarness drives one in-process Relay through pipes standing in for
// the browser's stdio.
type relayHarness struct {
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	exits   chan daemon.RelayExit
	errs    chan error
}

func startRelay(b *daemon.Bootstrap, settings domain.SettingsStore) *relayHarness {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	h := &relayHarness{
		stdinW:  stdinW,
		stdoutR: stdoutR,
		exits:   make(chan daemon.RelayExit, 1),
		errs:    make(chan error, 1),
	}
	relay := b.NewRelay(settings, stdinR, stdoutW)
	go func() {
		exit, err := relay.Run(context.Background())
		h.exits <- exit
		h.errs <- err
	}()
	DeferCleanup(func() {
		stdinW.Close()
		stdoutR.Close()
	})
	return h
}

func (h *relayHarness) send(payload string) {
	Expect(protocol.WriteFrame(h.stdinW, []byte(payload))).To(Succeed())
}

func (h *relayHarness) receive() protocol.Message {
	frames := make(chan []byte, 1)
	go func() {
		payload, err := protocol.ReadFrame(h.stdoutR)
		if err == nil {
			frames <- payload
		}
	}()

	var payload []byte
	Eventually(frames, 5*time.Second).Should(Receive(&payload))
	msg, err := protocol.Decode(payload)
	Expect(err).NotTo(HaveOccurred())
	return msg
}

func (h *relayHarness) wait() (daemon.RelayExit, error) {
	var exit daemon.RelayExit
	Eventually(h.exits, 5*time.Second).Should(Receive(&exit))
	return exit, <-h.errs
}

var _ = Describe("Companion", func() {
	var (
		tmpDir     string
		b          *daemon.Bootstrap
		db         *infra.SettingsDB
		activated  atomic.Int32
		stopServer context.CancelFunc
		served     chan error
	)

	startPrimary := func() {
		outcome, err := b.NewArbiter().Arbitrate(context.Background(), domain.LaunchContext{})
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome.IsPrimary()).To(BeTrue())

		primary := b.NewPrimary(db, func() { activated.Add(1) })
		var ctx context.Context
		ctx, stopServer = context.WithCancel(context.Background())
		served = make(chan error, 1)
		go func() { served <- primary.Run(ctx) }()

		Eventually(func() error {
			_, err := os.Stat(b.Paths.SocketPath)
			return err
		}, 2*time.Second, 10*time.Millisecond).Should(Succeed())
	}

	stopPrimary := func() {
		if stopServer == nil {
			return
		}
		stopServer()
		Eventually(served, 5*time.Second).Should(Receive())
		stopServer = nil
	}

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "fdi")
		Expect(err).NotTo(HaveOccurred())

		paths := infra.PathsForDir(filepath.Join(tmpDir, "data"), os.Getuid())
		paths.SocketPath = filepath.Join(tmpDir, "c.sock")

		cfg := config.Default()
		cfg.Budgets = map[string]int{"youtube": 1}
		cfg.Relay.ConnectAttempts = 5
		cfg.Relay.ConnectInterval = 50 * time.Millisecond

		b, err = daemon.NewBootstrap(paths, cfg, nil)
		Expect(err).NotTo(HaveOccurred())

		db, err = b.OpenSettings()
		Expect(err).NotTo(HaveOccurred())
		activated.Store(0)
	})

	AfterEach(func() {
		stopPrimary()
		b.Lifecycle.RunHooks()
		db.Close()
		os.RemoveAll(tmpDir)
	})

	Describe("relaying extension traffic", func() {
		BeforeEach(func() {
			startPrimary()
		})

		It("answers PING with PONG through a relay", func() {
			relay := startRelay(b, db)
			relay.send(`{"type":"PING"}`)

			msg := relay.receive()
			Expect(msg.MessageType()).To(Equal(protocol.TypePong))
			Expect(msg.(protocol.Pong).Timestamp).To(BeNumerically(">", 0))
		})

		It("keeps the relay usable after a malformed frame", func() {
			relay := startRelay(b, db)
			relay.send(`{"type":`)
			relay.send(`{"type":"PING"}`)

			Expect(relay.receive().MessageType()).To(Equal(protocol.TypePong))
		})

		It("records usage and reports it in STATUS", func() {
			relay := startRelay(b, db)
			relay.send(`{"type":"TIME_UPDATE","platform":"youtube","browser":"chrome","seconds":30}`)
			relay.send(`{"type":"GET_STATUS"}`)

			status, ok := relay.receive().(protocol.Status)
			Expect(ok).To(BeTrue())
			Expect(status.Budgets).To(ContainElement(protocol.BudgetStatus{
				Platform:      "youtube",
				MinutesUsed:   0.5,
				BudgetMinutes: 1,
				Exceeded:      false,
			}))
		})

		It("pushes BUDGET_EXCEEDED to every connected relay", func() {
			first := startRelay(b, db)
			second := startRelay(b, db)

			// Both relays must be connected before the budget runs out
			first.send(`{"type":"PING"}`)
			Expect(first.receive().MessageType()).To(Equal(protocol.TypePong))
			second.send(`{"type":"PING"}`)
			Expect(second.receive().MessageType()).To(Equal(protocol.TypePong))

			first.send(`{"type":"TIME_UPDATE","platform":"youtube","browser":"chrome","seconds":61}`)

			for _, relay := range []*relayHarness{first, second} {
				msg := relay.receive()
				Expect(msg).To(BeAssignableToTypeOf(protocol.BudgetExceeded{}))
				Expect(msg.(protocol.BudgetExceeded).Platform).To(Equal("youtube"))
			}
		})

		It("ends the relay quietly when the browser closes stdin", func() {
			relay := startRelay(b, db)
			relay.send(`{"type":"PING"}`)
			relay.receive()

			relay.stdinW.Close()
			exit, err := relay.wait()
			Expect(err).NotTo(HaveOccurred())
			Expect(exit).To(Equal(daemon.ExitBrowserClosed))

			marker, err := b.Markers.NoRelaunch()
			Expect(err).NotTo(HaveOccurred())
			Expect(marker.Exists).To(BeFalse())
		})
	})

	Describe("a second launch", func() {
		It("defers to the running primary and activates it", func() {
			startPrimary()

			Eventually(func() int32 {
				outcome, err := b.NewArbiter().Arbitrate(context.Background(), domain.LaunchContext{})
				Expect(err).NotTo(HaveOccurred())
				Expect(outcome.IsPrimary()).To(BeFalse())
				return activated.Load()
			}, 2*time.Second, 50*time.Millisecond).Should(BeNumerically(">=", 1))
		})
	})

	Describe("when the primary dies", func() {
		It("leaves a fresh marker and the next relay stays away", func() {
			startPrimary()
			relay := startRelay(b, db)
			relay.send(`{"type":"PING"}`)
			relay.receive()

			stopPrimary()

			exit, err := relay.wait()
			Expect(err).NotTo(HaveOccurred())
			Expect(exit).To(Equal(daemon.ExitPrimaryClosed))

			marker, err := b.Markers.NoRelaunch()
			Expect(err).NotTo(HaveOccurred())
			Expect(marker.Fresh(time.Now(), 30*time.Second)).To(BeTrue())

			next := startRelay(b, db)
			exit, err = next.wait()
			Expect(err).NotTo(HaveOccurred())
			Expect(exit).To(Equal(daemon.ExitRecentlyKilled))
		})
	})

	Describe("after the user quits", func() {
		It("refuses to relaunch from the browser", func() {
			Expect(db.SetAutoLaunchAllowed(false)).To(Succeed())

			relay := startRelay(b, db)
			exit, err := relay.wait()
			Expect(err).NotTo(HaveOccurred())
			Expect(exit).To(Equal(daemon.ExitAutoLaunchDisabled))
		})
	})

	Describe("terminating the primary", func() {
		terminate := func() int {
			exits := make(chan int, 1)
			lifecycle := daemon.NewLifecycleWithExit(nil, func(code int) { exits <- code })
			daemon.NewSignalHandler(domain.LaunchContext{}, b.Markers, lifecycle, nil).Terminate(syscall.SIGTERM)
			return <-exits
		}

		It("writes the marker outside strict mode", func() {
			Expect(terminate()).To(Equal(0))

			marker, err := b.Markers.NoRelaunch()
			Expect(err).NotTo(HaveOccurred())
			Expect(marker.Fresh(time.Now(), 30*time.Second)).To(BeTrue())
		})

		It("leaves no marker in strict mode", func() {
			Expect(b.Markers.SetStrictMode(true)).To(Succeed())
			Expect(terminate()).To(Equal(0))

			marker, err := b.Markers.NoRelaunch()
			Expect(err).NotTo(HaveOccurred())
			Expect(marker.Exists).To(BeFalse())
		})
	})
})
