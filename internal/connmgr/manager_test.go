package connmgr

import (
    "context"
    "errors"
    "io"
    "net"
    "sync"
    "time"

    . "github.com/onsi/ginkgo/v2"
    . "github.com/onsi/gomega"

    "github.com/kabeersohail/BluetoothCommunication/internal/transport"
)

var _ = Describe("Manager", func() {
    var (
        ft   *fakeTransport
        m    *Manager
        rec  *recorder
        peer transport.Peer
    )

    BeforeEach(func() {
        ft = newFakeTransport()
        m = New(ft, Options{})
        rec = record(m)
        peer = transport.Peer{Name: "Emitter", Address: "AA:BB:CC:DD:EE:FF"}
    })

    AfterEach(func() {
        Expect(m.Close()).To(Succeed())
        Eventually(rec.done).Should(BeClosed())
    })

    // acceptFrom drives the manager to Connected through the listener.
    acceptFrom := func(p transport.Peer) (*fakeSocket, net.Conn) {
        m.StartListening()
        Eventually(ft.currentListener).ShouldNot(BeNil())
        sock, remote := newSocketPair(p)
        Eventually(ft.currentListener().incoming).Should(BeSent(transport.Socket(sock)))
        Eventually(m.State).Should(Equal(StateConnected))
        return sock, remote
    }

    currentSession := func() *session {
        m.mu.Lock()
        defer m.mu.Unlock()
        s, _ := m.active.(*session)
        return s
    }

    It("starts Idle", func() {
        Expect(m.State()).To(Equal(StateIdle))
        Expect(m.State().String()).To(Equal("Idle"))
    })

    Describe("listening", func() {
        It("reports ListeningStarted then Connected for an accepted peer", func() {
            acceptFrom(peer)

            Eventually(rec.kinds).Should(Equal([]EventKind{EventListeningStarted, EventConnected}))
            Expect(rec.last(EventConnected).Peer).To(Equal(peer))
            Expect(ft.currentListener().isClosed()).To(BeTrue())
        })

        It("is idempotent while a listener is active", func() {
            m.StartListening()
            m.StartListening()

            Eventually(ft.listens.Load).Should(BeEquivalentTo(1))
            Consistently(ft.listens.Load, 100*time.Millisecond).Should(BeEquivalentTo(1))
            Expect(rec.count(EventListeningStarted)).To(Equal(1))
            Expect(m.State()).To(Equal(StateListening))
        })

        It("stops silently when cancelled before any accept", func() {
            m.StartListening()
            Eventually(ft.currentListener).ShouldNot(BeNil())

            m.Stop()

            Expect(m.State()).To(Equal(StateIdle))
            Expect(ft.currentListener().isClosed()).To(BeTrue())
            Eventually(rec.kinds).Should(Equal([]EventKind{EventListeningStarted}))
            Consistently(rec.kinds, 200*time.Millisecond).Should(Equal([]EventKind{EventListeningStarted}))
        })

        It("reports a bind failure once and returns to Idle", func() {
            ft.bindErr = errors.New("channel 22 busy")
            m.StartListening()

            Eventually(rec.kinds).Should(Equal([]EventKind{EventListeningStarted, EventConnectionFailed}))
            Expect(rec.last(EventConnectionFailed).Reason).To(ContainSubstring("channel 22 busy"))
            Expect(m.State()).To(Equal(StateIdle))
        })

        It("reports an accept failure and closes the endpoint", func() {
            m.StartListening()
            Eventually(ft.currentListener).ShouldNot(BeNil())
            l := ft.currentListener()
            l.acceptErr <- errors.New("adapter gone")

            Eventually(rec.kinds).Should(Equal([]EventKind{EventListeningStarted, EventConnectionFailed}))
            Expect(rec.last(EventConnectionFailed).Reason).To(HavePrefix("server accept failed"))
            Expect(rec.last(EventConnectionFailed).Err).To(MatchError(ContainSubstring("adapter gone")))
            Expect(m.State()).To(Equal(StateIdle))
            Expect(l.isClosed()).To(BeTrue())
        })

        It("can listen again after a failure", func() {
            ft.bindErr = errors.New("busy")
            m.StartListening()
            Eventually(m.State).Should(Equal(StateIdle))
            Eventually(rec.kinds).Should(HaveLen(2))

            ft.mu.Lock()
            ft.bindErr = nil
            ft.mu.Unlock()
            acceptFrom(peer)
            Eventually(rec.kinds).Should(Equal([]EventKind{
                EventListeningStarted, EventConnectionFailed, EventListeningStarted, EventConnected,
            }))
        })
    })

    Describe("dialing", func() {
        It("reports Connecting then Connected and cancels discovery first", func() {
            ft.setDial(func(ctx context.Context, p transport.Peer) (transport.Socket, error) {
                sock, _ := newSocketPair(p)
                return sock, nil
            })
            m.Dial(peer)

            Eventually(m.State).Should(Equal(StateConnected))
            Eventually(rec.kinds).Should(Equal([]EventKind{EventConnecting, EventConnected}))
            Expect(rec.last(EventConnecting).Peer).To(Equal(peer))
            Expect(rec.last(EventConnected).Peer).To(Equal(peer))
            Expect(ft.discoveryCancels.Load()).To(BeEquivalentTo(1))
        })

        It("reports an unreachable peer once and returns to Idle", func() {
            ft.setDial(func(ctx context.Context, p transport.Peer) (transport.Socket, error) {
                return nil, errUnreachable
            })
            m.Dial(peer)

            Eventually(rec.kinds).Should(Equal([]EventKind{EventConnecting, EventConnectionFailed}))
            failed := rec.last(EventConnectionFailed)
            Expect(failed.Reason).To(Equal("could not connect to 'Emitter': page timeout"))
            Expect(failed.Err).To(MatchError(errUnreachable))
            Expect(m.State()).To(Equal(StateIdle))
            Consistently(rec.kinds, 100*time.Millisecond).Should(HaveLen(2))
        })

        It("names unnamed peers in the failure reason", func() {
            ft.setDial(func(ctx context.Context, p transport.Peer) (transport.Socket, error) {
                return nil, errUnreachable
            })
            m.Dial(transport.Peer{Address: "11:22:33:44:55:66"})

            Eventually(rec.count).WithArguments(EventConnectionFailed).Should(Equal(1))
            Expect(rec.last(EventConnectionFailed).Reason).To(ContainSubstring("'Unknown Device'"))
        })

        It("supersedes an in-flight dial without reporting it as failed", func() {
            peerY := transport.Peer{Name: "Y", Address: "Y"}
            peerZ := transport.Peer{Name: "Z", Address: "Z"}
            ft.setDial(func(ctx context.Context, p transport.Peer) (transport.Socket, error) {
                if p.Address == "Y" {
                    <-ctx.Done()
                    return nil, ctx.Err()
                }
                sock, _ := newSocketPair(p)
                return sock, nil
            })

            m.Dial(peerY)
            Eventually(ft.dials.Load).Should(BeEquivalentTo(1))
            m.Dial(peerZ)

            Eventually(rec.kinds).Should(Equal([]EventKind{EventConnecting, EventConnecting, EventConnected}))
            evs := rec.all()
            Expect(evs[0].Peer).To(Equal(peerY))
            Expect(evs[1].Peer).To(Equal(peerZ))
            Expect(evs[2].Peer).To(Equal(peerZ))
            Consistently(rec.count, 100*time.Millisecond).WithArguments(EventConnectionFailed).Should(BeZero())
        })

        It("stops a pending dial silently", func() {
            m.Dial(peer)
            Eventually(ft.dials.Load).Should(BeEquivalentTo(1))
            Expect(m.State()).To(Equal(StateDialing))

            m.Stop()

            Expect(m.State()).To(Equal(StateIdle))
            Eventually(rec.kinds).Should(Equal([]EventKind{EventConnecting}))
            Consistently(rec.kinds, 200*time.Millisecond).Should(Equal([]EventKind{EventConnecting}))
        })

        It("retires an active listener", func() {
            m.StartListening()
            Eventually(ft.currentListener).ShouldNot(BeNil())
            l := ft.currentListener()

            m.Dial(peer)

            Expect(l.isClosed()).To(BeTrue())
            Expect(m.State()).To(Equal(StateDialing))
            Eventually(rec.kinds).Should(Equal([]EventKind{EventListeningStarted, EventConnecting}))
            Consistently(rec.kinds, 100*time.Millisecond).Should(Equal([]EventKind{EventListeningStarted, EventConnecting}))
        })

        It("is retired by StartListening without a failure event", func() {
            m.Dial(peer)
            Eventually(ft.dials.Load).Should(BeEquivalentTo(1))

            m.StartListening()

            Expect(m.State()).To(Equal(StateListening))
            Eventually(rec.kinds).Should(Equal([]EventKind{EventConnecting, EventListeningStarted}))
            Consistently(rec.kinds, 100*time.Millisecond).Should(Equal([]EventKind{EventConnecting, EventListeningStarted}))
        })
    })

    Describe("session", func() {
        It("delivers exactly the bytes read", func() {
            _, remote := acceptFrom(peer)

            _, err := remote.Write([]byte("hello"))
            Expect(err).NotTo(HaveOccurred())

            Eventually(rec.received).Should(Equal("hello"))
            Expect(rec.last(EventDataReceived).Peer).To(Equal(peer))
        })

        It("splits reads at the buffer size", func() {
            Expect(m.Close()).To(Succeed())
            Eventually(rec.done).Should(BeClosed())
            m = New(ft, Options{ReadBufferSize: 4})
            rec = record(m)

            _, remote := acceptFrom(peer)
            go func() { _, _ = remote.Write([]byte("0123456789")) }()

            Eventually(rec.received).Should(Equal("0123456789"))
            for _, e := range rec.all() {
                if e.Kind == EventDataReceived {
                    Expect(len(e.Data)).To(BeNumerically("<=", 4))
                }
            }
        })

        It("writes outside the lock and reaches the peer", func() {
            _, remote := acceptFrom(peer)

            got := make(chan string, 1)
            go func() {
                buf := make([]byte, 16)
                n, _ := remote.Read(buf)
                got <- string(buf[:n])
            }()

            Expect(m.Send([]byte("ping"))).To(Succeed())
            Eventually(got).Should(Receive(Equal("ping")))
        })

        It("reports Disconnected when the remote closes and ignores later sends", func() {
            sock, remote := acceptFrom(peer)
            Expect(remote.Close()).To(Succeed())

            Eventually(rec.kinds).Should(Equal([]EventKind{EventListeningStarted, EventConnected, EventDisconnected}))
            Expect(m.State()).To(Equal(StateIdle))

            writes := sock.writes.Load()
            Expect(m.Send([]byte("late"))).To(Succeed())
            Expect(sock.writes.Load()).To(Equal(writes))
        })

        It("treats a write failure as a disconnect", func() {
            sock, remote := acceptFrom(peer)
            sock.failWrites(errors.New("broken pipe"))

            err := m.Send([]byte("x"))
            Expect(err).To(MatchError(ContainSubstring("broken pipe")))

            Eventually(rec.count).WithArguments(EventDisconnected).Should(Equal(1))
            Expect(m.State()).To(Equal(StateIdle))

            buf := make([]byte, 1)
            _, rerr := remote.Read(buf)
            Expect(rerr).To(MatchError(io.EOF))
        })

        It("reports a session closed only once when read and write fail together", func() {
            _, remote := acceptFrom(peer)
            s := currentSession()
            Expect(s).NotTo(BeNil())

            Expect(remote.Close()).To(Succeed())
            var wg sync.WaitGroup
            for i := 0; i < 8; i++ {
                wg.Add(1)
                go func() {
                    defer wg.Done()
                    _ = s.write([]byte("x"))
                }()
            }
            wg.Wait()

            Eventually(rec.count).WithArguments(EventDisconnected).Should(Equal(1))
            Consistently(rec.count, 200*time.Millisecond).WithArguments(EventDisconnected).Should(Equal(1))
            Expect(m.State()).To(Equal(StateIdle))
        })

        It("closes the link on Stop without a Disconnected event", func() {
            _, remote := acceptFrom(peer)

            m.Stop()

            Expect(m.State()).To(Equal(StateIdle))
            buf := make([]byte, 1)
            _, err := remote.Read(buf)
            Expect(err).To(MatchError(io.EOF))
            Consistently(rec.count, 100*time.Millisecond).WithArguments(EventDisconnected).Should(BeZero())
        })

        It("is torn down by a new dial", func() {
            _, remote := acceptFrom(peer)
            other := transport.Peer{Name: "other", Address: "other"}

            m.Dial(other)

            buf := make([]byte, 1)
            _, err := remote.Read(buf)
            Expect(err).To(MatchError(io.EOF))
            Expect(m.State()).To(Equal(StateDialing))
            torn := []EventKind{EventListeningStarted, EventConnected, EventConnecting}
            Eventually(rec.kinds).Should(Equal(torn))
            Consistently(rec.kinds, 100*time.Millisecond).Should(Equal(torn))
        })
    })

    Describe("send gating", func() {
        It("never writes while not connected", func() {
            Expect(m.Send([]byte("idle"))).To(Succeed())

            m.StartListening()
            Expect(m.Send([]byte("listening"))).To(Succeed())

            m.Dial(peer)
            Expect(m.Send([]byte("dialing"))).To(Succeed())
            Expect(ft.listens.Load()).To(BeEquivalentTo(1))
        })
    })

    Describe("stale workers", func() {
        It("closes sockets handed over by a retired worker", func() {
            w := newListenWorker(m)
            close(w.done)
            sock, remote := newSocketPair(peer)

            m.onAccepted(w, sock)

            buf := make([]byte, 1)
            _, err := remote.Read(buf)
            Expect(err).To(MatchError(io.EOF))
            Expect(m.State()).To(Equal(StateIdle))
            Consistently(rec.kinds, 100*time.Millisecond).Should(BeEmpty())
        })

        It("ignores failures reported by a retired worker", func() {
            w := newDialWorker(m, peer)
            close(w.done)

            m.onConnectFailed(w, "late", errUnreachable)

            Consistently(rec.kinds, 100*time.Millisecond).Should(BeEmpty())
        })
    })

    Describe("mutual exclusion", func() {
        It("keeps state and active worker in step under concurrent transitions", func() {
            ft.setDial(func(ctx context.Context, p transport.Peer) (transport.Socket, error) {
                if p.Address == "slow" {
                    <-ctx.Done()
                    return nil, ctx.Err()
                }
                sock, _ := newSocketPair(p)
                return sock, nil
            })

            consistent := func() bool {
                m.mu.Lock()
                defer m.mu.Unlock()
                if m.active == nil {
                    return m.State() == StateIdle
                }
                return m.State() == m.active.role()
            }

            var wg sync.WaitGroup
            ops := []func(){
                m.StartListening,
                m.Stop,
                func() { m.Dial(transport.Peer{Address: "fast"}) },
                func() { m.Dial(transport.Peer{Address: "slow"}) },
                func() { _ = m.Send([]byte("x")) },
            }
            for g := 0; g < 4; g++ {
                wg.Add(1)
                go func(g int) {
                    defer GinkgoRecover()
                    defer wg.Done()
                    for i := 0; i < 50; i++ {
                        ops[(g+i)%len(ops)]()
                        Expect(consistent()).To(BeTrue())
                    }
                }(g)
            }
            wg.Wait()
            Expect(consistent()).To(BeTrue())
        })
    })

    Describe("Close", func() {
        It("closes the event stream and rejects further use", func() {
            _, remote := acceptFrom(peer)

            Expect(m.Close()).To(Succeed())
            Expect(m.Close()).To(Succeed())

            Eventually(rec.done).Should(BeClosed())
            Expect(m.State()).To(Equal(StateIdle))
            Expect(m.Send([]byte("x"))).To(MatchError(ErrClosed))

            m.StartListening()
            Expect(m.State()).To(Equal(StateIdle))

            buf := make([]byte, 1)
            _, err := remote.Read(buf)
            Expect(err).To(MatchError(io.EOF))
        })
    })
})
