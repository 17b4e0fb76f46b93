// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tlb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/vmem/pkg/hostarch"
	"gvisor.dev/vmem/pkg/log"
	"gvisor.dev/vmem/pkg/metric"
	"gvisor.dev/vmem/pkg/sync"
)

const (
	// mailboxDepth is the number of IPIs a CPU can have pending.
	mailboxDepth = 16

	// DefaultShootdownTimeout is the time a CPU has to acknowledge an IPI.
	DefaultShootdownTimeout = 5 * time.Second
)

var (
	shootdownsMetric = metric.MustCreateNewUint64Metric("/vmem/tlb/shootdowns", true /* sync */, "Number of TLB shootdowns.")
	ipisMetric       = metric.MustCreateNewUint64Metric("/vmem/tlb/ipis", true /* sync */, "Number of invalidation IPIs sent.")
	shootdownLatency = metric.MustCreateNewTimerMetric("/vmem/tlb/shootdown_latency",
		metric.NewDurationBucketer(12, time.Microsecond, time.Second),
		"Time from sending invalidation IPIs to the last acknowledgment.")
)

// AllRanges is a range that covers every address.
var AllRanges = hostarch.AddrRange{Start: 0, End: ^hostarch.Addr(0)}

// ipi is an invalidation request.
type ipi struct {
	asid uint16
	r    hostarch.AddrRange

	// ack is closed by the receiving CPU once the range is invalidated.
	ack chan struct{}
}

// Opts configure a Machine.
type Opts struct {
	// CPUs is the number of CPUs.
	CPUs int

	// ShootdownTimeout is the time each CPU has to acknowledge an IPI. If
	// zero, DefaultShootdownTimeout is used.
	ShootdownTimeout time.Duration
}

// Machine is a set of CPUs.
type Machine struct {
	// cpus and timeout are immutable.
	cpus    []*CPU
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMachine starts a machine with the given number of CPUs.
func NewMachine(opts Opts) (*Machine, error) {
	if opts.CPUs <= 0 {
		return nil, fmt.Errorf("machine needs at least one CPU, got %d", opts.CPUs)
	}
	if opts.ShootdownTimeout == 0 {
		opts.ShootdownTimeout = DefaultShootdownTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		cpus:    make([]*CPU, opts.CPUs),
		timeout: opts.ShootdownTimeout,
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := range m.cpus {
		c := newCPU(i)
		m.cpus[i] = c
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			c.run(ctx)
		}()
	}
	log.Debugf("Started machine with %d CPUs, shootdown timeout %v", opts.CPUs, opts.ShootdownTimeout)
	return m, nil
}

// run services the mailbox until ctx is done.
func (c *CPU) run(ctx context.Context) {
	for {
		select {
		case msg := <-c.mailbox:
			if c.hung.Load() {
				// Never acknowledged.
				continue
			}
			c.invalidate(msg.asid, msg.r)
			c.acks.Add(1)
			close(msg.ack)
		case <-ctx.Done():
			return
		}
	}
}

// NumCPUs returns the number of CPUs.
func (m *Machine) NumCPUs() int {
	return len(m.cpus)
}

// CPU returns CPU i.
func (m *Machine) CPU(i int) *CPU {
	return m.cpus[i]
}

// CPUs returns all CPUs.
func (m *Machine) CPUs() []*CPU {
	return append([]*CPU(nil), m.cpus...)
}

// Stop stops all CPUs. Shootdowns must not be issued afterwards.
func (m *Machine) Stop() {
	m.cancel()
	m.wg.Wait()
}

// errShootdownTimeout is returned by deliver when a CPU does not respond.
var errShootdownTimeout = errors.New("IPI not acknowledged")

// deliver sends one IPI to c and waits for its acknowledgment.
func deliver(ctx context.Context, c *CPU, asid uint16, r hostarch.AddrRange) error {
	msg := &ipi{asid: asid, r: r, ack: make(chan struct{})}
	select {
	case c.mailbox <- msg:
	case <-ctx.Done():
		return fmt.Errorf("%v: mailbox full: %w", c, errShootdownTimeout)
	}
	ipisMetric.Increment()
	select {
	case <-msg.ack:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%v: %w", c, errShootdownTimeout)
	}
}

// Shootdown invalidates the translations of asid overlapping r on every
// target CPU and returns once all of them have acknowledged.
//
// A CPU that fails to acknowledge within the shootdown timeout leaves stale
// translations behind, which is fatal: Shootdown panics.
func (m *Machine) Shootdown(targets []*CPU, asid uint16, r hostarch.AddrRange) {
	if len(targets) == 0 {
		return
	}
	shootdownsMetric.Increment()
	op := shootdownLatency.Start()
	defer op.Finish()

	ctx, cancel := context.WithTimeout(m.ctx, m.timeout)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range targets {
		g.Go(func() error {
			return deliver(gctx, c, asid, r)
		})
	}
	if err := g.Wait(); err != nil {
		log.TracebackAll("TLB shootdown of asid %d range %v failed: %v", asid, r, err)
		panic(fmt.Sprintf("TLB shootdown of asid %d range %v: %v", asid, r, err))
	}
}
