// Copyright 2025 Tom Barlow
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

package messages

import (
	"fmt"
	"sync"

	"github.com/rkorzeniewski/bacula-sub003/internal/jcr"
)

// DefaultMailCommand is used when neither the destination nor the chain
// names one.
const DefaultMailCommand = `mail -s "Bacula Message" %r`

// Chain is an ordered set of destinations plus the union of their type
// masks. A chain built from configuration is a template; the router
// copies it for each job so that spool files and open handles are per
// job.
type Chain struct {
	// MailCommand and OperatorCommand are templates expanded with job
	// codes when a mail or operator destination delivers.
	MailCommand     string
	OperatorCommand string

	mu       sync.Mutex
	dests    []*Destination
	sendMask Mask
	closed   bool

	router *Router
	job    *jcr.Job
}

// NewChain returns an empty chain.
func NewChain(mailCommand, operatorCommand string) *Chain {
	return &Chain{MailCommand: mailCommand, OperatorCommand: operatorCommand}
}

// AddDestination routes type t to the destination identified by kind and
// target, creating it if needed. mailCommand, if set, overrides the
// chain's command for that destination.
func (c *Chain) AddDestination(kind Kind, t Type, target, mailCommand string) error {
	if _, ok := kindNames[kind]; !ok {
		return fmt.Errorf("unknown destination kind %d", int(kind))
	}
	if !t.Valid() {
		return fmt.Errorf("unknown message type %d", int(t))
	}
	if kind.needsTarget() && target == "" {
		return fmt.Errorf("%s destination needs a target", kind)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sendMask = c.sendMask.With(t)
	for _, d := range c.dests {
		if d.Kind == kind && d.Target == target {
			d.mu.Lock()
			d.mask = d.mask.With(t)
			if mailCommand != "" {
				d.MailCommand = mailCommand
			}
			d.mu.Unlock()
			return nil
		}
	}
	c.dests = append(c.dests, &Destination{
		Kind:        kind,
		Target:      target,
		MailCommand: mailCommand,
		mask:        MaskOf(t),
	})
	return nil
}

// AddMask routes every type in m to the destination.
func (c *Chain) AddMask(kind Kind, m Mask, target, mailCommand string) error {
	for _, t := range m.Types() {
		if err := c.AddDestination(kind, t, target, mailCommand); err != nil {
			return err
		}
	}
	return nil
}

// RemoveDestination stops routing type t to the destination identified
// by kind and target. The destination stays in the chain with an empty
// mask if t was its last type.
func (c *Chain) RemoveDestination(kind Kind, t Type, target string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, d := range c.dests {
		if d.Kind == kind && d.Target == target {
			d.mu.Lock()
			d.mask = d.mask.Without(t)
			d.mu.Unlock()
		}
	}
	c.recomputeLocked()
}

func (c *Chain) recomputeLocked() {
	var m Mask
	for _, d := range c.dests {
		d.mu.Lock()
		m |= d.mask
		d.mu.Unlock()
	}
	c.sendMask = m
}

// SendMask is the union of the destination masks.
func (c *Chain) SendMask() Mask {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendMask
}

// Destinations copies the configuration of every destination.
func (c *Chain) Destinations() []DestinationInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DestinationInfo, 0, len(c.dests))
	for _, d := range c.dests {
		d.mu.Lock()
		out = append(out, DestinationInfo{
			Kind:        d.Kind,
			Target:      d.Target,
			MailCommand: d.MailCommand,
			Mask:        d.mask,
		})
		d.mu.Unlock()
	}
	return out
}

// Clone copies the configuration without any delivery state.
func (c *Chain) Clone() *Chain {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := &Chain{
		MailCommand:     c.MailCommand,
		OperatorCommand: c.OperatorCommand,
		sendMask:        c.sendMask,
	}
	for _, d := range c.dests {
		d.mu.Lock()
		out.dests = append(out.dests, &Destination{
			Kind:        d.Kind,
			Target:      d.Target,
			MailCommand: d.MailCommand,
			mask:        d.mask,
		})
		d.mu.Unlock()
	}
	return out
}

// IsClosed reports whether Close has run.
func (c *Chain) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// snapshot returns the destinations to deliver t to, or ok=false if the
// chain is closed.
func (c *Chain) snapshot(t Type) (dests []*Destination, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	for _, d := range c.dests {
		d.mu.Lock()
		if d.mask.Has(t) {
			dests = append(dests, d)
		}
		d.mu.Unlock()
	}
	return dests, true
}

// Close releases every open resource, sends buffered mail and deletes
// spool files. Only the first call does anything.
func (c *Chain) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	dests := c.dests
	r, j := c.router, c.job
	c.mu.Unlock()

	if r == nil {
		var first error
		for _, d := range dests {
			d.mu.Lock()
			if err := d.closeFile(); err != nil && first == nil {
				first = err
			}
			d.removeSpool()
			d.mu.Unlock()
		}
		return first
	}
	return r.closeChain(c, j, dests)
}
