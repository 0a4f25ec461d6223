// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package pool

import (
	"testing"

	"gopkg.in/check.v1"
)

type Suite struct{}

func init() {
	check.Suite(&Suite{})
}

func Test(t *testing.T) {
	check.TestingT(t)
}

func (s *Suite) TestGroupedRoundTrip(c *check.C) {
	g := NewGrouped()
	g.Put("a", 1)
	c.Check(g.Get("a"), check.Equals, 1)
	c.Check(g.Get("a"), check.IsNil)
}

func (s *Suite) TestGroupedLIFOWithinGroup(c *check.C) {
	g := NewGrouped()
	g.Put("a", 1)
	g.Put("a", 2)
	g.Put("a", 3)
	c.Check(g.Get("a"), check.Equals, 3)
	c.Check(g.Get("a"), check.Equals, 2)
	c.Check(g.Get("a"), check.Equals, 1)
	c.Check(g.Get("a"), check.IsNil)
}

func (s *Suite) TestGroupedGetMissesEmptyGroup(c *check.C) {
	g := NewGrouped()
	c.Check(g.Get("never"), check.IsNil)

	// The miss created an empty group; RemoveLast must not
	// invent a value for it.
	c.Check(g.RemoveLast(), check.IsNil)
}

func (s *Suite) TestRemoveLastPrefersColdGroup(c *check.C) {
	g := NewGrouped()
	g.Put("cold", 1)
	g.Put("warm", 2)

	// Touch "cold" so "warm" becomes least recently used.
	g.Put("cold", 3)

	c.Check(g.RemoveLast(), check.Equals, 2)
	c.Check(g.RemoveLast(), check.Equals, 3)
	c.Check(g.RemoveLast(), check.Equals, 1)
	c.Check(g.RemoveLast(), check.IsNil)
}

func (s *Suite) TestRemoveLastSkipsEmptiedGroups(c *check.C) {
	g := NewGrouped()
	g.Put("a", 1)
	g.Put("b", 2)
	c.Check(g.Get("b"), check.Equals, 2)

	// Group "b" is now empty but more recently used than "a";
	// the scan starts at "a" anyway and never returns a value
	// from "b".
	c.Check(g.RemoveLast(), check.Equals, 1)
	c.Check(g.RemoveLast(), check.IsNil)
	c.Check(g.Len(), check.Equals, 0)
}

func (s *Suite) TestGroupRecencyNotItemRecency(c *check.C) {
	g := NewGrouped()
	g.Put("a", 1)
	g.Put("b", 2)
	g.Put("a", 3)

	// Even though value 2 is newer than value 1, group "b" as a
	// whole is colder than group "a", so it drains first.
	c.Check(g.RemoveLast(), check.Equals, 2)
	c.Check(g.RemoveLast(), check.Equals, 3)
	c.Check(g.RemoveLast(), check.Equals, 1)
}

func (s *Suite) TestBytesRoundTrip(c *check.C) {
	p := NewBytes(1024)
	buf := p.Get(64)
	c.Assert(buf, check.HasLen, 64)
	buf[0] = 0xff
	p.Put(buf)

	again := p.Get(64)
	c.Assert(again, check.HasLen, 64)
	c.Check(again[0], check.Equals, byte(0xff))
	c.Check(p.CurrentSize(), check.Equals, 0)
}

func (s *Suite) TestBytesEvictsOverBudget(c *check.C) {
	p := NewBytes(100)
	p.Put(make([]byte, 40))
	p.Put(make([]byte, 30))
	c.Check(p.CurrentSize(), check.Equals, 70)

	// 40 is now the cold size class and gets dropped to fit.
	p.Put(make([]byte, 50))
	c.Check(p.CurrentSize(), check.Equals, 80)
	c.Check(p.Get(40), check.HasLen, 40)
	c.Check(p.CurrentSize(), check.Equals, 80)
}

func (s *Suite) TestBytesRejectsHugeBuffers(c *check.C) {
	p := NewBytes(100)
	p.Put(make([]byte, 51))
	c.Check(p.CurrentSize(), check.Equals, 0)
}

func (s *Suite) TestBytesClear(c *check.C) {
	p := NewBytes(1024)
	p.Put(make([]byte, 16))
	p.Put(make([]byte, 32))
	p.Clear()
	c.Check(p.CurrentSize(), check.Equals, 0)
}
