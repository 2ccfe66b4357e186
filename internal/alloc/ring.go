// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package alloc

// ring is a fixed-capacity circular buffer of block addresses. Zero is
// never a valid address and doubles as the empty result.
type ring struct {
	buffer           []uint64
	capacity, length uint16
	head, tail       uint16
}

func (ring *ring) full() bool {
	return ring.length == ring.capacity
}

func (ring *ring) empty() bool {
	return ring.length == 0
}

func (ring *ring) shift() (bytenr uint64) {
	if ring.empty() {
		return
	}

	bytenr = ring.buffer[ring.head]
	ring.head = (ring.head + 1) % ring.capacity
	ring.length--
	return
}

func (ring *ring) push(bytenr uint64) bool {
	if ring.full() {
		return false
	}

	ring.buffer[ring.tail] = bytenr
	ring.tail = (ring.tail + 1) % ring.capacity
	ring.length++
	return true
}

func (ring *ring) unshift(bytenr uint64) bool {
	if ring.full() {
		return false
	}

	ring.head = (ring.head - 1 + ring.capacity) % ring.capacity
	ring.buffer[ring.head] = bytenr
	ring.length++
	return true
}

// queue chains rings so it can grow without copying.
type queue struct {
	head, tail *qnode
	length     int
}

type qnode struct {
	ring
	next *qnode
}

func newNode(capacity uint16) *qnode {
	return &qnode{ring: ring{
		capacity: capacity,
		buffer:   make([]uint64, capacity),
	}}
}

func (q *queue) shift() (bytenr uint64) {
	for q.head != nil {
		if bytenr = q.head.shift(); bytenr != 0 {
			q.length--
			return
		}
		q.head = q.head.next
	}
	q.tail = nil
	return
}

func (q *queue) push(bytenr uint64) {
	q.length++
	if q.tail == nil {
		q.tail = newNode(4)
		q.head = q.tail
		q.tail.push(bytenr)
		return
	}

	if !q.tail.push(bytenr) {
		tail := newNode(min(q.tail.capacity*2, 1024))
		q.tail.next = tail
		q.tail = tail
		q.tail.push(bytenr)
	}
}

func (q *queue) unshift(bytenr uint64) {
	q.length++
	if q.head == nil {
		q.tail = newNode(4)
		q.head = q.tail
		q.tail.push(bytenr)
		return
	}

	if !q.head.unshift(bytenr) {
		head := newNode(min(q.head.capacity*2, 1024))
		head.next = q.head
		q.head = head
		q.head.push(bytenr)
	}
}
