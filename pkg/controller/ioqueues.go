// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package controller

// allocIoQueues sizes and allocates the IO queue pair memory once the
// adapter has granted queue counts. Cores cycle through the granted queue
// ids in NUMA order, so a short grant round-robins: with 2 queues and 4
// cores the table reads 1,2,1,2.
//
// An allocation failure on anything but the very first pair falls back to a
// single shared pair: the orphaned allocations are freed and every core is
// pointed at queue 1. Failing the first pair is fatal.
func (c *Controller) allocIoQueues() error {
	granted := c.qs.NumSubAllocFromAdapter
	if c.qs.NumCplAllocFromAdapter < granted {
		granted = c.qs.NumCplAllocFromAdapter
	}
	if granted == 0 {
		// The no-namespace path skips Set Features(NumberOfQueues) entirely;
		// proceed on the single pair every controller provides.
		granted = 1
	}
	if granted > c.rmt.NumActiveCores {
		granted = c.rmt.NumActiveCores
	}

	c.qs.NumSubAllocated = 0
	c.qs.NumCplAllocated = 0

	entries := clampEntries(c.tun.IoQueueEntries, c.cap.MQES)
	qid := uint16(0)
	for _, ct := range c.rmt.ActiveCores() {
		if qid+1 > granted {
			qid = 1
		} else {
			qid++
		}
		if c.qs.NumSubAllocated < qid {
			err := c.qs.AllocQueue(c.p, qid, entries, int(ct.NumaNode), c.prpListSize())
			if err != nil {
				if qid == 1 {
					return err
				}
				c.fallbackToSingleQueue()
				break
			}
			c.qs.NumSubAllocated++
			c.qs.NumCplAllocated++
		}
		ct.SubQueue = qid
		ct.CplQueue = qid
		c.logger.V(1).Info("core mapped to queue", "core", ct.Core, "queue", qid)
	}

	// Vector pairing needs the queue ids the cores just received.
	c.rmt.MapVectorsToCores()

	// Per-core learning needs a queue pair per core; shared queues leave
	// nothing to observe.
	if c.qs.NumSubAllocated < c.rmt.NumActiveCores {
		c.sm.learningCores = c.rmt.NumActiveCores
	}

	for id := uint16(1); id <= c.qs.NumSubAllocated; id++ {
		if err := c.initQueuePair(id, c.msgIDForQueue(id)); err != nil {
			return err
		}
	}
	return nil
}

// fallbackToSingleQueue frees every IO pair beyond the first and points all
// cores at queue 1.
func (c *Controller) fallbackToSingleQueue() {
	for id := c.qs.NumSubAllocated; id > 1; id-- {
		c.qs.FreeQueue(id)
	}
	c.qs.NumSubAllocated = 1
	c.qs.NumCplAllocated = 1
	for _, ct := range c.rmt.ActiveCores() {
		ct.SubQueue = 1
		ct.CplQueue = 1
	}
	c.logger.Info("falling back to a single shared IO queue pair")
}
