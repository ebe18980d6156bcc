package worker

import (
	"strconv"
	"sync/atomic"
)

type atomicCounter struct {
	n int64
}

func (c *atomicCounter) inc()     { atomic.AddInt64(&c.n, 1) }
func (c *atomicCounter) get() int { return int(atomic.LoadInt64(&c.n)) }

func jsonQuote(s string) string {
	return strconv.Quote(s)
}
