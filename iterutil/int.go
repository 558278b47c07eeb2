package iterutil

// Counter hands out successive ints, starting one past init. Poll cycles use
// it to number their log records and state file writes.
type Counter struct {
	n int
}

func Int(init int) Counter {
	return Counter{n: init}
}

func (c *Counter) Next() int {
	c.n++
	return c.n
}
