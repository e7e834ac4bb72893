package pipeline

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	State string `json:"state"`

	PoolCapacity  int    `json:"pool_capacity"`
	PoolAvailable int    `json:"pool_available"`
	PoolUsed      int    `json:"pool_used"`
	PoolStalls    uint64 `json:"pool_stalls"`

	Captured  uint64 `json:"captured"`
	Displayed uint64 `json:"displayed"`
	Recorded  uint64 `json:"recorded"`
	LastSeq   uint64 `json:"last_displayed_seq"`

	WrapsPosted  uint64 `json:"wraps_posted"`
	WrapsPending int    `json:"wraps_pending"`
	Rewinds      uint64 `json:"rewinds"`

	DisplayQueue int `json:"display_queue"`
	RecordQueue  int `json:"record_queue"`
	QueueCap     int `json:"queue_capacity"`
}

// Stats returns current counters. It is safe to call from any goroutine.
func (p *Pipeline) Stats() Stats {
	return Stats{
		State:         p.ctl.State().String(),
		PoolCapacity:  p.pool.Capacity(),
		PoolAvailable: p.pool.Available(),
		PoolUsed:      p.pool.Used(),
		PoolStalls:    p.capture.Stalls(),
		Captured:      p.capture.Frames(),
		Displayed:     p.display.Frames(),
		Recorded:      p.record.Frames(),
		LastSeq:       p.display.LastSeq(),
		WrapsPosted:   p.wrap.Posted(),
		WrapsPending:  p.wrap.Pending(),
		Rewinds:       p.record.Rewinds(),
		DisplayQueue:  p.displayQ.Len(),
		RecordQueue:   p.recordQ.Len(),
		QueueCap:      p.displayQ.Cap(),
	}
}
