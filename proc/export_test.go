package proc

func (p *Proc) Wakeups() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nwakeup
}
