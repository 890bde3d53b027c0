package memory

import "sync"

// faults queues errors returned by the next send or receive attempts.
type faults struct {
	mu      sync.Mutex
	send    []error
	receive []error
}

func (f *faults) takeSend() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return pop(&f.send)
}

func (f *faults) takeReceive() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return pop(&f.receive)
}

func pop(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

// InjectSendFailures makes the next n send attempts fail with err, for example
// errors.ErrThrottled to simulate broker throttling.
func (b *Bus) InjectSendFailures(n int, err error) {
	b.faults.mu.Lock()
	defer b.faults.mu.Unlock()
	for i := 0; i < n; i++ {
		b.faults.send = append(b.faults.send, err)
	}
}

// InjectReceiveFailures makes the next n Receive or AcceptSession calls fail
// with err.
func (b *Bus) InjectReceiveFailures(n int, err error) {
	b.faults.mu.Lock()
	defer b.faults.mu.Unlock()
	for i := 0; i < n; i++ {
		b.faults.receive = append(b.faults.receive, err)
	}
}
