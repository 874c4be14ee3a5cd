package dev

import (
	"github.com/WebFirstLanguage/ouroboros/pkg/qos"
	"github.com/WebFirstLanguage/ouroboros/pkg/timeout"
)

// SetSndTimeout bounds how long writes wait for queue space
func (f *Flow) SetSndTimeout(t timeout.Timeout) error {
	e, err := f.live("set_snd_timeout")
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.sndTimeo = t
	e.mu.Unlock()
	return nil
}

// SndTimeout returns the write timeout
func (f *Flow) SndTimeout() (timeout.Timeout, error) {
	e, err := f.live("get_snd_timeout")
	if err != nil {
		return timeout.None, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sndTimeo, nil
}

// SetRcvTimeout bounds how long reads wait for a message
func (f *Flow) SetRcvTimeout(t timeout.Timeout) error {
	e, err := f.live("set_rcv_timeout")
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.rcvTimeo = t
	e.mu.Unlock()
	return nil
}

// RcvTimeout returns the read timeout
func (f *Flow) RcvTimeout() (timeout.Timeout, error) {
	e, err := f.live("get_rcv_timeout")
	if err != nil {
		return timeout.None, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rcvTimeo, nil
}

// QoS returns the QoS granted at allocation
func (f *Flow) QoS() (qos.Spec, error) {
	e, err := f.live("get_qos")
	if err != nil {
		return qos.Spec{}, err
	}
	return e.spec, nil
}

// MaxSDU returns the largest message a single write carries
func (f *Flow) MaxSDU() (int, error) {
	e, err := f.live("get_max_sdu")
	if err != nil {
		return 0, err
	}
	return e.maxSDU, nil
}

// RxQueueLen returns the number of messages waiting to be read
func (f *Flow) RxQueueLen() (int, error) {
	e, err := f.live("get_rx_qlen")
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rxLenLocked(), nil
}

// TxQueueLen returns the number of written messages not yet handed to the link
func (f *Flow) TxQueueLen() (int, error) {
	e, err := f.live("get_tx_qlen")
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tx.Length(), nil
}

// SetFlags replaces the flow flags. Down cannot be cleared once the peer
// is gone; setting it marks the flow down locally.
func (f *Flow) SetFlags(flags Flag) error {
	const op = "set_flags"
	e, err := f.live(op)
	if err != nil {
		return err
	}
	if err := flags.validate(); err != nil {
		return &Error{Code: CodeInvalidArgument, Op: op, FD: e.fd, Err: err}
	}

	e.mu.Lock()
	wasDown := e.flags.Has(Down)
	if e.peerGone {
		flags |= Down
	}
	e.flags = flags
	e.mu.Unlock()

	if !wasDown && flags.Has(Down) {
		e.wakeAll()
		e.log.Debug().Msg("flow marked down")
		e.post(EventDown)
	}
	return nil
}

// Flags returns the flow flags
func (f *Flow) Flags() (Flag, error) {
	e, err := f.live("get_flags")
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flags, nil
}
