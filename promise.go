package daemonfx

// Promise is a settled-once primitive with a callback queue, the parent
// side's only view onto an in-flight Call (§3 "Call", §9 "Promises"). It
// has no shared executor: Then callbacks run synchronously, in the
// goroutine that calls Resolve/Reject, which for daemonfx is always the
// scheduler's single loop goroutine (see §5 "Scheduling model").
type Promise struct {
	settled  bool
	rejected bool
	value    any
	err      error
	onDone   []func(value any, err error)
}

// NewPromise constructs an unsettled Promise.
func NewPromise() *Promise {
	return &Promise{}
}

// Resolve settles the Promise with value, exactly once. Later calls are
// no-ops, preserving invariant 1 of §8 ("settled exactly once").
func (p *Promise) Resolve(value any) {
	if p.settled {
		return
	}
	p.settled = true
	p.value = value
	p.fire()
}

// Reject settles the Promise with an error, exactly once.
func (p *Promise) Reject(err error) {
	if p.settled {
		return
	}
	p.settled = true
	p.rejected = true
	p.err = err
	p.fire()
}

func (p *Promise) fire() {
	cbs := p.onDone
	p.onDone = nil
	for _, cb := range cbs {
		cb(p.value, p.err)
	}
}

// Then registers onFulfilled/onRejected, returning a new settled-once
// Promise that chains: if a callback itself returns a *Promise, the outer
// Promise settles when that inner Promise does.
func (p *Promise) Then(onFulfilled func(value any) (any, error), onRejected func(err error) (any, error)) *Promise {
	next := NewPromise()
	settle := func(value any, err error) {
		var (
			res    any
			resErr error
		)
		switch {
		case err != nil && onRejected != nil:
			res, resErr = onRejected(err)
		case err != nil:
			next.Reject(err)
			return
		case onFulfilled != nil:
			res, resErr = onFulfilled(value)
		default:
			next.Resolve(value)
			return
		}
		if resErr != nil {
			next.Reject(resErr)
			return
		}
		if inner, ok := res.(*Promise); ok {
			inner.Then(func(v any) (any, error) {
				next.Resolve(v)
				return nil, nil
			}, func(e error) (any, error) {
				next.Reject(e)
				return nil, nil
			})
			return
		}
		next.Resolve(res)
	}
	if p.settled {
		settle(p.value, p.err)
	} else {
		p.onDone = append(p.onDone, settle)
	}
	return next
}

// Settled reports whether Resolve or Reject has been called.
func (p *Promise) Settled() bool { return p.settled }

// Rejected reports whether the Promise settled via Reject. Only meaningful
// once Settled() is true.
func (p *Promise) Rejected() bool { return p.rejected }

// Value returns the resolved value (meaningless until Settled() is true
// and Rejected() is false).
func (p *Promise) Value() any { return p.value }

// Err returns the rejection error (meaningless unless Rejected()).
func (p *Promise) Err() error { return p.err }
