package protocol

import "context"

// Future is the eventual outcome of an asynchronous request.
type Future struct {
	done chan struct{}
	resp *Response
	err  error
}

// Go runs fn in its own goroutine and returns a Future for its result.
func Go(ctx context.Context, fn func(context.Context) (*Response, error)) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.resp, f.err = fn(ctx)
	}()
	return f
}

// Failed returns a Future that is already resolved with err.
func Failed(err error) *Future {
	f := &Future{done: make(chan struct{}), err: err}
	close(f.done)
	return f
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the result is available or ctx ends.
func (f *Future) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return nil, Wrap(KindTimeout, ctx.Err(), "waiting for result")
	}
}

// Result returns the outcome of a resolved Future. It must only be called
// after Done is closed.
func (f *Future) Result() (*Response, error) {
	<-f.done
	return f.resp, f.err
}

// Await is the blocking form shared by every handler's Execute.
func Await(ctx context.Context, f *Future) (*Response, error) {
	return f.Wait(ctx)
}
