package sigsock

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Errors returned by SendAndWait.
var (
	// ErrRequestTimeout is returned when no matching record arrived in time.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrInvalidDispatcher is returned when SendAndWait has nothing to observe.
	ErrInvalidDispatcher = errors.New("invalid dispatcher")
)

// Sender sends one record.
type Sender interface {
	Send(Record) error
}

// SendAndWait sends rec through s and waits for the first record received on
// d whose METHOD is expected. Later matches are ignored. It returns
// ErrRequestTimeout if none arrives within timeout. The observer is always
// removed before returning.
func SendAndWait(ctx context.Context, d Dispatcher, s Sender, rec Record, expected string, timeout time.Duration) (Record, error) {
	if d == nil {
		return nil, ErrInvalidDispatcher
	}
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}

	matched := make(chan Record, 1)
	sub := d.Subscribe(EventReceive, func(params ...any) {
		for _, p := range params {
			got, ok := p.(Record)
			if !ok || got.Method() != expected {
				continue
			}
			select {
			case matched <- got:
			default:
				// first match already captured
			}
			return
		}
	})
	defer sub.Unsubscribe()

	if err := s.Send(rec); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case got := <-matched:
		return got, nil
	case <-timer.C:
		return nil, errors.Wrapf(ErrRequestTimeout, "waiting for %s", expected)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendAndWait sends rec and waits for the first received record with
// METHOD expected. A non-positive timeout uses the client's default.
func (c *Client) SendAndWait(ctx context.Context, rec Record, expected string, timeout time.Duration) (Record, error) {
	if timeout <= 0 {
		timeout = c.opts.waitTimeout
	}
	return SendAndWait(ctx, c.opts.dispatcher, c, rec, expected, timeout)
}
