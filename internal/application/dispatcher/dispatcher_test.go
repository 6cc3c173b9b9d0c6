package dispatcher_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/dataspace-hub/connector/internal/application/dispatcher"
	"github.com/dataspace-hub/connector/internal/application/dispatcher/mocks"
)

type recordingObserver struct {
	mu    sync.Mutex
	types []string
	errs  []error
}

func (o *recordingObserver) ObserveDispatch(msgType string, err error, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.types = append(o.types, msgType)
	o.errs = append(o.errs, err)
}

func TestDispatcher_Send(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)
	observer := &recordingObserver{}
	d := dispatcher.New(transport, dispatcher.Config{Timeout: time.Second}, zerolog.Nop(), dispatcher.WithObserver(observer))

	msg := dispatcher.Message{ID: "m1", Type: "ContractRequestMessage", ProcessID: "n1", Address: "http://peer"}
	transport.EXPECT().Send(gomock.Any(), msg).Return(dispatcher.Response{Status: 200, Body: []byte(`{}`)}, nil)

	resp, err := d.Send(context.Background(), msg).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)

	require.NoError(t, d.Close(context.Background()))
	observer.mu.Lock()
	defer observer.mu.Unlock()
	assert.Equal(t, []string{"ContractRequestMessage"}, observer.types)
	assert.Nil(t, observer.errs[0])
}

func TestDispatcher_PropagatesRejection(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)
	d := dispatcher.New(transport, dispatcher.Config{}, zerolog.Nop())

	transport.EXPECT().Send(gomock.Any(), gomock.Any()).
		Return(dispatcher.Response{Status: 409}, dispatcher.ErrRejected)

	_, err := d.Send(context.Background(), dispatcher.Message{Type: "x"}).Wait(context.Background())
	assert.ErrorIs(t, err, dispatcher.ErrRejected)
}

func TestDispatcher_Timeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)
	d := dispatcher.New(transport, dispatcher.Config{Timeout: 20 * time.Millisecond}, zerolog.Nop())

	transport.EXPECT().Send(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ dispatcher.Message) (dispatcher.Response, error) {
			<-ctx.Done()
			return dispatcher.Response{}, ctx.Err()
		})

	_, err := d.Send(context.Background(), dispatcher.Message{Type: "slow"}).Wait(context.Background())
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestDispatcher_BoundsConcurrency(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)
	d := dispatcher.New(transport, dispatcher.Config{Concurrency: 2}, zerolog.Nop())

	var inflight, peak int32
	transport.EXPECT().Send(gomock.Any(), gomock.Any()).Times(6).
		DoAndReturn(func(ctx context.Context, _ dispatcher.Message) (dispatcher.Response, error) {
			n := atomic.AddInt32(&inflight, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&inflight, -1)
			return dispatcher.Response{Status: 200}, nil
		})

	var futures []*dispatcher.Future
	for i := 0; i < 6; i++ {
		futures = append(futures, d.Send(context.Background(), dispatcher.Message{Type: "x"}))
	}
	for _, f := range futures {
		_, err := f.Wait(context.Background())
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestDispatcher_CloseRejectsNewMessages(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)
	d := dispatcher.New(transport, dispatcher.Config{}, zerolog.Nop())

	require.NoError(t, d.Close(context.Background()))
	_, err := d.Send(context.Background(), dispatcher.Message{Type: "x"}).Wait(context.Background())
	assert.ErrorIs(t, err, dispatcher.ErrClosed)
}

func TestFuture_WaitHonoursContext(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)
	release := make(chan struct{})
	d := dispatcher.New(transport, dispatcher.Config{Timeout: time.Second}, zerolog.Nop())

	transport.EXPECT().Send(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ dispatcher.Message) (dispatcher.Response, error) {
			<-release
			return dispatcher.Response{Status: 200}, nil
		})

	f := d.Send(context.Background(), dispatcher.Message{Type: "x"})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	<-f.Done()
	resp, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
}

func TestResolved(t *testing.T) {
	f := dispatcher.Resolved(dispatcher.Response{Status: 204}, nil)
	select {
	case <-f.Done():
	default:
		t.Fatal("expected resolved future to be done")
	}
}
