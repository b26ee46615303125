package connection

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/pool"
	"github.com/gotd/td/rpc"
)

func TestHandleErrorClassification(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		network bool
	}{
		{name: "nil", err: nil, network: false},
		{name: "canceled", err: context.Canceled, network: false},
		{name: "wrappedCanceled", err: fmt.Errorf("run: %w", context.Canceled), network: false},
		{name: "deadline", err: context.DeadlineExceeded, network: true},
		{name: "eof", err: io.EOF, network: true},
		{name: "wrappedEOF", err: errors.Wrap(io.EOF, "read frame"), network: true},
		{name: "connDead", err: pool.ErrConnDead, network: true},
		{name: "engineClosed", err: rpc.ErrEngineClosed, network: true},
		{name: "retryLimit", err: &rpc.RetryLimitReachedErr{}, network: true},
		{name: "opError", err: &net.OpError{Op: "read", Err: io.ErrUnexpectedEOF}, network: true},
		{name: "rpcBusiness", err: errors.New("PEER_ID_INVALID"), network: false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := HandleError(tc.err); got != tc.network {
				t.Fatalf("HandleError(%v) = %v, want %v", tc.err, got, tc.network)
			}
		})
	}
}

// Без инициализированного менеджера ожидание не должно блокировать вызывающего.
func TestWaitOnlineWithoutManager(t *testing.T) {
	done := make(chan struct{})
	go func() {
		WaitOnline(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitOnline blocked without an initialized manager")
	}
}

func TestWaitOnlineCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		WaitOnline(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitOnline blocked on a canceled context")
	}
}

func TestReadyWithoutManager(t *testing.T) {
	if Ready() {
		t.Fatal("Ready() = true without an initialized manager")
	}
}
