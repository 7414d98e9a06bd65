package server

import (
	"sync"

	"github.com/warptunnel/warp/internal/channel"
)

// responseBodyCapacity bounds chunks buffered between the connection's
// inbound loop and the public response writer.
const responseBodyCapacity = 16

// responseHead is the one-shot completion of an ongoing request: either the
// head of a streaming response, or a terminal 503 with errText set.
type responseHead struct {
	status     int
	statusText string
	headers    map[string]string
	errText    string
}

// ongoingRequest tracks one tunnelled request on the server side from
// request-start until response-end, teardown or abort.
type ongoingRequest struct {
	id   string
	resp chan responseHead
	once sync.Once
	body *channel.Channel[[]byte]

	aborted   chan struct{}
	abortOnce sync.Once
}

func newOngoingRequest(id string) *ongoingRequest {
	return &ongoingRequest{
		id:      id,
		resp:    make(chan responseHead, 1),
		body:    channel.New[[]byte](responseBodyCapacity),
		aborted: make(chan struct{}),
	}
}

// resolve completes the response slot. Only the first resolution wins.
func (r *ongoingRequest) resolve(head responseHead) {
	r.once.Do(func() { r.resp <- head })
}

// await blocks until the response head arrives or cancel fires.
func (r *ongoingRequest) await(cancel <-chan struct{}) (responseHead, bool) {
	select {
	case head := <-r.resp:
		return head, true
	case <-cancel:
		return responseHead{}, false
	}
}

// abort marks the public caller as gone, stopping the request body pump.
func (r *ongoingRequest) abort() {
	r.abortOnce.Do(func() { close(r.aborted) })
}
