package router

import (
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"
)

var ridSeq uint64

// newReqID builds a short correlation id for request logs: base36
// timestamp, a process-wide sequence number, and two random chars to
// survive restarts within the same nanosecond tick.
func newReqID() string {
	seq := atomic.AddUint64(&ridSeq, 1)
	return strconv.FormatInt(time.Now().UnixNano(), 36) +
		"-" + strconv.FormatUint(seq, 36) +
		randSuffix(2)
}

func randSuffix(n int) string {
	const alpha = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alpha[rand.Intn(len(alpha))]
	}
	return string(b)
}
