package remote

import "github.com/fmstephe/snmallocator/entropy"

func newThreadStateForTest() entropy.ThreadState {
	return entropy.NewThreadState(21, 23)
}
