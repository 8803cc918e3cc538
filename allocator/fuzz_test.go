package allocator

import (
	"reflect"
	"testing"
	"unsafe"

	"github.com/fmstephe/snmallocator/pal/palfake"
	"github.com/fmstephe/snmallocator/testpkg/fuzzutil"
)

// FuzzAllocator drives one goroutine's worth of Alloc/Free/Mutate calls
// against a single localalloc.Allocator, checking after every step that
// every still-live allocation still holds the bytes it was last written
// with. It is the allocator-shaped analogue of offheap's FuzzObjectStore:
// same byte-driven step sequence, same live/expected bookkeeping, adapted
// from one fixed-layout object store to a sizeclass-sliced allocator
// where allocation sizes themselves vary from step to step.
func FuzzAllocator(f *testing.F) {
	testCases := fuzzutil.MakeRandomTestCases()
	for _, tc := range testCases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, bytes []byte) {
		tr := newAllocatorTestRun(bytes)
		tr.Run()
	})
}

func newAllocatorTestRun(bytes []byte) *fuzzutil.TestRun {
	a := New(WithPAL(palfake.New()))
	objs := newFuzzObjects(a.NewLocal())

	stepMaker := func(bc *fuzzutil.ByteConsumer) fuzzutil.Step {
		switch bc.Byte() % 3 {
		case 0:
			return newFuzzAllocStep(objs, bc)
		case 1:
			return newFuzzFreeStep(objs, bc)
		default:
			return newFuzzMutateStep(objs, bc)
		}
	}

	return fuzzutil.NewTestRun(bytes, stepMaker, objs.cleanup)
}

// fuzzObjects tracks every allocation this test run has made, the byte
// pattern it expects to find there, and whether it is still live.
type fuzzObjects struct {
	local localAllocator

	addrs    []uintptr
	sizes    []uintptr
	expected [][]byte
	live     []bool
}

// localAllocator narrows the methods fuzzObjects needs, so this file
// does not need to import localalloc directly.
type localAllocator interface {
	Alloc(size uintptr) uintptr
	Dealloc(addr uintptr)
	AllocSize(addr uintptr) uintptr
	Teardown()
}

func newFuzzObjects(local localAllocator) *fuzzObjects {
	return &fuzzObjects{local: local}
}

func fillPattern(addr uintptr, size uintptr, value byte) []byte {
	slice := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	for i := range slice {
		slice[i] = value + byte(i)
	}
	expected := make([]byte, size)
	copy(expected, slice)
	return expected
}

func (o *fuzzObjects) alloc(size uintptr, value byte) {
	if size == 0 {
		size = 1
	}
	addr := o.local.Alloc(size)
	if addr == 0 {
		return
	}
	o.addrs = append(o.addrs, addr)
	o.sizes = append(o.sizes, size)
	o.expected = append(o.expected, fillPattern(addr, size, value))
	o.live = append(o.live, true)
}

func (o *fuzzObjects) mutate(index uint32, value byte) {
	if len(o.addrs) == 0 {
		return
	}
	i := index % uint32(len(o.addrs))
	if !o.live[i] {
		return
	}
	o.expected[i] = fillPattern(o.addrs[i], o.sizes[i], value)
}

func (o *fuzzObjects) free(index uint32) {
	if len(o.addrs) == 0 {
		return
	}
	i := index % uint32(len(o.addrs))
	if !o.live[i] {
		return
	}
	o.local.Dealloc(o.addrs[i])
	o.live[i] = false
}

func (o *fuzzObjects) checkAll() {
	for i := range o.addrs {
		if !o.live[i] {
			continue
		}
		got := unsafe.Slice((*byte)(unsafe.Pointer(o.addrs[i])), o.sizes[i])
		if !reflect.DeepEqual([]byte(got), o.expected[i]) {
			panic("fuzzAllocator: live allocation contents diverged from what was written")
		}
	}
}

func (o *fuzzObjects) cleanup() {
	o.local.Teardown()
}

type fuzzAllocStep struct {
	objs  *fuzzObjects
	size  uintptr
	value byte
}

func newFuzzAllocStep(objs *fuzzObjects, bc *fuzzutil.ByteConsumer) *fuzzAllocStep {
	// Keep sizes small so a single fuzz run exercises many sizeclasses
	// without exhausting the fake PAL's backing heap allocations.
	return &fuzzAllocStep{objs: objs, size: uintptr(bc.Uint16() % 4096), value: bc.Byte()}
}

func (s *fuzzAllocStep) DoStep() {
	s.objs.alloc(s.size, s.value)
	s.objs.checkAll()
}

type fuzzFreeStep struct {
	objs  *fuzzObjects
	index uint32
}

func newFuzzFreeStep(objs *fuzzObjects, bc *fuzzutil.ByteConsumer) *fuzzFreeStep {
	return &fuzzFreeStep{objs: objs, index: bc.Uint32()}
}

func (s *fuzzFreeStep) DoStep() {
	s.objs.free(s.index)
	s.objs.checkAll()
}

type fuzzMutateStep struct {
	objs  *fuzzObjects
	index uint32
	value byte
}

func newFuzzMutateStep(objs *fuzzObjects, bc *fuzzutil.ByteConsumer) *fuzzMutateStep {
	return &fuzzMutateStep{objs: objs, index: bc.Uint32(), value: bc.Byte()}
}

func (s *fuzzMutateStep) DoStep() {
	s.objs.mutate(s.index, s.value)
	s.objs.checkAll()
}
