package kmain

import (
	"testing"

	"vireo/kernel"
	"vireo/kernel/kfmt"
	"vireo/kernel/mm/pmm"
	"vireo/kernel/mm/vmm"
)

func restoreKmainFns() {
	pmmInitFn = pmm.Init
	bootstrapFn = vmm.BootstrapKernel
	dropIdentityFn = vmm.DropIdentityMappings
	panicFn = kfmt.Panic
}

func TestKmainBootSequence(t *testing.T) {
	defer restoreKmainFns()

	var calls []string
	pmmInitFn = func(_, _ uintptr) *kernel.Error {
		calls = append(calls, "pmm.Init")
		return nil
	}
	bootstrapFn = func(_, _ uintptr) *kernel.Error {
		calls = append(calls, "vmm.BootstrapKernel")
		return nil
	}
	dropIdentityFn = func() *kernel.Error {
		calls = append(calls, "vmm.DropIdentityMappings")
		return nil
	}
	panicFn = func(_ interface{}) {
		calls = append(calls, "panic")
	}

	Kmain(0, 0x100000, 0x200000)

	// The identity window must stay in place when Kmain returns; it is
	// only safe to drop after rt0 has moved execution to the kernel half.
	exp := []string{"pmm.Init", "vmm.BootstrapKernel"}
	if len(calls) != len(exp) || calls[0] != exp[0] || calls[1] != exp[1] {
		t.Fatalf("expected Kmain to perform %v and nothing else; got %v", exp, calls)
	}
}

func TestKmainInitErrors(t *testing.T) {
	defer restoreKmainFns()

	var (
		expErr         = &kernel.Error{Module: "test", Message: "init failed"}
		panicked       interface{}
		bootstrapCalls int
	)

	pmmInitFn = func(_, _ uintptr) *kernel.Error { return expErr }
	bootstrapFn = func(_, _ uintptr) *kernel.Error {
		bootstrapCalls++
		return nil
	}
	panicFn = func(e interface{}) { panicked = e }

	Kmain(0, 0x100000, 0x200000)

	if panicked != expErr {
		t.Fatalf("expected a failed allocator init to panic with %v; got %v", expErr, panicked)
	}
	if bootstrapCalls != 0 {
		t.Fatal("expected the paging bootstrap to be skipped after a failed allocator init")
	}
}

func TestKmainHigherHalf(t *testing.T) {
	defer restoreKmainFns()

	var (
		dropCalls int
		panics    []interface{}
	)

	dropIdentityFn = func() *kernel.Error {
		dropCalls++
		return nil
	}
	panicFn = func(e interface{}) { panics = append(panics, e) }

	KmainHigherHalf()

	if dropCalls != 1 {
		t.Fatalf("expected the identity window to be dropped once; got %d call(s)", dropCalls)
	}

	// With the panic hook mocked out KmainHigherHalf falls through to its
	// not-expected-to-return trap.
	if len(panics) != 1 || panics[0] != errKmainReturned {
		t.Fatalf("expected the final trap to report errKmainReturned; got %v", panics)
	}
}

func TestKmainHigherHalfDropError(t *testing.T) {
	defer restoreKmainFns()

	expErr := &kernel.Error{Module: "test", Message: "drop failed"}

	var panics []interface{}
	dropIdentityFn = func() *kernel.Error { return expErr }
	panicFn = func(e interface{}) { panics = append(panics, e) }

	KmainHigherHalf()

	if len(panics) == 0 || panics[0] != expErr {
		t.Fatalf("expected a failed identity drop to panic with %v; got %v", expErr, panics)
	}
}
