package vmm

import (
	"runtime"
	"testing"
	"unsafe"

	"vireo/kernel"
	"vireo/kernel/mm"
)

func TestPageDirectoryTableInit386(t *testing.T) {
	if runtime.GOARCH != "386" {
		t.Skip("test requires 386 runtime; skipping")
	}

	defer func(origFlushTLBEntry func(uintptr), origActivePDT func() uintptr, origMapTemporary func(mm.Frame) (mm.Page, *kernel.Error), origUnmap func(mm.Page) *kernel.Error) {
		flushTLBEntryFn = origFlushTLBEntry
		activePDTFn = origActivePDT
		mapTemporaryFn = origMapTemporary
		unmapFn = origUnmap
	}(flushTLBEntryFn, activePDTFn, mapTemporaryFn, unmapFn)

	t.Run("already active PDT", func(t *testing.T) {
		var (
			pdt      PageDirectoryTable
			pdtFrame = mm.Frame(123)
		)

		activePDTFn = func() uintptr {
			return pdtFrame.Address()
		}

		mapTemporaryFn = func(_ mm.Frame) (mm.Page, *kernel.Error) {
			t.Fatal("unexpected call to MapTemporary")
			return 0, nil
		}

		unmapFn = func(_ mm.Page) *kernel.Error {
			t.Fatal("unexpected call to Unmap")
			return nil
		}

		if err := pdt.Init(pdtFrame); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("inactive PDT", func(t *testing.T) {
		var (
			pdt      PageDirectoryTable
			pdtFrame = mm.Frame(123)
			physPage [entriesPerTable]pageTableEntry
		)

		// Fill phys page with random junk
		kernel.Memset(uintptr(unsafe.Pointer(&physPage[0])), 0xf0, mm.PageSize)

		activePDTFn = func() uintptr {
			return 0
		}

		mapTemporaryFn = func(_ mm.Frame) (mm.Page, *kernel.Error) {
			return mm.PageFromAddress(uintptr(unsafe.Pointer(&physPage[0]))), nil
		}

		flushTLBEntryFn = func(_ uintptr) {}

		unmapCallCount := 0
		unmapFn = func(_ mm.Page) *kernel.Error {
			unmapCallCount++
			return nil
		}

		if err := pdt.Init(pdtFrame); err != nil {
			t.Fatal(err)
		}

		if unmapCallCount != 1 {
			t.Fatalf("expected Unmap to be called 1 time; called %d", unmapCallCount)
		}

		for i := 0; i < len(physPage)-1; i++ {
			if physPage[i] != 0 {
				t.Errorf("expected PDT entry %d to be cleared; got %x", i, physPage[i])
			}
		}

		// The last entry should be recursively mapped to the PDT frame
		lastPdtEntry := physPage[len(physPage)-1]
		if !lastPdtEntry.HasFlags(FlagPresent | FlagRW) {
			t.Fatal("expected last PDT entry to have FlagPresent and FlagRW set")
		}

		if lastPdtEntry.Frame() != pdtFrame {
			t.Fatalf("expected last PDT entry to be recursively mapped to physical frame %x; got %x", pdtFrame, lastPdtEntry.Frame())
		}
	})

	t.Run("temporary mapping failure", func(t *testing.T) {
		var (
			pdt      PageDirectoryTable
			pdtFrame = mm.Frame(123)
		)

		activePDTFn = func() uintptr {
			return 0
		}

		expErr := &kernel.Error{Module: "test", Message: "error mapping page"}

		mapTemporaryFn = func(_ mm.Frame) (mm.Page, *kernel.Error) {
			return 0, expErr
		}

		unmapFn = func(_ mm.Page) *kernel.Error {
			t.Fatal("unexpected call to Unmap")
			return nil
		}

		if err := pdt.Init(pdtFrame); err != expErr {
			t.Fatalf("expected to get error: %v; got %v", *expErr, err)
		}
	})
}

func TestPageDirectoryTableMap386(t *testing.T) {
	if runtime.GOARCH != "386" {
		t.Skip("test requires 386 runtime; skipping")
	}

	defer func(origFlushTLBEntry func(uintptr), origActivePDT func() uintptr, origPtePtr func(uintptr) unsafe.Pointer, origMap func(mm.Page, mm.Frame, PageTableEntryFlag) *kernel.Error) {
		flushTLBEntryFn = origFlushTLBEntry
		activePDTFn = origActivePDT
		ptePtrFn = origPtePtr
		mapFn = origMap
	}(flushTLBEntryFn, activePDTFn, ptePtrFn, mapFn)

	t.Run("active PDT", func(t *testing.T) {
		var (
			pdtFrame = mm.Frame(123)
			pdt      = PageDirectoryTable{pdtFrame: pdtFrame}
		)

		activePDTFn = func() uintptr {
			return pdtFrame.Address()
		}

		flushCallCount := 0
		flushTLBEntryFn = func(_ uintptr) {
			flushCallCount++
		}

		mapCallCount := 0
		mapFn = func(_ mm.Page, _ mm.Frame, _ PageTableEntryFlag) *kernel.Error {
			mapCallCount++
			return nil
		}

		if err := pdt.Map(mm.Page(4), mm.Frame(42), FlagPresent|FlagRW); err != nil {
			t.Fatal(err)
		}

		if exp := 1; mapCallCount != exp {
			t.Errorf("expected Map to be called %d time(s); got %d", exp, mapCallCount)
		}
		if exp := 0; flushCallCount != exp {
			t.Errorf("expected flushTLBEntry not to be called for the active PDT; got %d call(s)", flushCallCount)
		}
	})

	t.Run("inactive PDT", func(t *testing.T) {
		var (
			activePD       [entriesPerTable]pageTableEntry
			activePdtFrame = mm.Frame(500)
			pdtFrame       = mm.Frame(123)
			pdt            = PageDirectoryTable{pdtFrame: pdtFrame}
		)

		activePD[entriesPerTable-1].SetFlags(FlagPresent | FlagRW)
		activePD[entriesPerTable-1].SetFrame(activePdtFrame)

		activePDTFn = func() uintptr {
			return activePdtFrame.Address()
		}

		ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
			if exp := pdtVirtualAddr + (((1 << pageLevelBits[0]) - 1) << mm.PointerShift); entryAddr != exp {
				t.Fatalf("expected the recursive slot address 0x%x; got 0x%x", exp, entryAddr)
			}
			return unsafe.Pointer(&activePD[entriesPerTable-1])
		}

		flushCallCount := 0
		flushTLBEntryFn = func(_ uintptr) {
			flushCallCount++
		}

		mapFn = func(_ mm.Page, _ mm.Frame, _ PageTableEntryFlag) *kernel.Error {
			// While Map runs, the recursive slot must point at the
			// inactive directory.
			if got := activePD[entriesPerTable-1].Frame(); got != pdtFrame {
				t.Errorf("expected the recursive slot to point at frame %d during Map; got %d", pdtFrame, got)
			}
			return nil
		}

		if err := pdt.Map(mm.Page(4), mm.Frame(42), FlagPresent|FlagRW); err != nil {
			t.Fatal(err)
		}

		// After the call the slot must point back at the active PDT.
		if got := activePD[entriesPerTable-1].Frame(); got != activePdtFrame {
			t.Errorf("expected the recursive slot to be restored to frame %d; got %d", activePdtFrame, got)
		}
		if exp := 2; flushCallCount != exp {
			t.Errorf("expected flushTLBEntry to be called %d time(s); got %d", exp, flushCallCount)
		}
	})
}

func TestPageDirectoryTableUnmap386(t *testing.T) {
	if runtime.GOARCH != "386" {
		t.Skip("test requires 386 runtime; skipping")
	}

	defer func(origFlushTLBEntry func(uintptr), origActivePDT func() uintptr, origPtePtr func(uintptr) unsafe.Pointer, origUnmap func(mm.Page) *kernel.Error) {
		flushTLBEntryFn = origFlushTLBEntry
		activePDTFn = origActivePDT
		ptePtrFn = origPtePtr
		unmapFn = origUnmap
	}(flushTLBEntryFn, activePDTFn, ptePtrFn, unmapFn)

	var (
		activePD       [entriesPerTable]pageTableEntry
		activePdtFrame = mm.Frame(500)
		pdtFrame       = mm.Frame(123)
		pdt            = PageDirectoryTable{pdtFrame: pdtFrame}
	)

	activePD[entriesPerTable-1].SetFlags(FlagPresent | FlagRW)
	activePD[entriesPerTable-1].SetFrame(activePdtFrame)

	activePDTFn = func() uintptr {
		return activePdtFrame.Address()
	}

	ptePtrFn = func(_ uintptr) unsafe.Pointer {
		return unsafe.Pointer(&activePD[entriesPerTable-1])
	}

	flushCallCount := 0
	flushTLBEntryFn = func(_ uintptr) {
		flushCallCount++
	}

	unmapCallCount := 0
	unmapFn = func(_ mm.Page) *kernel.Error {
		unmapCallCount++
		if got := activePD[entriesPerTable-1].Frame(); got != pdtFrame {
			t.Errorf("expected the recursive slot to point at frame %d during Unmap; got %d", pdtFrame, got)
		}
		return nil
	}

	if err := pdt.Unmap(mm.Page(4)); err != nil {
		t.Fatal(err)
	}

	if exp := 1; unmapCallCount != exp {
		t.Errorf("expected Unmap to be called %d time(s); got %d", exp, unmapCallCount)
	}
	if got := activePD[entriesPerTable-1].Frame(); got != activePdtFrame {
		t.Errorf("expected the recursive slot to be restored to frame %d; got %d", activePdtFrame, got)
	}
	if exp := 2; flushCallCount != exp {
		t.Errorf("expected flushTLBEntry to be called %d time(s); got %d", exp, flushCallCount)
	}
}

func TestPageDirectoryTableActivate386(t *testing.T) {
	if runtime.GOARCH != "386" {
		t.Skip("test requires 386 runtime; skipping")
	}

	defer func(origSwitchPDT func(uintptr)) {
		switchPDTFn = origSwitchPDT
	}(switchPDTFn)

	var (
		pdtFrame = mm.Frame(123)
		pdt      = PageDirectoryTable{pdtFrame: pdtFrame}
	)

	switchPDTCallCount := 0
	switchPDTFn = func(pdtAddr uintptr) {
		switchPDTCallCount++
		if exp := pdtFrame.Address(); pdtAddr != exp {
			t.Errorf("expected SwitchPDT to be called with address 0x%x; got 0x%x", exp, pdtAddr)
		}
	}

	pdt.Activate()

	if exp := 1; switchPDTCallCount != exp {
		t.Errorf("expected SwitchPDT to be called %d time(s); got %d", exp, switchPDTCallCount)
	}
}

func TestSetupNewPageDir386(t *testing.T) {
	if runtime.GOARCH != "386" {
		t.Skip("test requires 386 runtime; skipping")
	}

	defer func(origPtePtr func(uintptr) unsafe.Pointer, origMapTemporary func(mm.Frame) (mm.Page, *kernel.Error), origUnmap func(mm.Page) *kernel.Error) {
		ptePtrFn = origPtePtr
		mapTemporaryFn = origMapTemporary
		unmapFn = origUnmap
	}(ptePtrFn, mapTemporaryFn, unmapFn)

	var (
		srcPD    [entriesPerTable]pageTableEntry
		dstPD    [entriesPerTable]pageTableEntry
		pdtFrame = mm.Frame(123)

		firstKernelEntry = int(mm.KernelPageOffset >> pageLevelShifts[0])
	)

	// Junk in the user half of the source and real-looking entries in the
	// kernel half; neither the user entries nor the source's own recursive
	// entry may leak into the new directory.
	srcPD[5].SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
	srcPD[5].SetFrame(mm.Frame(77))
	for i := firstKernelEntry; i < entriesPerTable-1; i++ {
		srcPD[i].SetFlags(FlagPresent | FlagRW)
		srcPD[i].SetFrame(mm.Frame(1000 + i))
	}
	srcPD[entriesPerTable-1].SetFlags(FlagPresent | FlagRW)
	srcPD[entriesPerTable-1].SetFrame(mm.Frame(500))

	// Fill the destination with junk so the zeroing is observable.
	kernel.Memset(uintptr(unsafe.Pointer(&dstPD[0])), 0xf0, mm.PageSize)

	mapTemporaryFn = func(frame mm.Frame) (mm.Page, *kernel.Error) {
		if frame != pdtFrame {
			t.Fatalf("expected MapTemporary to be called with frame %d; got %d", pdtFrame, frame)
		}
		return mm.PageFromAddress(uintptr(unsafe.Pointer(&dstPD[0]))), nil
	}

	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		if entryAddr == pdtVirtualAddr {
			return unsafe.Pointer(&srcPD[0])
		}
		return unsafe.Pointer(entryAddr)
	}

	unmapCallCount := 0
	unmapFn = func(_ mm.Page) *kernel.Error {
		unmapCallCount++
		return nil
	}

	if err := SetupNewPageDir(pdtFrame); err != nil {
		t.Fatal(err)
	}

	if exp := 1; unmapCallCount != exp {
		t.Fatalf("expected Unmap to be called %d time(s); got %d", exp, unmapCallCount)
	}

	for i := 0; i < firstKernelEntry; i++ {
		if dstPD[i] != 0 {
			t.Fatalf("expected user-half entry %d to be cleared; got %x", i, dstPD[i])
		}
	}

	for i := firstKernelEntry; i < entriesPerTable-1; i++ {
		if dstPD[i] != srcPD[i] {
			t.Fatalf("expected kernel entry %d to be copied from the active directory", i)
		}
	}

	lastEntry := dstPD[entriesPerTable-1]
	if !lastEntry.HasFlags(FlagPresent | FlagRW) {
		t.Fatal("expected the recursive entry to have FlagPresent and FlagRW set")
	}
	if lastEntry.Frame() != pdtFrame {
		t.Fatalf("expected the recursive entry to point at frame %d; got %d", pdtFrame, lastEntry.Frame())
	}
}

func TestFreeAddressSpaceTables386(t *testing.T) {
	if runtime.GOARCH != "386" {
		t.Skip("test requires 386 runtime; skipping")
	}

	defer func(origMapTemporary func(mm.Frame) (mm.Page, *kernel.Error), origUnmap func(mm.Page) *kernel.Error) {
		mapTemporaryFn = origMapTemporary
		unmapFn = origUnmap
		mm.SetFrameFreer(nil)
	}(mapTemporaryFn, unmapFn)

	var (
		dirPage  [entriesPerTable]pageTableEntry
		pdtFrame = mm.Frame(123)

		firstKernelEntry = int(mm.KernelPageOffset >> pageLevelShifts[0])
	)

	// Two user page tables and one kernel-shared table.
	dirPage[0].SetFlags(FlagPresent | FlagRW)
	dirPage[0].SetFrame(mm.Frame(100))
	dirPage[7].SetFlags(FlagPresent | FlagRW)
	dirPage[7].SetFrame(mm.Frame(200))
	dirPage[firstKernelEntry].SetFlags(FlagPresent | FlagRW)
	dirPage[firstKernelEntry].SetFrame(mm.Frame(300))

	mapTemporaryFn = func(_ mm.Frame) (mm.Page, *kernel.Error) {
		return mm.PageFromAddress(uintptr(unsafe.Pointer(&dirPage[0]))), nil
	}

	unmapCallCount := 0
	unmapFn = func(_ mm.Page) *kernel.Error {
		unmapCallCount++
		return nil
	}

	var freedFrames []mm.Frame
	mm.SetFrameFreer(func(frame mm.Frame) *kernel.Error {
		freedFrames = append(freedFrames, frame)
		return nil
	})

	if err := FreeAddressSpaceTables(pdtFrame); err != nil {
		t.Fatal(err)
	}

	expFreed := []mm.Frame{100, 200, pdtFrame}
	if len(freedFrames) != len(expFreed) {
		t.Fatalf("expected %d frames to be freed; got %d", len(expFreed), len(freedFrames))
	}
	for i, exp := range expFreed {
		if freedFrames[i] != exp {
			t.Errorf("[free %d] expected frame %d to be freed; got %d", i, exp, freedFrames[i])
		}
	}

	// The kernel-shared table must not be released.
	if got := dirPage[firstKernelEntry].Frame(); got != mm.Frame(300) {
		t.Errorf("expected the kernel-shared entry to be left untouched; got frame %d", got)
	}

	if exp := 1; unmapCallCount != exp {
		t.Errorf("expected Unmap to be called %d time(s); got %d", exp, unmapCallCount)
	}
}
