package bitmap

import (
	"testing"

	"vireo/kernel"
	"vireo/kernel/kfmt"
)

func TestInit(t *testing.T) {
	var b Bitmap

	words := make([]uint32, WordsFor(100))
	b.Init(100, words, false)

	if exp, got := uint32(100), b.Size(); got != exp {
		t.Fatalf("expected size %d; got %d", exp, got)
	}
	if exp, got := uint32(100), b.Free(); got != exp {
		t.Fatalf("expected free count %d; got %d", exp, got)
	}
	for i := uint32(0); i < 100; i++ {
		if b.Bit(i) {
			t.Fatalf("expected bit %d to start clear", i)
		}
	}

	b.Init(100, words, true)
	if exp, got := uint32(0), b.Free(); got != exp {
		t.Fatalf("expected free count %d; got %d", exp, got)
	}
	if !b.Full() {
		t.Fatal("expected the bitmap to report full")
	}
	for i := uint32(0); i < 100; i++ {
		if !b.Bit(i) {
			t.Fatalf("expected bit %d to start set", i)
		}
	}
}

func TestInitStorageTooSmall(t *testing.T) {
	defer func() { panicFn = kfmt.Panic }()

	var panicCalled bool
	panicFn = func(_ interface{}) { panicCalled = true }

	var b Bitmap
	b.Init(100, make([]uint32, WordsFor(100)-1), false)

	if !panicCalled {
		t.Fatal("expected an undersized backing store to trigger a panic")
	}
}

func TestSetUnsetTrackFreeCount(t *testing.T) {
	var b Bitmap
	b.Init(70, make([]uint32, WordsFor(70)), false)

	// Exercise both words of the backing store plus the word boundary.
	for _, index := range []uint32{0, 31, 32, 63, 64, 69} {
		b.Set(index)
		if !b.Bit(index) {
			t.Fatalf("expected bit %d to be set", index)
		}
	}
	if exp, got := uint32(64), b.Free(); got != exp {
		t.Fatalf("expected free count %d; got %d", exp, got)
	}

	for _, index := range []uint32{0, 31, 32, 63, 64, 69} {
		b.Unset(index)
		if b.Bit(index) {
			t.Fatalf("expected bit %d to be clear", index)
		}
	}
	if exp, got := uint32(70), b.Free(); got != exp {
		t.Fatalf("expected free count %d; got %d", exp, got)
	}
}

func TestDoubleSetAndDoubleUnsetTrap(t *testing.T) {
	defer func() { panicFn = kfmt.Panic }()

	var trapped *kernel.Error
	panicFn = func(err interface{}) { trapped = err.(*kernel.Error) }

	var b Bitmap
	b.Init(32, make([]uint32, 1), false)

	b.Set(7)
	b.Set(7)
	if trapped != errSetOnSetBit {
		t.Fatalf("expected a double set to trap with errSetOnSetBit; got %v", trapped)
	}
	if exp, got := uint32(31), b.Free(); got != exp {
		t.Fatalf("expected the trapped set to leave the free count at %d; got %d", exp, got)
	}

	trapped = nil
	b.Unset(7)
	b.Unset(7)
	if trapped != errUnsetOnClearBit {
		t.Fatalf("expected a double unset to trap with errUnsetOnClearBit; got %v", trapped)
	}
	if exp, got := uint32(32), b.Free(); got != exp {
		t.Fatalf("expected the trapped unset to leave the free count at %d; got %d", exp, got)
	}
}

func TestIndexOutOfRangeTraps(t *testing.T) {
	defer func() { panicFn = kfmt.Panic }()

	var trapped *kernel.Error
	panicFn = func(err interface{}) { trapped = err.(*kernel.Error) }

	var b Bitmap
	b.Init(10, make([]uint32, 1), false)

	b.Bit(10)
	if trapped != errIndexOutOfRange {
		t.Fatalf("expected an out of range access to trap; got %v", trapped)
	}
}

func TestSetNextBit(t *testing.T) {
	var b Bitmap
	b.Init(10, make([]uint32, 1), false)

	// Ten clear bits serve exactly ten first-fit requests in ascending
	// order; the eleventh reports NotFound.
	for exp := uint32(0); exp < 10; exp++ {
		if got := b.SetNextBit(0); got != exp {
			t.Fatalf("expected SetNextBit to return %d; got %d", exp, got)
		}
	}

	if got := b.SetNextBit(0); got != NotFound {
		t.Fatalf("expected SetNextBit on a full bitmap to return NotFound; got %d", got)
	}
	if exp, got := uint32(0), b.Free(); got != exp {
		t.Fatalf("expected the failed scan to leave the free count at %d; got %d", exp, got)
	}
}

func TestSetNextBitSkipsFullWords(t *testing.T) {
	var b Bitmap
	b.Init(96, make([]uint32, WordsFor(96)), false)

	// Fill the first two words so the scan has to jump straight to the
	// third one.
	for i := uint32(0); i < 64; i++ {
		b.Set(i)
	}
	b.Set(66)

	if exp, got := uint32(64), b.SetNextBit(0); got != exp {
		t.Fatalf("expected SetNextBit to return %d; got %d", exp, got)
	}
	if exp, got := uint32(65), b.SetNextBit(0); got != exp {
		t.Fatalf("expected SetNextBit to return %d; got %d", exp, got)
	}
	// 66 is taken; the scan must step over it.
	if exp, got := uint32(67), b.SetNextBit(0); got != exp {
		t.Fatalf("expected SetNextBit to return %d; got %d", exp, got)
	}
}

func TestSetNextBitHonorsStart(t *testing.T) {
	var b Bitmap
	b.Init(64, make([]uint32, 2), false)

	if exp, got := uint32(40), b.SetNextBit(40); got != exp {
		t.Fatalf("expected SetNextBit to return %d; got %d", exp, got)
	}
	if got := b.SetNextBit(64); got != NotFound {
		t.Fatalf("expected an out of range start to return NotFound; got %d", got)
	}
}

func TestSetAll(t *testing.T) {
	var b Bitmap
	b.Init(48, make([]uint32, 2), false)

	b.Set(3)
	b.SetAll()

	if !b.Full() {
		t.Fatal("expected the bitmap to report full after SetAll")
	}
	for i := uint32(0); i < 48; i++ {
		if !b.Bit(i) {
			t.Fatalf("expected bit %d to be set after SetAll", i)
		}
	}
}

func TestRebind(t *testing.T) {
	defer func() { panicFn = kfmt.Panic }()

	var b Bitmap

	words := make([]uint32, 2)
	b.Init(64, words, false)
	b.Set(5)
	b.Set(33)

	// Rebinding to an alias of the same storage must preserve both the
	// bit contents and the free count.
	b.Rebind(words[:])

	if exp, got := uint32(62), b.Free(); got != exp {
		t.Fatalf("expected free count %d after rebind; got %d", exp, got)
	}
	if !b.Bit(5) || !b.Bit(33) {
		t.Fatal("expected set bits to survive the rebind")
	}

	var panicCalled bool
	panicFn = func(_ interface{}) { panicCalled = true }
	b.Rebind(words[:1])
	if !panicCalled {
		t.Fatal("expected an undersized rebind to trigger a panic")
	}
}
