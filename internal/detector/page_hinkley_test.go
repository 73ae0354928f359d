package detector

import "testing"

func TestPageHinkleyConstantStream(t *testing.T) {
	ph := NewPageHinkley(0.05, 10, 5)
	for i := 0; i < 1000; i++ {
		if ph.Update(1.0) {
			t.Fatalf("alarm on a constant stream at observation %d", i)
		}
	}
	if ph.Tripped() {
		t.Error("Tripped() = true on a constant stream")
	}
}

func TestPageHinkleyDetectsMeanShift(t *testing.T) {
	ph := NewPageHinkley(0.05, 5, 10)
	for i := 0; i < 200; i++ {
		if ph.Update(0) {
			t.Fatalf("alarm before the shift at observation %d", i)
		}
	}

	tripped := false
	for i := 0; i < 100; i++ {
		if ph.Update(2.0) {
			tripped = true
			break
		}
	}
	if !tripped {
		t.Error("no alarm after the mean shifted from 0 to 2")
	}
}

func TestPageHinkleyBurnIn(t *testing.T) {
	ph := NewPageHinkley(0, 0.001, 50)
	// Even an extreme shift may not alarm inside the burn-in.
	for i := 0; i < 50; i++ {
		if ph.Update(float64(i * 1000)) {
			t.Fatalf("alarm inside burn-in at observation %d", i)
		}
	}
}

func TestPageHinkleyReset(t *testing.T) {
	ph := NewPageHinkley(0.05, 5, 0)
	for i := 0; i < 100; i++ {
		ph.Update(0)
	}
	for i := 0; i < 100; i++ {
		ph.Update(2.0)
	}
	if !ph.Tripped() {
		t.Fatal("expected an alarm before Reset")
	}

	ph.Reset()
	if ph.Tripped() {
		t.Error("Tripped() = true after Reset")
	}
	for i := 0; i < 100; i++ {
		if ph.Update(2.0) {
			t.Fatalf("alarm on a constant stream after Reset at observation %d", i)
		}
	}
}
