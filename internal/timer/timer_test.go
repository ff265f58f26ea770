package timer

import "testing"

func TestOneShotFiresOnce(t *testing.T) {
	w := New()
	fired := 0
	w.Create(0, func(cd ClientData, now int64) { fired++ }, nil, 100, false)
	w.Run(50)
	if fired != 0 {
		t.Fatalf("fired early: %d", fired)
	}
	w.Run(100)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	w.Run(200)
	if fired != 1 {
		t.Fatalf("one-shot refired: %d", fired)
	}
}

func TestPeriodicReArms(t *testing.T) {
	w := New()
	fired := 0
	w.Create(0, func(cd ClientData, now int64) { fired++ }, nil, 10, true)
	for now := int64(0); now <= 35; now += 5 {
		w.Run(now)
	}
	if fired < 3 {
		t.Fatalf("periodic fired %d times, want >= 3", fired)
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	w := New()
	fired := false
	h := w.Create(0, func(cd ClientData, now int64) { fired = true }, nil, 10, false)
	w.Cancel(h)
	w.Run(100)
	if fired {
		t.Fatal("canceled timer fired")
	}
}

func TestReentrantCancelFromCallback(t *testing.T) {
	w := New()
	var hardKill Handle
	softFired := false
	hardFired := false

	hardKill = w.Create(0, func(cd ClientData, now int64) { hardFired = true }, nil, 5000, false)
	w.Create(0, func(cd ClientData, now int64) {
		softFired = true
		w.Cancel(hardKill) // soft-kill chaining: cancel the still-pending hard kill
	}, nil, 300, false)

	w.Run(300)
	if !softFired {
		t.Fatal("soft timer did not fire")
	}
	w.Run(5000)
	if hardFired {
		t.Fatal("hard kill fired after being canceled re-entrantly")
	}
}

func TestClientDataRoundTrips(t *testing.T) {
	w := New()
	type connLike struct{ id int }
	var got ClientData
	w.Create(0, func(cd ClientData, now int64) { got = cd }, connLike{id: 7}, 1, false)
	w.Run(1)
	if c, ok := got.(connLike); !ok || c.id != 7 {
		t.Fatalf("client data mismatch: %#v", got)
	}
}
