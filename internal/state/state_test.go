package state

import (
	"testing"
	"time"

	"squeezebotv1/config"
	"squeezebotv1/internal/model"
)

func TestCooldownLazyExpiry(t *testing.T) {
	b := NewBot(config.DefaultSettings())
	now := time.Now()

	b.Update(func(d *Data) {
		d.Cooldowns["BTCUSDT"] = Cooldown{Until: now.Add(time.Hour)}
	})

	b.Update(func(d *Data) {
		if !d.CooldownActive("BTCUSDT", now) {
			t.Error("cooldown should be active before deadline")
		}
		if d.CooldownActive("BTCUSDT", now.Add(2*time.Hour)) {
			t.Error("cooldown should have expired")
		}
		if _, still := d.Cooldowns["BTCUSDT"]; still {
			t.Error("expired cooldown should be dropped")
		}
	})
}

func TestRemovePositionKeepsOrder(t *testing.T) {
	b := NewBot(config.DefaultSettings())
	b.Update(func(d *Data) {
		for i := int64(1); i <= 3; i++ {
			d.Positions = append(d.Positions, &model.Position{ID: i})
		}
	})

	b.Update(func(d *Data) {
		pos, ok := d.RemovePosition(2)
		if !ok || pos.ID != 2 {
			t.Fatalf("expected to remove id 2, got %+v ok=%v", pos, ok)
		}
		if len(d.Positions) != 2 || d.Positions[0].ID != 1 || d.Positions[1].ID != 3 {
			t.Fatalf("order broken: %+v", d.Positions)
		}
		if _, ok := d.RemovePosition(99); ok {
			t.Error("removing unknown id should report false")
		}
	})
}

func TestPersistableStateRoundTrip(t *testing.T) {
	b := NewBot(config.DefaultSettings())
	b.Update(func(d *Data) {
		d.Balance = 1234.5
		d.TradeIDCounter = 42
		d.Running = false
		d.Mode = ModeRealPaper
	})

	var kv map[string]string
	b.View(func(d *Data) { kv = d.PersistableState() })

	restored := NewBot(config.DefaultSettings())
	restored.Update(func(d *Data) { d.Restore(kv) })

	if restored.Balance() != 1234.5 {
		t.Errorf("balance: got %v", restored.Balance())
	}
	if restored.Running() {
		t.Error("running flag lost")
	}
	if restored.Mode() != ModeRealPaper {
		t.Errorf("mode: got %v", restored.Mode())
	}
	restored.View(func(d *Data) {
		if d.TradeIDCounter != 42 {
			t.Errorf("counter: got %d", d.TradeIDCounter)
		}
	})
}

func TestPairsSnapshotSortedByScore(t *testing.T) {
	b := NewBot(config.DefaultSettings())
	b.Update(func(d *Data) {
		d.Pairs["AAA"] = &model.ScannedPair{Symbol: "AAA", ScoreValue: 33}
		d.Pairs["BBB"] = &model.ScannedPair{Symbol: "BBB", ScoreValue: 100}
		d.Pairs["CCC"] = &model.ScannedPair{Symbol: "CCC", ScoreValue: 33}
	})

	pairs := b.PairsSnapshot()
	if len(pairs) != 3 {
		t.Fatalf("expected 3 pairs, got %d", len(pairs))
	}
	if pairs[0].Symbol != "BBB" || pairs[1].Symbol != "AAA" || pairs[2].Symbol != "CCC" {
		t.Errorf("unexpected order: %v %v %v", pairs[0].Symbol, pairs[1].Symbol, pairs[2].Symbol)
	}
}
