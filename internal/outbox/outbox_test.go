package outbox

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/ledger-engine/internal/model"
)

func TestMemoryPublisher_RecordsInOrder(t *testing.T) {
	p := NewMemoryPublisher()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := p.Publish(ctx, &Intent{ID: id, Kind: model.KindPool}); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}
	got := p.Intents()
	if len(got) != 3 || got[0].ID != "a" || got[2].ID != "c" {
		t.Errorf("unexpected intents %+v", got)
	}
	got[0].ID = "mutated"
	if p.Intents()[0].ID != "a" {
		t.Error("Intents must return a copy")
	}
}

func TestIntentJSON_AmountIsDecimalString(t *testing.T) {
	intent := &Intent{
		ID:        "i-1",
		Kind:      model.KindEscrow,
		Recipient: common.HexToAddress("0x00000000000000000000000000000000000000a5"),
		Amount:    *uint256.NewInt(1_000_000),
	}
	data, err := json.Marshal(intent)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"amount":"1000000"`) {
		t.Errorf("expected amount as a decimal string, got %s", data)
	}
	if !strings.Contains(string(data), `"recipient":"0x00000000000000000000000000000000000000a5"`) {
		t.Errorf("expected hex recipient, got %s", data)
	}
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	if err := p.Publish(context.Background(), &Intent{ID: "x"}); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}
