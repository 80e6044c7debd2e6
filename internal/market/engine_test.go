package market_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gridpool/clearing-engine/internal/capacity"
	"github.com/gridpool/clearing-engine/internal/market"
	"github.com/gridpool/clearing-engine/internal/merit"
	"github.com/gridpool/clearing-engine/internal/model"
	"github.com/gridpool/clearing-engine/internal/registry"
	"github.com/gridpool/clearing-engine/internal/store"
)

// baseTime is 3600-aligned so tests can reason about hour boundaries.
var baseTime = time.Unix(1_699_999_200, 0).UTC()

// fakeClock is the synthetic time source driving the engine in tests.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type testEnv struct {
	engine *market.Service
	store  *store.MemoryStore
	reg    *registry.Memory
	clock  *fakeClock
}

// newTestEnv creates an engine over an in-memory store with the registry
// population used throughout: three 300 MW suppliers and two consumers.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	reg := registry.NewMemory()
	reg.RegisterSupplier(registry.Supplier{Account: "ENG01", BlockCount: 2, Capacity: 300, OfferControl: "Albera Energy Ltd."})
	reg.RegisterSupplier(registry.Supplier{Account: "ENG02", BlockCount: 3, Capacity: 300, OfferControl: "Albera Energy Ltd."})
	reg.RegisterSupplier(registry.Supplier{Account: "ENG03", BlockCount: 4, Capacity: 300, OfferControl: "Albera Energy Ltd."})
	reg.RegisterConsumer(registry.Consumer{Account: "FACTORY1", Load: 500})
	reg.RegisterConsumer(registry.Consumer{Account: "FACTORY2", Load: 400})

	ms := store.NewMemoryStore()
	clock := &fakeClock{t: baseTime}
	engine := market.NewService(ms, reg, clock, market.Config{MinPrice: 0, MaxPrice: 1000}, nil)

	return &testEnv{engine: engine, store: ms, reg: reg, clock: clock}
}

func (env *testEnv) mustOffer(t *testing.T, supplier string, block uint8, amount, price uint64) *model.Offer {
	t.Helper()
	o, err := env.engine.SubmitOffer(context.Background(), supplier, block, amount, price)
	if err != nil {
		t.Fatalf("submit offer %s/%d: %v", supplier, block, err)
	}
	return o
}

func (env *testEnv) mustBid(t *testing.T, consumer string, amount, price uint64) uint64 {
	t.Helper()
	_, total, err := env.engine.SubmitBid(context.Background(), consumer, amount, price)
	if err != nil {
		t.Fatalf("submit bid %s: %v", consumer, err)
	}
	return total
}

// seedScenario loads the standard book: ENG01 35MW@50, ENG02 27MW@55,
// ENG03 60MW@20, bids FACTORY1 30MW@30 and FACTORY2 31MW@20 (demand 61).
func (env *testEnv) seedScenario(t *testing.T) {
	t.Helper()
	env.mustOffer(t, "ENG01", 0, 35, 50)
	env.mustOffer(t, "ENG02", 1, 27, 55)
	env.mustOffer(t, "ENG03", 2, 60, 20)
	env.mustBid(t, "FACTORY1", 30, 30)
	env.mustBid(t, "FACTORY2", 31, 20)
}

// --- Offer book ---

func TestSubmitOffer_Valid(t *testing.T) {
	env := newTestEnv(t)

	offer := env.mustOffer(t, "ENG01", 0, 5, 50)

	if offer.ID != model.OfferID("ENG01", 0) {
		t.Errorf("unexpected offer id %s", offer.ID)
	}
	if !offer.IsValid {
		t.Error("offer should be valid")
	}
	if offer.SubmitMinute != model.MinuteOf(baseTime) {
		t.Errorf("expected submit minute %d, got %d", model.MinuteOf(baseTime), offer.SubmitMinute)
	}

	ids, err := env.engine.ValidOfferIDs(context.Background())
	if err != nil {
		t.Fatalf("valid offer ids: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 valid offer, got %d", len(ids))
	}
}

func TestSubmitOffer_ResubmitIdentical(t *testing.T) {
	env := newTestEnv(t)

	first := env.mustOffer(t, "ENG01", 0, 5, 50)
	second := env.mustOffer(t, "ENG01", 0, 5, 50)

	if *first != *second {
		t.Errorf("identical resubmission changed the record: %+v vs %+v", first, second)
	}

	ids, _ := env.engine.ValidOfferIDs(context.Background())
	if len(ids) != 1 {
		t.Fatalf("expected 1 valid offer after resubmission, got %d", len(ids))
	}
}

func TestSubmitOffer_UpdateNotDuplicate(t *testing.T) {
	env := newTestEnv(t)

	env.mustOffer(t, "ENG01", 0, 5, 50)
	env.mustOffer(t, "ENG01", 0, 30, 45)

	ids, _ := env.engine.ValidOfferIDs(context.Background())
	if len(ids) != 1 {
		t.Fatalf("expected 1 valid offer, got %d", len(ids))
	}

	got, err := env.engine.Offer(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("get offer: %v", err)
	}
	if got.Price != 45 {
		t.Errorf("expected updated price 45, got %d", got.Price)
	}
	if got.Amount != 30 {
		t.Errorf("expected updated amount 30, got %d", got.Amount)
	}
}

func TestSubmitOffer_SecondBlockIsSeparate(t *testing.T) {
	env := newTestEnv(t)

	env.mustOffer(t, "ENG01", 0, 5, 50)
	env.mustOffer(t, "ENG01", 1, 10, 60)

	ids, _ := env.engine.ValidOfferIDs(context.Background())
	if len(ids) != 2 {
		t.Fatalf("expected 2 valid offers for distinct blocks, got %d", len(ids))
	}
}

func TestSubmitOffer_Unregistered(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.SubmitOffer(context.Background(), "ENG04", 0, 5, 50)
	if !errors.Is(err, market.ErrUnregisteredSupplier) {
		t.Fatalf("expected ErrUnregisteredSupplier, got %v", err)
	}

	ids, _ := env.engine.ValidOfferIDs(context.Background())
	if len(ids) != 0 {
		t.Errorf("offer book should be unchanged, got %d offers", len(ids))
	}
}

func TestSubmitOffer_OverCapacity(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.SubmitOffer(context.Background(), "ENG01", 0, 500, 50)
	if !errors.Is(err, capacity.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}

	ids, _ := env.engine.ValidOfferIDs(context.Background())
	if len(ids) != 0 {
		t.Errorf("offer book should be unchanged, got %d offers", len(ids))
	}
}

func TestSubmitOffer_PriceOutOfBounds(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.SubmitOffer(context.Background(), "ENG01", 0, 5, 1001)
	if !errors.Is(err, market.ErrPriceOutOfBounds) {
		t.Fatalf("expected ErrPriceOutOfBounds, got %v", err)
	}
}

// --- Bid ledger and demand ---

func TestSubmitBid_DeltaCorrectness(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if total := env.mustBid(t, "FACTORY1", 30, 30); total != 30 {
		t.Fatalf("expected demand 30, got %d", total)
	}

	// Resubmission replaces the live amount: demand moves to the new
	// value, not the sum.
	if total := env.mustBid(t, "FACTORY1", 70, 30); total != 70 {
		t.Fatalf("expected demand 70 after resubmission, got %d", total)
	}

	hist, err := env.engine.BidsInHour(ctx, model.HourOf(baseTime))
	if err != nil {
		t.Fatalf("bid history: %v", err)
	}
	if len(hist) != 2 {
		t.Errorf("expected 2 history entries, got %d", len(hist))
	}

	ids, _ := env.engine.ValidBidIDs(ctx)
	if len(ids) != 1 {
		t.Errorf("expected 1 live bid, got %d", len(ids))
	}
}

func TestSubmitBid_DecreaseExistingBid(t *testing.T) {
	env := newTestEnv(t)

	env.seedScenario(t) // demand 61

	if total := env.mustBid(t, "FACTORY2", 30, 20); total != 60 {
		t.Errorf("expected demand 60 after decrease, got %d", total)
	}
}

func TestSubmitBid_ZeroAmountWithdraws(t *testing.T) {
	env := newTestEnv(t)

	env.mustBid(t, "FACTORY1", 30, 30)
	env.mustBid(t, "FACTORY2", 31, 20)

	if total := env.mustBid(t, "FACTORY1", 0, 0); total != 31 {
		t.Errorf("expected demand 31 after withdrawal, got %d", total)
	}

	hist, _ := env.engine.BidsInHour(context.Background(), model.HourOf(baseTime))
	if len(hist) != 3 {
		t.Errorf("withdrawal should still append history, got %d entries", len(hist))
	}
}

func TestSubmitBid_DemandExceedsSupply(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.mustBid(t, "FACTORY1", 30, 30)

	// Total registered capacity is 900.
	_, _, err := env.engine.SubmitBid(ctx, "FACTORY2", 871, 20)
	if !errors.Is(err, capacity.ErrDemandExceedsSupply) {
		t.Fatalf("expected ErrDemandExceedsSupply, got %v", err)
	}

	// Rejection leaves live bid, history and demand untouched.
	total, _ := env.engine.LatestTotalDemand(ctx)
	if total != 30 {
		t.Errorf("demand should stay 30, got %d", total)
	}
	hist, _ := env.engine.BidsInHour(ctx, model.HourOf(baseTime))
	if len(hist) != 1 {
		t.Errorf("history should stay at 1 entry, got %d", len(hist))
	}
	if _, err := env.engine.Bid(ctx, model.BidID("FACTORY2")); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("rejected bid must not be stored, got %v", err)
	}
}

func TestSubmitBid_Unregistered(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.engine.SubmitBid(context.Background(), "FACTORY9", 10, 20)
	if !errors.Is(err, market.ErrUnregisteredConsumer) {
		t.Fatalf("expected ErrUnregisteredConsumer, got %v", err)
	}
}

// --- Dispatch ---

func TestCalculateSMP_MeritOrderScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedScenario(t)

	total, _ := env.engine.LatestTotalDemand(ctx)
	if total != 61 {
		t.Fatalf("expected demand 61, got %d", total)
	}

	// Merit order 20, 50, 55 accumulates 60 then 95 >= 61: the 50 offer
	// is marginal.
	rec, err := env.engine.CalculateSMP(ctx)
	if err != nil {
		t.Fatalf("calculate smp: %v", err)
	}
	if rec.Price != 50 {
		t.Errorf("expected SMP 50, got %d", rec.Price)
	}
	if rec.MarginalOfferID != model.OfferID("ENG01", 0) {
		t.Errorf("unexpected marginal offer %s", rec.MarginalOfferID)
	}

	// A fourth offer at 70 and demand 100 move the margin to the 55 offer.
	env.reg.RegisterSupplier(registry.Supplier{Account: "ENG04", BlockCount: 3, Capacity: 300})
	env.mustOffer(t, "ENG04", 2, 60, 70)
	env.mustBid(t, "FACTORY2", 70, 20) // demand 30 + 70 = 100

	rec, err = env.engine.CalculateSMP(ctx)
	if err != nil {
		t.Fatalf("calculate smp: %v", err)
	}
	if rec.Price != 55 {
		t.Errorf("expected SMP 55, got %d", rec.Price)
	}

	marginal, err := env.engine.MarginalOffer(ctx, rec.Minute)
	if err != nil {
		t.Fatalf("marginal offer: %v", err)
	}
	if marginal.Supplier != "ENG02" {
		t.Errorf("expected ENG02 marginal, got %s", marginal.Supplier)
	}
}

func TestCalculateSMP_ZeroDemand(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.mustOffer(t, "ENG01", 0, 35, 50)

	rec, err := env.engine.CalculateSMP(ctx)
	if err != nil {
		t.Fatalf("calculate smp: %v", err)
	}
	if rec.Price != 0 {
		t.Errorf("zero demand should clear at 0, got %d", rec.Price)
	}
	if len(rec.DispatchedIDs) != 0 {
		t.Errorf("zero demand should dispatch nothing, got %d", len(rec.DispatchedIDs))
	}
	if _, err := env.engine.MarginalOffer(ctx, rec.Minute); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("zero-demand minute has no marginal offer, got %v", err)
	}
}

func TestCalculateSMP_InsufficientSupply(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.mustOffer(t, "ENG01", 0, 35, 50)
	env.mustBid(t, "FACTORY1", 100, 30)

	_, err := env.engine.CalculateSMP(ctx)
	if !errors.Is(err, merit.ErrInsufficientSupply) {
		t.Fatalf("expected ErrInsufficientSupply, got %v", err)
	}
	if _, err := env.engine.SMP(ctx, model.MinuteOf(baseTime)); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("failed clearing must not record an SMP, got %v", err)
	}
}

func TestCalculateSMP_EarlierMinutesStayPut(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedScenario(t)
	first, err := env.engine.CalculateSMP(ctx)
	if err != nil {
		t.Fatalf("calculate smp: %v", err)
	}

	env.clock.advance(time.Minute)
	env.mustOffer(t, "ENG03", 2, 20, 20) // shrink the cheap block
	second, err := env.engine.CalculateSMP(ctx)
	if err != nil {
		t.Fatalf("calculate smp: %v", err)
	}
	if second.Minute == first.Minute {
		t.Fatal("expected distinct minutes")
	}

	// The earlier record reflects the book at its own instant.
	got, err := env.engine.SMP(ctx, first.Minute)
	if err != nil {
		t.Fatalf("get smp: %v", err)
	}
	if got.Price != first.Price {
		t.Errorf("earlier minute changed from %d to %d", first.Price, got.Price)
	}
}

func TestDispatchedOffers_PrefixCoversDemand(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedScenario(t)
	env.reg.RegisterSupplier(registry.Supplier{Account: "ENG04", BlockCount: 3, Capacity: 300})
	env.mustOffer(t, "ENG04", 2, 60, 70)
	env.mustBid(t, "FACTORY2", 90, 20) // demand 120

	if _, err := env.engine.CalculateSMP(ctx); err != nil {
		t.Fatalf("calculate smp: %v", err)
	}

	offers, err := env.engine.DispatchedOffers(ctx, model.HourOf(env.clock.Now()))
	if err != nil {
		t.Fatalf("dispatched offers: %v", err)
	}
	// 60 + 35 + 27 = 122 >= 120 across the three cheapest offers.
	if len(offers) != 3 {
		t.Fatalf("expected 3 dispatched offers, got %d", len(offers))
	}
	for i := 1; i < len(offers); i++ {
		if offers[i-1].Price > offers[i].Price {
			t.Errorf("dispatch not in merit order at %d: %d > %d", i, offers[i-1].Price, offers[i].Price)
		}
	}
}

func TestDispatchedOffers_NoClearingInHour(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.DispatchedOffers(context.Background(), model.HourOf(baseTime))
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// --- Settlement ---

func TestCalculatePoolPrice_FutureHour(t *testing.T) {
	env := newTestEnv(t)

	future := model.HourOf(baseTime) + 3600
	_, err := env.engine.CalculatePoolPrice(context.Background(), future)
	if !errors.Is(err, market.ErrFutureHour) {
		t.Fatalf("expected ErrFutureHour, got %v", err)
	}
}

func TestCalculatePoolPrice_SingleSample(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.clock.advance(20 * time.Minute)
	env.seedScenario(t)
	rec, err := env.engine.CalculateSMP(ctx)
	if err != nil {
		t.Fatalf("calculate smp: %v", err)
	}
	if rec.Price != 50 {
		t.Fatalf("expected SMP 50, got %d", rec.Price)
	}

	// floor(50 * (60 - 20) / 60) = 33.
	pp, err := env.engine.CalculatePoolPrice(ctx, model.HourOf(baseTime))
	if err != nil {
		t.Fatalf("calculate pool price: %v", err)
	}
	if pp.Price != 33 {
		t.Errorf("expected pool price 33, got %d", pp.Price)
	}

	stored, err := env.engine.PoolPrice(ctx, model.HourOf(baseTime))
	if err != nil {
		t.Fatalf("get pool price: %v", err)
	}
	if stored.Price != 33 {
		t.Errorf("expected stored pool price 33, got %d", stored.Price)
	}
}

func TestCalculatePoolPrice_MultiSample(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedScenario(t) // clears at 50
	if _, err := env.engine.CalculateSMP(ctx); err != nil {
		t.Fatalf("calculate smp: %v", err)
	}

	// Half an hour later demand rises to 101 and the SMP moves to 55.
	env.clock.advance(30 * time.Minute)
	env.mustBid(t, "FACTORY1", 70, 30)
	if _, err := env.engine.CalculateSMP(ctx); err != nil {
		t.Fatalf("calculate smp: %v", err)
	}

	// (50*30 + 55*30) / 60 = 52 (floored).
	pp, err := env.engine.CalculatePoolPrice(ctx, model.HourOf(baseTime))
	if err != nil {
		t.Fatalf("calculate pool price: %v", err)
	}
	if pp.Price != 52 {
		t.Errorf("expected pool price 52, got %d", pp.Price)
	}
}

func TestSMP_NotFoundForUnclearedMinute(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.SMP(context.Background(), model.MinuteOf(baseTime))
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// --- AutoSMP ---

func TestAutoSMP_RepricesOnDemandChange(t *testing.T) {
	reg := registry.NewMemory()
	reg.RegisterSupplier(registry.Supplier{Account: "ENG01", Capacity: 300})
	reg.RegisterConsumer(registry.Consumer{Account: "FACTORY1", Load: 500})

	clock := &fakeClock{t: baseTime}
	engine := market.NewService(store.NewMemoryStore(), reg, clock,
		market.Config{MaxPrice: 1000, AutoSMP: true}, nil)
	ctx := context.Background()

	if _, err := engine.SubmitOffer(ctx, "ENG01", 0, 100, 40); err != nil {
		t.Fatalf("submit offer: %v", err)
	}
	if _, _, err := engine.SubmitBid(ctx, "FACTORY1", 50, 30); err != nil {
		t.Fatalf("submit bid: %v", err)
	}

	rec, err := engine.SMP(ctx, model.MinuteOf(baseTime))
	if err != nil {
		t.Fatalf("expected SMP recorded by auto repricing: %v", err)
	}
	if rec.Price != 40 {
		t.Errorf("expected SMP 40, got %d", rec.Price)
	}
}
