package directory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"consult-platform/internal/wallet"

	"golang.org/x/crypto/bcrypt"
)

func newTestService(t *testing.T) (*Service, *wallet.Service) {
	t.Helper()
	ledger := wallet.NewService(wallet.NewMemoryRepo())
	svc := NewService(NewMemoryRepo(), ledger, Options{SignupBonusTokens: 1000, BcryptCost: bcrypt.MinCost}, nil)
	svc.clock = func() time.Time { return time.Date(2024, 2, 2, 10, 0, 0, 0, time.UTC) }
	return svc, ledger
}

func register(t *testing.T, svc *Service, name, email string) Profile {
	t.Helper()
	p, err := svc.Register(context.Background(), name, email, "s3cret")
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	return p
}

func TestRegister_GrantsBonusAndStartsOffline(t *testing.T) {
	svc, ledger := newTestService(t)
	p := register(t, svc, "Ana", " Ana@Example.com ")

	if p.Status != StatusOffline || p.Email != "ana@example.com" || p.PricePerMinute != 1 {
		t.Fatalf("unexpected profile %+v", p)
	}
	if p.PasswordHash == "" || p.PasswordHash == "s3cret" {
		t.Fatalf("expected hashed password")
	}
	b, _ := ledger.GetBalance(context.Background(), p.ID)
	if b.Tokens != 1000 {
		t.Fatalf("expected signup bonus, got %d", b.Tokens)
	}
}

func TestRegister_Rejects(t *testing.T) {
	svc, _ := newTestService(t)
	register(t, svc, "Ana", "ana@example.com")

	if _, err := svc.Register(context.Background(), "Other", "ANA@example.com", "x"); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
	if _, err := svc.Register(context.Background(), "", "b@example.com", "x"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty name, got %v", err)
	}
	if _, err := svc.Register(context.Background(), "B", "not-an-email", "x"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for bad email, got %v", err)
	}
}

func TestAuthenticate_SetsOnline(t *testing.T) {
	svc, _ := newTestService(t)
	p := register(t, svc, "Ana", "ana@example.com")

	if _, err := svc.Authenticate(context.Background(), "ana@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), "nobody@example.com", "s3cret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}

	got, err := svc.Authenticate(context.Background(), "ANA@example.com", "s3cret")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got.Status != StatusOnline || got.LastLoginAt == nil {
		t.Fatalf("expected online with last login, got %+v", got)
	}
	stored, _ := svc.Lookup(context.Background(), p.ID)
	if stored.Status != StatusOnline {
		t.Fatalf("expected stored status online, got %s", stored.Status)
	}
}

func TestReserveAndRelease(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	p := register(t, svc, "Dr. Lima", "lima@example.com")

	if ok, err := svc.ReserveForCall(ctx, p.ID); err != nil || ok {
		t.Fatalf("offline identity must not be reservable: %v %v", ok, err)
	}
	if _, err := svc.SetStatus(ctx, p.ID, StatusOnline); err != nil {
		t.Fatalf("set online: %v", err)
	}
	if ok, _ := svc.ReserveForCall(ctx, p.ID); !ok {
		t.Fatalf("expected reservation")
	}
	if ok, _ := svc.ReserveForCall(ctx, p.ID); ok {
		t.Fatalf("busy identity must not be reserved twice")
	}
	if _, err := svc.SetStatus(ctx, p.ID, StatusOnline); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy when toggling online during a call, got %v", err)
	}
	if err := svc.ReleaseFromCall(ctx, p.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, _ := svc.Lookup(ctx, p.ID)
	if got.Status != StatusOnline {
		t.Fatalf("expected online after release, got %s", got.Status)
	}

	if _, err := svc.ReserveForCall(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReserve_ConcurrentOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	p := register(t, svc, "Dr. Lima", "lima@example.com")
	_, _ = svc.SetStatus(ctx, p.ID, StatusOnline)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := svc.ReserveForCall(ctx, p.ID); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one reservation, got %d", wins)
	}
}

func TestReleaseAfterOfflineStaysOffline(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	p := register(t, svc, "Dr. Lima", "lima@example.com")
	_, _ = svc.SetStatus(ctx, p.ID, StatusOnline)
	_, _ = svc.ReserveForCall(ctx, p.ID)

	if err := svc.MarkOffline(ctx, p.ID); err != nil {
		t.Fatalf("mark offline: %v", err)
	}
	_ = svc.ReleaseFromCall(ctx, p.ID)
	got, _ := svc.Lookup(ctx, p.ID)
	if got.Status != StatusOffline {
		t.Fatalf("expected offline, got %s", got.Status)
	}
	if err := svc.MarkOffline(ctx, "missing"); err != nil {
		t.Fatalf("mark offline of unknown identity should be a no-op, got %v", err)
	}
}

func TestSetStatus_RejectsBusy(t *testing.T) {
	svc, _ := newTestService(t)
	p := register(t, svc, "Ana", "ana@example.com")
	if _, err := svc.SetStatus(context.Background(), p.ID, StatusBusy); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestUpdateProfile_Validation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	p := register(t, svc, "Ana", "ana@example.com")

	bad := "Dentista"
	if _, err := svc.UpdateProfile(ctx, p.ID, ProfileUpdate{Category: &bad}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid category, got %v", err)
	}
	for _, price := range []float64{0, 0.5, 100.5, -3} {
		pr := price
		if _, err := svc.UpdateProfile(ctx, p.ID, ProfileUpdate{PricePerMinute: &pr}); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("expected invalid price for %v, got %v", price, err)
		}
	}

	on := true
	got, err := svc.UpdateProfile(ctx, p.ID, ProfileUpdate{SpecialistMode: &on})
	if err != nil {
		t.Fatalf("enable specialist: %v", err)
	}
	if !got.SpecialistMode || got.Category != CategoryMedico {
		t.Fatalf("expected default category on enable, got %+v", got)
	}

	psi := CategoryPsicologo
	price := 100.0
	got, err = svc.UpdateProfile(ctx, p.ID, ProfileUpdate{Category: &psi, PricePerMinute: &price})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Category != CategoryPsicologo || got.PricePerMinute != 100 {
		t.Fatalf("unexpected profile %+v", got)
	}

	// re-enabling keeps an existing category
	got, _ = svc.UpdateProfile(ctx, p.ID, ProfileUpdate{SpecialistMode: &on})
	if got.Category != CategoryPsicologo {
		t.Fatalf("existing category must be kept, got %q", got.Category)
	}
}

func TestListSpecialists(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	on := true

	online := register(t, svc, "Bruna", "bruna@example.com")
	_, _ = svc.UpdateProfile(ctx, online.ID, ProfileUpdate{SpecialistMode: &on})
	_, _ = svc.SetStatus(ctx, online.ID, StatusOnline)

	busy := register(t, svc, "Ana", "ana@example.com")
	_, _ = svc.UpdateProfile(ctx, busy.ID, ProfileUpdate{SpecialistMode: &on})
	_, _ = svc.SetStatus(ctx, busy.ID, StatusOnline)
	_, _ = svc.ReserveForCall(ctx, busy.ID)

	offline := register(t, svc, "Caio", "caio@example.com")
	_, _ = svc.UpdateProfile(ctx, offline.ID, ProfileUpdate{SpecialistMode: &on})

	client := register(t, svc, "Davi", "davi@example.com")
	_, _ = svc.SetStatus(ctx, client.ID, StatusOnline)

	list, err := svc.ListSpecialists(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != busy.ID || list[1].ID != online.ID {
		t.Fatalf("unexpected specialists %+v", list)
	}
}

func TestPublicProfileHidesPrivateFields(t *testing.T) {
	p := Profile{ID: "1", Name: "Ana", Email: "ana@example.com", PasswordHash: "h", Status: StatusOnline}
	pub := p.Public()
	if pub.ID != "1" || pub.Name != "Ana" || pub.Status != StatusOnline {
		t.Fatalf("unexpected public profile %+v", pub)
	}
}
