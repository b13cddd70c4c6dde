package critic

import (
	"context"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/propsure/decision-engine/internal/matrix"
	"github.com/propsure/decision-engine/internal/store"
	"github.com/propsure/decision-engine/internal/stratum"
)

func newTestCritic(t *testing.T) (*Critic, *store.Store) {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "critic.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, DefaultConfig()), st
}

// seedModel persists a snapshot with near-zero confidence radii so the
// gates are driven purely by the seeded weights.
func seedModel(t *testing.T, st *store.Store, c *Critic, theta, phi matrix.Vector, n int64) {
	t.Helper()
	snap := store.ModelSnapshot{
		ModelID: DefaultConfig().ModelID,
		Theta:   theta,
		Phi:     phi,
		A:       matrix.ScaledIdentity(1e12),
		B:       matrix.ScaledIdentity(1e12),
		Beta:    0.5,
		Gamma:   1.0,
		Lambda:  1.0,
		N:       n,
	}
	if err := st.PutModel(context.Background(), snap); err != nil {
		t.Fatalf("seed model: %v", err)
	}
	c.InvalidateModelCache()
}

func unitContext() []float64 {
	x := make([]float64, matrix.Dim)
	x[0] = 1.0
	return x
}

func TestHardSafetyGateOverridesReward(t *testing.T) {
	// Safety UCB 0.002 against delta 0.001 escalates no matter how large
	// the reward UCB is, and the reason cites both values.
	c, st := newTestCritic(t)
	var theta, phi matrix.Vector
	theta[0] = 10.0 // reward ucb far beyond any threshold
	phi[0] = 0.002
	seedModel(t, st, c, theta, phi, 500)

	d, err := c.SelectArm(context.Background(), SelectRequest{
		Context:         unitContext(),
		SafetyThreshold: 0.001,
	})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if d.Arm != Escalate {
		t.Fatalf("arm = %s, want escalate", d.Arm)
	}
	if d.RewardUCB < 5.0 {
		t.Fatalf("reward ucb = %g, expected large", d.RewardUCB)
	}
	if !strings.Contains(d.Reason, "safety ucb") || !strings.Contains(d.Reason, "0.001000") {
		t.Fatalf("reason %q should cite safety ucb and threshold", d.Reason)
	}
	if !strings.Contains(d.Reason, "0.002") {
		t.Fatalf("reason %q should cite the safety ucb value", d.Reason)
	}
}

func TestRewardGateAutomates(t *testing.T) {
	c, st := newTestCritic(t)
	var theta, phi matrix.Vector
	theta[0] = 0.9
	seedModel(t, st, c, theta, phi, 500)

	d, err := c.SelectArm(context.Background(), SelectRequest{Context: unitContext()})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if d.Arm != Automate {
		t.Fatalf("arm = %s (%s), want automate", d.Arm, d.Reason)
	}
	if d.Exploration {
		t.Fatal("tight radii at n=500 should not flag exploration")
	}
}

func TestRewardGateEscalatesOnLowReward(t *testing.T) {
	c, st := newTestCritic(t)
	var theta, phi matrix.Vector
	theta[0] = 0.2
	seedModel(t, st, c, theta, phi, 500)

	d, err := c.SelectArm(context.Background(), SelectRequest{Context: unitContext()})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if d.Arm != Escalate {
		t.Fatalf("arm = %s, want escalate", d.Arm)
	}
	if !strings.Contains(d.Reason, "below automation threshold") {
		t.Fatalf("unexpected reason %q", d.Reason)
	}
}

func TestExplorationFlagAtLowN(t *testing.T) {
	c, st := newTestCritic(t)
	var theta, phi matrix.Vector
	theta[0] = 0.9
	seedModel(t, st, c, theta, phi, 5)

	d, err := c.SelectArm(context.Background(), SelectRequest{Context: unitContext()})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if d.Arm != Automate {
		t.Fatalf("arm = %s (%s), want automate", d.Arm, d.Reason)
	}
	if !d.Exploration {
		t.Fatal("n=5 should flag exploration")
	}
}

func TestColdStartEscalates(t *testing.T) {
	// No persisted model: the conservative defaults carry a wide safety
	// radius (gamma over a near-identity covariance), so the safety gate
	// fires for any substantial context.
	c, _ := newTestCritic(t)

	d, err := c.SelectArm(context.Background(), SelectRequest{Context: unitContext()})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if d.Arm != Escalate {
		t.Fatalf("cold-start arm = %s, want escalate", d.Arm)
	}
}

func TestFNRGateForcesEscalate(t *testing.T) {
	c, st := newTestCritic(t)
	var theta, phi matrix.Vector
	theta[0] = 0.9
	seedModel(t, st, c, theta, phi, 500)

	// Safety and reward both pass, but the stratum has no history.
	d, err := c.SelectArm(context.Background(), SelectRequest{
		Context: unitContext(),
		Stratum: stratum.Parse("region:west|severity:high"),
	})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if d.Arm != Escalate {
		t.Fatalf("arm = %s, want escalate", d.Arm)
	}
	if d.FNR == nil {
		t.Fatal("decision should carry the FNR verdict")
	}
	if !strings.Contains(d.Reason, "fnr gate") {
		t.Fatalf("unexpected reason %q", d.Reason)
	}
}

func TestContextNormalization(t *testing.T) {
	c, st := newTestCritic(t)
	var theta, phi matrix.Vector
	theta[0] = 0.9
	seedModel(t, st, c, theta, phi, 500)

	long := make([]float64, 20)
	long[0] = 1.0
	long[15] = 99.0 // truncated away
	d, err := c.SelectArm(context.Background(), SelectRequest{Context: long})
	if err != nil {
		t.Fatalf("long context: %v", err)
	}
	if d.Arm != Automate {
		t.Fatalf("truncated context arm = %s (%s)", d.Arm, d.Reason)
	}

	short := []float64{1.0, math.NaN()}
	if _, err := c.SelectArm(context.Background(), SelectRequest{Context: short}); err != nil {
		t.Fatalf("short context should normalize, got %v", err)
	}

	if _, err := c.SelectArm(context.Background(), SelectRequest{Context: nil}); err == nil {
		t.Fatal("nil context should be rejected")
	}
}

func TestUpdateFromFeedbackFreshModel(t *testing.T) {
	// One feedback observation on a freshly initialized model: n goes
	// 0 to 1, and both theta and A move off their initialized values.
	c, st := newTestCritic(t)
	ctx := context.Background()

	x := unitContext()
	if err := c.UpdateFromFeedback(ctx, Feedback{
		Context: x,
		Arm:     Automate,
		Reward:  1.0,
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	snap, found, err := st.GetModel(ctx, DefaultConfig().ModelID)
	if err != nil || !found {
		t.Fatalf("snapshot not persisted: found=%v err=%v", found, err)
	}
	if snap.N != 1 {
		t.Fatalf("n = %d, want 1", snap.N)
	}
	thetaMoved := false
	for i := 0; i < matrix.Dim; i++ {
		if snap.Theta[i] != 0.1 {
			thetaMoved = true
		}
	}
	if !thetaMoved {
		t.Fatal("theta unchanged after feedback")
	}
	lambda := DefaultConfig().Lambda
	if snap.A[0][0] == 1.0+lambda {
		t.Fatal("A unchanged after feedback")
	}
	// A zero safety label on a zero safety model is a zero residual:
	// phi must not move.
	if snap.Phi != (matrix.Vector{}) {
		t.Fatalf("phi moved on violation-free feedback: %v", snap.Phi)
	}
}

func TestUpdateClampsReward(t *testing.T) {
	c, st := newTestCritic(t)
	ctx := context.Background()

	if err := c.UpdateFromFeedback(ctx, Feedback{Context: unitContext(), Reward: 3.5}); err != nil {
		t.Fatalf("update: %v", err)
	}
	snap, _, err := st.GetModel(ctx, DefaultConfig().ModelID)
	if err != nil {
		t.Fatalf("get model: %v", err)
	}
	// Clamped reward of 1 with theta[0]=0.1 moves theta[0] up but never
	// past the label.
	if snap.Theta[0] <= 0.1 || snap.Theta[0] > 1.0 {
		t.Fatalf("theta[0] = %g after clamped reward", snap.Theta[0])
	}
}

func TestSafetyViolationFeedbackRaisesSafetyUCB(t *testing.T) {
	c, st := newTestCritic(t)
	ctx := context.Background()

	var theta, phi matrix.Vector
	seedModel(t, st, c, theta, phi, 200)

	before, err := c.SelectArm(ctx, SelectRequest{Context: unitContext()})
	if err != nil {
		t.Fatalf("select: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := c.UpdateFromFeedback(ctx, Feedback{
			Context:         unitContext(),
			Arm:             Automate,
			Reward:          1.0,
			SafetyViolation: true,
		}); err != nil {
			t.Fatalf("update: %v", err)
		}
	}

	after, err := c.SelectArm(ctx, SelectRequest{Context: unitContext()})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if after.SafetyUCB <= before.SafetyUCB {
		t.Fatalf("safety ucb should rise on violations: before=%g after=%g",
			before.SafetyUCB, after.SafetyUCB)
	}
}

func TestCriticalHazardHintTightensThreshold(t *testing.T) {
	c, st := newTestCritic(t)
	var theta, phi matrix.Vector
	theta[0] = 0.9
	phi[0] = 0.03 // passes the default 0.05 gate, fails the halved one
	seedModel(t, st, c, theta, phi, 500)

	plain, err := c.SelectArm(context.Background(), SelectRequest{Context: unitContext()})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if plain.Arm != Automate {
		t.Fatalf("plain arm = %s (%s), want automate", plain.Arm, plain.Reason)
	}

	hinted, err := c.SelectArm(context.Background(), SelectRequest{
		Context:            unitContext(),
		CriticalHazardHint: true,
	})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if hinted.Arm != Escalate {
		t.Fatalf("hinted arm = %s, want escalate", hinted.Arm)
	}
}

func TestModelCacheTTLExpiry(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "critic.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	var highTheta, lowTheta, phi matrix.Vector
	highTheta[0] = 0.9
	lowTheta[0] = 0.2
	put := func(theta matrix.Vector) {
		t.Helper()
		if err := st.PutModel(ctx, store.ModelSnapshot{
			ModelID: DefaultConfig().ModelID,
			Theta:   theta,
			Phi:     phi,
			A:       matrix.ScaledIdentity(1e12),
			B:       matrix.ScaledIdentity(1e12),
			Beta:    0.5,
			Gamma:   1.0,
			Lambda:  1.0,
			N:       500,
		}); err != nil {
			t.Fatalf("put model: %v", err)
		}
	}

	// Unexpired TTL: a store-side update is invisible until the snapshot
	// ages out or is invalidated.
	stale := New(st, DefaultConfig())
	put(highTheta)
	d, err := stale.SelectArm(ctx, SelectRequest{Context: unitContext()})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if d.Arm != Automate {
		t.Fatalf("warm-up arm = %s (%s), want automate", d.Arm, d.Reason)
	}
	put(lowTheta)
	d, err = stale.SelectArm(ctx, SelectRequest{Context: unitContext()})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if d.Arm != Automate {
		t.Fatalf("unexpired cache reloaded early: arm = %s (%s)", d.Arm, d.Reason)
	}

	// Zero TTL: every decision reloads, no invalidation needed.
	cfg := DefaultConfig()
	cfg.CacheTTL = 0
	fresh := New(st, cfg)
	d, err = fresh.SelectArm(ctx, SelectRequest{Context: unitContext()})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if d.Arm != Escalate {
		t.Fatalf("arm = %s (%s), want escalate on the stored low theta", d.Arm, d.Reason)
	}
	put(highTheta)
	d, err = fresh.SelectArm(ctx, SelectRequest{Context: unitContext()})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if d.Arm != Automate {
		t.Fatalf("expired cache served stale parameters: arm = %s (%s)", d.Arm, d.Reason)
	}
}

func TestArmStringAndParse(t *testing.T) {
	if Automate.String() != "automate" || Escalate.String() != "escalate" {
		t.Fatal("arm strings wrong")
	}
	if ParseArm("automate") != Automate {
		t.Fatal("parse automate")
	}
	if ParseArm("garbage") != Escalate {
		t.Fatal("unknown arm must parse to escalate")
	}
}
