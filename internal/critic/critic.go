// Package critic implements the Safe-LUCB safety critic: two online
// linear models (reward and safety) with upper confidence bounds, a hard
// safety gate, a per-stratum false-negative gate, and a reward gate.
// Automation requires all three gates to pass; escalation is the
// fail-safe default for every degenerate condition.
package critic

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/propsure/decision-engine/internal/matrix"
	"github.com/propsure/decision-engine/internal/store"
)

// #region critic-struct

// Critic owns the model parameter lifecycle and the decision gates.
type Critic struct {
	store  *store.Store
	config Config

	// model is a TTL-bounded snapshot. Reads are lock-free; concurrent
	// feedback updates race last-writer-wins, an accepted gap given low
	// feedback volume relative to decisions.
	model atomic.Pointer[cachedModel]

	fnrMu    sync.Mutex
	fnrCache map[string]FNRResult
}

type cachedModel struct {
	snap     store.ModelSnapshot
	loadedAt time.Time
}

// New creates a critic backed by the given store.
func New(st *store.Store, config Config) *Critic {
	return &Critic{
		store:    st,
		config:   config,
		fnrCache: make(map[string]FNRResult),
	}
}

// #endregion critic-struct

// #region model-lifecycle

// defaultSnapshot returns the conservative cold-start parameters: mild
// reward optimism in theta, a zero safety model, and ridge-inflated
// identity covariances. Conservatism comes from gamma > beta, not phi.
func (c *Critic) defaultSnapshot() store.ModelSnapshot {
	snap := store.ModelSnapshot{
		ModelID: c.config.ModelID,
		Beta:    c.config.Beta,
		Gamma:   c.config.Gamma,
		Lambda:  c.config.Lambda,
	}
	for i := 0; i < matrix.Dim; i++ {
		snap.Theta[i] = 0.1
	}
	snap.A = matrix.ScaledIdentity(1.0 + c.config.Lambda)
	snap.B = matrix.ScaledIdentity(1.0 + c.config.Lambda)
	return snap
}

// loadModel returns the cached snapshot, reloading from the store after
// the TTL. A store failure degrades to the conservative defaults so a
// decision is still produced.
func (c *Critic) loadModel(ctx context.Context) store.ModelSnapshot {
	if cm := c.model.Load(); cm != nil && time.Since(cm.loadedAt) < c.config.CacheTTL {
		return cm.snap
	}

	snap, found, err := c.store.GetModel(ctx, c.config.ModelID)
	switch {
	case err != nil:
		log.Printf("[CRITIC] model load failed, using conservative defaults: %v", err)
		snap = c.defaultSnapshot()
	case !found:
		snap = c.defaultSnapshot()
	}

	c.model.Store(&cachedModel{snap: snap, loadedAt: time.Now()})
	return snap
}

// InvalidateModelCache drops the in-memory snapshot so the next decision
// reloads from the store.
func (c *Critic) InvalidateModelCache() {
	c.model.Store(nil)
}

// #endregion model-lifecycle

// #region select-arm

// SelectArm runs the gate chain and returns the decision. It returns an
// error only for an irrecoverable shape problem (nil context); every
// numeric or statistical degeneracy resolves to an escalate decision.
func (c *Critic) SelectArm(ctx context.Context, req SelectRequest) (Decision, error) {
	x, err := c.normalizeContext(req.Context)
	if err != nil {
		return Decision{}, err
	}

	snap := c.loadModel(ctx)

	aInv := snap.A.Invert()
	bInv := snap.B.Invert()
	rewardRadius := snap.Beta * math.Sqrt(math.Max(0, aInv.Quadratic(x)))
	safetyRadius := snap.Gamma * math.Sqrt(math.Max(0, bInv.Quadratic(x)))
	rewardUCB := matrix.Dot(snap.Theta, x) + rewardRadius
	safetyUCB := matrix.Dot(snap.Phi, x) + safetyRadius

	delta := req.SafetyThreshold
	if delta == 0 {
		delta = c.config.SafetyThreshold
	}
	if req.CriticalHazardHint {
		delta *= 0.5
	}

	d := Decision{
		SafetyUCB:       safetyUCB,
		RewardUCB:       rewardUCB,
		SafetyThreshold: delta,
	}

	// Gate 1 - hard safety gate. Cannot be overridden by any reward.
	if safetyUCB > delta {
		d.Arm = Escalate
		d.Reason = fmt.Sprintf("safety ucb %.6f exceeds threshold %.6f", safetyUCB, delta)
		return d, nil
	}

	// Gate 2 - per-stratum false-negative gate.
	if !req.Stratum.IsZero() {
		fb := c.GetFNRWithFallback(ctx, req.Stratum)
		d.FNR = &fb
		if fb.ShouldEscalate {
			d.Arm = Escalate
			d.Reason = fmt.Sprintf("fnr gate at %s (depth %d): %s", fb.Level, fb.Depth, fb.Reason)
			return d, nil
		}
	}

	// Gate 3 - reward gate.
	if rewardUCB > c.config.RewardThreshold {
		d.Arm = Automate
		d.Exploration = snap.N < c.config.ExplorationMinN ||
			rewardRadius > c.config.ExplorationRadius ||
			safetyRadius > c.config.ExplorationRadius
		d.Reason = fmt.Sprintf("reward ucb %.4f exceeds threshold %.2f", rewardUCB, c.config.RewardThreshold)
		return d, nil
	}

	d.Arm = Escalate
	d.Reason = fmt.Sprintf("reward ucb %.4f below automation threshold %.2f", rewardUCB, c.config.RewardThreshold)
	return d, nil
}

// normalizeContext coerces the input to exactly 12 finite dimensions.
// Truncation and padding are recoverable but indicate an upstream bug,
// so they are logged. Non-finite entries are zeroed.
func (c *Critic) normalizeContext(in []float64) (matrix.Vector, error) {
	if in == nil {
		return matrix.Vector{}, fmt.Errorf("nil context vector")
	}
	var x matrix.Vector
	switch {
	case len(in) > matrix.Dim:
		log.Printf("[CRITIC] context vector has %d dims, truncating to %d", len(in), matrix.Dim)
	case len(in) < matrix.Dim:
		log.Printf("[CRITIC] context vector has %d dims, zero-padding to %d", len(in), matrix.Dim)
	}
	for i := 0; i < matrix.Dim && i < len(in); i++ {
		v := in[i]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			log.Printf("[CRITIC] non-finite context entry %d zeroed", i)
			v = 0
		}
		x[i] = v
	}
	return x, nil
}

// #endregion select-arm

// #region feedback-update

// UpdateFromFeedback applies one Recursive-Least-Squares step to the
// reward model and one to the safety model, then persists the snapshot.
// The covariance update is the direct sum A + x x^T + lambda*I; each
// decision re-inverts from scratch, which is fine at d=12.
// Persistence failure is logged and does not fail the update.
func (c *Critic) UpdateFromFeedback(ctx context.Context, fb Feedback) error {
	x, err := c.normalizeContext(fb.Context)
	if err != nil {
		return err
	}

	reward := fb.Reward
	if math.IsNaN(reward) || reward < 0 {
		reward = 0
	}
	if reward > 1 {
		reward = 1
	}
	safetyLabel := 0.0
	if fb.SafetyViolation {
		safetyLabel = 1.0
	}

	snap := c.loadModel(ctx)

	rlsStep(&snap.Theta, &snap.A, x, reward, snap.Lambda)
	rlsStep(&snap.Phi, &snap.B, x, safetyLabel, snap.Lambda)
	snap.N++
	snap.UpdatedAt = time.Now().UTC()

	if err := c.store.PutModel(ctx, snap); err != nil {
		log.Printf("[CRITIC] model persist failed (continuing with in-memory update): %v", err)
	}
	c.model.Store(&cachedModel{snap: snap, loadedAt: time.Now()})

	log.Printf("[CRITIC] feedback applied: arm=%s reward=%.2f violation=%v n=%d",
		fb.Arm, reward, fb.SafetyViolation, snap.N)
	return nil
}

// rlsStep applies the RLS weight update
//
//	w += (M^-1 x) (label - w.x) / (1 + x^T M^-1 x)
//
// followed by the direct covariance sum M += x x^T + lambda*I.
func rlsStep(w *matrix.Vector, m *matrix.Matrix, x matrix.Vector, label, lambda float64) {
	mInv := m.Invert()
	mInvX := mInv.MulVec(x)
	denom := 1.0 + matrix.Dot(x, mInvX)
	gain := (label - matrix.Dot(*w, x)) / denom
	for i := 0; i < matrix.Dim; i++ {
		w[i] += mInvX[i] * gain
	}
	m.AddOuter(x)
	m.AddScaledIdentity(lambda)
}

// #endregion feedback-update
