package optimise

import (
	"go.uber.org/zap"

	"github.com/FiachAntaw/gofit/graph"
	"github.com/FiachAntaw/gofit/meanfield"
)

// HistoryKey identifies one factor update within a run.
type HistoryKey struct {
	Sweep  int
	Factor *graph.Factor
}

// LaplaceOptimiser sweeps Laplace factor updates across a factor graph a
// fixed number of times, recording the approximation after every factor
// update. Approximations are immutable, so the history entries stay valid
// as the run proceeds.
type LaplaceOptimiser struct {
	// NIter is the number of full sweeps over the graph's factors.
	NIter int
	// Delta is the damping applied to every factor update.
	Delta float64
	// Opts configures the per-factor mode finder.
	Opts *OptOptions
	// History holds the approximation after each factor update of the
	// latest Run call.
	History map[HistoryKey]*meanfield.MeanFieldApproximation

	logger *zap.Logger
}

// NewLaplaceOptimiser returns an optimiser with the given sweep count and
// damping. A nil logger disables logging.
func NewLaplaceOptimiser(nIter int, delta float64, opts *OptOptions, logger *zap.Logger) *LaplaceOptimiser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LaplaceOptimiser{
		NIter:  nIter,
		Delta:  delta,
		Opts:   opts,
		logger: logger,
	}
}

// UpdateFunc performs one factor's EP update, returning the next
// approximation and its Status.
type UpdateFunc func(approx *meanfield.MeanFieldApproximation, factor *graph.Factor) (*meanfield.MeanFieldApproximation, meanfield.Status)

// VisitFunc observes one factor update: the factor, the approximation
// after its update, and the update's Status.
type VisitFunc func(*graph.Factor, *meanfield.MeanFieldApproximation, meanfield.Status)

// Step performs a single sweep: one update per factor, in order. A nil
// factors slice means every factor of the graph. The visit callback, when
// set, observes each update's intermediate approximation and outcome.
func (l *LaplaceOptimiser) Step(approx *meanfield.MeanFieldApproximation, factors []*graph.Factor, update UpdateFunc, visit VisitFunc) (*meanfield.MeanFieldApproximation, meanfield.Status) {
	if factors == nil {
		factors = approx.Graph().Factors()
	}
	if update == nil {
		update = func(a *meanfield.MeanFieldApproximation, f *graph.Factor) (*meanfield.MeanFieldApproximation, meanfield.Status) {
			return LaplaceFactorApprox(a, f, l.Delta, l.Opts)
		}
	}
	status := meanfield.OK()
	for _, f := range factors {
		next, s := update(approx, f)
		l.logger.Debug("factor update",
			zap.String("factor", f.Name()),
			zap.Bool("success", s.Success),
			zap.Strings("messages", s.Messages),
		)
		status = status.Combine(s)
		approx = next
		if visit != nil {
			visit(f, approx, s)
		}
	}
	return approx, status
}

// Run performs NIter sweeps, recording every intermediate approximation
// in History, and returns the final approximation with the combined
// Status of all updates.
func (l *LaplaceOptimiser) Run(approx *meanfield.MeanFieldApproximation, factors []*graph.Factor) (*meanfield.MeanFieldApproximation, meanfield.Status) {
	l.History = map[HistoryKey]*meanfield.MeanFieldApproximation{}
	status := meanfield.OK()
	for sweep := 0; sweep < l.NIter; sweep++ {
		var s meanfield.Status
		approx, s = l.Step(approx, factors, nil,
			func(f *graph.Factor, a *meanfield.MeanFieldApproximation, _ meanfield.Status) {
				l.History[HistoryKey{Sweep: sweep, Factor: f}] = a
			})
		status = status.Combine(s)
		l.logger.Info("sweep complete",
			zap.Int("sweep", sweep),
			zap.Bool("success", s.Success),
		)
	}
	return approx, status
}
