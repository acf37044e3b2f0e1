package tracker

import (
	"math"
	"sort"

	"github.com/kalambet/topicimg/internal/storage"
)

// Summary aggregates one strategy's trials in an experiment.
type Summary struct {
	Strategy      string  `json:"strategy"`
	Trials        int     `json:"trials"`
	MeanSuccess   float64 `json:"mean_success"`
	MedianSuccess float64 `json:"median_success"`
	StdSuccess    float64 `json:"std_success"`
	MinSuccess    float64 `json:"min_success"`
	MaxSuccess    float64 `json:"max_success"`
	MeanLatencyMs float64 `json:"mean_latency_ms"`
	MeanValid     float64 `json:"mean_valid"`
	ErrorRate     float64 `json:"error_rate"`
}

// Summarize computes Summary over trials. Std is the population standard
// deviation.
func Summarize(strategy string, trials []storage.Trial) Summary {
	s := Summary{Strategy: strategy, Trials: len(trials)}
	if len(trials) == 0 {
		return s
	}

	rates := make([]float64, len(trials))
	var latency, valid float64
	errs := 0
	for i, t := range trials {
		rates[i] = t.SuccessRate
		latency += float64(t.LatencyMs)
		valid += float64(len(t.ValidIDs))
		if t.Error != "" {
			errs++
		}
	}
	n := float64(len(trials))
	s.MeanSuccess = mean(rates)
	s.StdSuccess = stddev(rates, s.MeanSuccess)
	s.MedianSuccess = median(rates)
	s.MinSuccess, s.MaxSuccess = minMax(rates)
	s.MeanLatencyMs = latency / n
	s.MeanValid = valid / n
	s.ErrorRate = float64(errs) / n
	return s
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64, m float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var ss float64
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return math.Sqrt(ss / float64(len(xs)))
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func minMax(xs []float64) (lo, hi float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	lo, hi = xs[0], xs[0]
	for _, x := range xs[1:] {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	return lo, hi
}

// pickWinner returns the strategy with the highest mean success among those
// with at least one trial. Ties go to the strategy listed first in order.
func pickWinner(order []string, summaries map[string]Summary) string {
	winner := ""
	best := math.Inf(-1)
	for _, name := range order {
		s, ok := summaries[name]
		if !ok || s.Trials == 0 {
			continue
		}
		if s.MeanSuccess > best {
			best = s.MeanSuccess
			winner = name
		}
	}
	return winner
}
