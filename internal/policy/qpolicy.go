package policy

import (
	"math/rand"
	"sync"

	"crypto-bot-engine/internal/models"
)

// QPolicy is a tabular epsilon-greedy Q-learning policy. Decides are
// lock-protected reads; Learn takes the lock briefly for one update.
type QPolicy struct {
	mu    sync.Mutex
	botID string

	table         map[string]map[models.Action]float64
	alpha         float64
	gamma         float64
	epsStart      float64
	epsEnd        float64
	epsDecaySteps int
	episodes      int
	totalReward   float64

	rng *rand.Rand
}

// QConfig holds the Q-learning hyperparameters.
type QConfig struct {
	Alpha             float64
	Gamma             float64
	EpsilonStart      float64
	EpsilonEnd        float64
	EpsilonDecaySteps int
}

// NewQPolicy creates an empty-table policy for one bot.
func NewQPolicy(botID string, cfg QConfig, seed int64) *QPolicy {
	return &QPolicy{
		botID:         botID,
		table:         make(map[string]map[models.Action]float64),
		alpha:         cfg.Alpha,
		gamma:         cfg.Gamma,
		epsStart:      cfg.EpsilonStart,
		epsEnd:        cfg.EpsilonEnd,
		epsDecaySteps: cfg.EpsilonDecaySteps,
		rng:           rand.New(rand.NewSource(seed)),
	}
}

var allActions = []models.Action{models.ActionBuy, models.ActionSell, models.ActionHold}

// epsilon decays linearly from start to end over the decay steps.
func (p *QPolicy) epsilonLocked() float64 {
	if p.episodes >= p.epsDecaySteps {
		return p.epsEnd
	}
	frac := float64(p.episodes) / float64(p.epsDecaySteps)
	return p.epsStart + (p.epsEnd-p.epsStart)*frac
}

func (p *QPolicy) rowLocked(key string) map[models.Action]float64 {
	row, ok := p.table[key]
	if !ok {
		row = map[models.Action]float64{
			models.ActionBuy:  0,
			models.ActionSell: 0,
			models.ActionHold: 0,
		}
		p.table[key] = row
	}
	return row
}

// Decide picks epsilon-greedily over the state's Q-row. SELL with no
// position is masked to HOLD.
func (p *QPolicy) Decide(state MarketState) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	row := p.rowLocked(state.Key())

	var action models.Action
	if p.rng.Float64() < p.epsilonLocked() {
		action = allActions[p.rng.Intn(len(allActions))]
	} else {
		action = greedy(row, p.rng)
	}
	action = MaskAction(action, state.Holding)

	return Decision{Action: action, Confidence: softmax(row, action)}
}

// greedy returns the argmax action, breaking ties randomly.
func greedy(row map[models.Action]float64, rng *rand.Rand) models.Action {
	best := allActions[0]
	bestQ := row[best]
	ties := []models.Action{best}
	for _, a := range allActions[1:] {
		q := row[a]
		switch {
		case q > bestQ:
			best, bestQ = a, q
			ties = ties[:0]
			ties = append(ties, a)
		case q == bestQ:
			ties = append(ties, a)
		}
	}
	if len(ties) > 1 {
		return ties[rng.Intn(len(ties))]
	}
	return best
}

// Learn applies one Q-update:
//
//	Q(s,a) += alpha * (r + gamma*max_a' Q(s',a') - Q(s,a))
//
// Terminal experiences advance the episode count and epsilon decay.
func (p *QPolicy) Learn(exp Experience) {
	p.mu.Lock()
	defer p.mu.Unlock()

	row := p.rowLocked(exp.StateBefore)
	nextRow := p.rowLocked(exp.StateAfter)

	var maxNext float64
	first := true
	for _, a := range allActions {
		if first || nextRow[a] > maxNext {
			maxNext = nextRow[a]
			first = false
		}
	}

	target := exp.Reward + p.gamma*maxNext
	row[exp.Action] += p.alpha * (target - row[exp.Action])

	p.totalReward += exp.Reward
	if exp.Terminal {
		p.episodes++
	}
}

// Q returns the current value for (state key, action). Test hook.
func (p *QPolicy) Q(stateKey string, action models.Action) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rowLocked(stateKey)[action]
}

// Epsilon reports the current exploration rate.
func (p *QPolicy) Epsilon() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epsilonLocked()
}

// State captures the policy for persistence.
func (p *QPolicy) State() models.PolicyState {
	p.mu.Lock()
	defer p.mu.Unlock()

	table := make(map[string]map[models.Action]float64, len(p.table))
	for key, row := range p.table {
		rowCopy := make(map[models.Action]float64, len(row))
		for a, q := range row {
			rowCopy[a] = q
		}
		table[key] = rowCopy
	}
	return models.PolicyState{
		BotID:       p.botID,
		Table:       table,
		Epsilon:     p.epsilonLocked(),
		Episodes:    p.episodes,
		TotalReward: p.totalReward,
	}
}

// Restore loads a persisted policy state.
func (p *QPolicy) Restore(state models.PolicyState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.table = make(map[string]map[models.Action]float64, len(state.Table))
	for key, row := range state.Table {
		rowCopy := make(map[models.Action]float64, len(row))
		for a, q := range row {
			rowCopy[a] = q
		}
		p.table[key] = rowCopy
	}
	p.episodes = state.Episodes
	p.totalReward = state.TotalReward
}

var _ Policy = (*QPolicy)(nil)
